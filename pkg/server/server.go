// Package server exposes an engine over the conceptdb frame protocol.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

// Backend is the engine surface the server dispatches to.
type Backend interface {
	LearnConceptV2(ctx context.Context, req engine.LearnRequest) (string, error)
	LearnConcept(ctx context.Context, content string, embedding []float32) (string, error)
	CreateAssociation(ctx context.Context, a core.Association) (string, error)
	GetConcept(ctx context.Context, id string) (*core.Concept, error)
	TextSearch(ctx context.Context, query string, limit int) ([]core.SearchResult, error)
	VectorSearch(ctx context.Context, query []float32, k, ef int) ([]core.SearchResult, error)
	GetNeighbors(ctx context.Context, id string) ([]core.Neighbor, error)
	DeleteConcept(ctx context.Context, id string) error
	ListRecent(ctx context.Context, namespace string, limit int) ([]core.RecentItem, error)
	Flush(ctx context.Context) error
	Stats(ctx context.Context, namespace string) (core.Stats, error)
	Shards() int
}

var _ Backend = (*engine.Engine)(nil)

// Defaults.
const (
	DefaultPort        = 50051
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxSubjects = 10000
)

// Config configures the listener and its security.
type Config struct {
	Addr string

	// SecureMode requires signed envelopes and a JWT for every request.
	SecureMode bool
	Secret     []byte
	TLSCert    string
	TLSKey     string

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxSubjects    int

	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for signature windows and token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server serves one goroutine per connection.
type Server struct {
	cfg      Config
	backend  Backend
	logger   core.Logger
	now      func() time.Time
	limiters *lru.Cache[string, *rate.Limiter]
	limitMu  sync.Mutex
	started  time.Time

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	requests atomic.Uint64
	rejected atomic.Uint64
}

// New creates a server for backend.
func New(backend Backend, cfg Config, opts ...Option) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	}
	if cfg.SecureMode && len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("%w: secure mode needs a secret", core.ErrInvalidArgument)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("%w: TLS needs both a certificate and a key", core.ErrInvalidArgument)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxSubjects <= 0 {
		cfg.MaxSubjects = DefaultMaxSubjects
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = max(1, int(cfg.RateLimitRPS))
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  core.NopLogger(),
		now:     time.Now,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	if cfg.RateLimitRPS > 0 {
		cache, err := lru.New[string, *rate.Limiter](cfg.MaxSubjects)
		if err != nil {
			return nil, err
		}
		s.limiters = cache
	}
	return s, nil
}

// Listen opens the configured address, with TLS 1.3 when a certificate is configured.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.TLSCert == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return core.ErrClosed
	}
	s.ln = ln
	s.started = s.now()
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "secure", s.cfg.SecureMode, "tls", s.cfg.TLSCert != "")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// Close stops accepting, closes every connection and waits for handlers to return.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("server stopped", "requests", s.requests.Load(), "rejected", s.rejected.Load())
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	remote := remoteHost(conn.RemoteAddr())
	log := s.logger.With("remote", conn.RemoteAddr().String())
	log.Debug("connection opened")

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		payload, err := protocol.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				log.Debug("connection closed on frame error", "err", err)
			}
			return
		}

		resp := s.Handle(context.Background(), payload, remote)
		out, err := protocol.EncodeResponse(resp)
		if err != nil {
			log.Error("encode response", "err", err)
			out, _ = protocol.EncodeResponse(protocol.Fail(core.WrapError("server.encode", err)))
		}
		if err := protocol.WriteFrame(w, out); err != nil {
			log.Debug("write failed", "err", err)
			return
		}
		if err := w.Flush(); err != nil {
			log.Debug("write failed", "err", err)
			return
		}
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Handle processes one frame payload from remote and returns the response. Decode failures
// become Error responses.
func (s *Server) Handle(ctx context.Context, payload []byte, remote string) *protocol.Response {
	s.requests.Add(1)
	resp, err := s.handle(ctx, payload, remote)
	if err != nil {
		s.rejected.Add(1)
		return protocol.Fail(err)
	}
	return resp
}

func (s *Server) handle(ctx context.Context, payload []byte, remote string) (*protocol.Response, error) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if s.cfg.SecureMode {
		if err := protocol.Verify(s.cfg.Secret, env, now); err != nil {
			return nil, err
		}
	}
	req, err := protocol.DecodeRequest(env.Body)
	if err != nil {
		return nil, err
	}

	subject := remote
	if s.cfg.SecureMode {
		if env.Token == "" {
			return nil, core.Errorf(core.KindAuthFailed, "server.authorize", "missing token")
		}
		sub, level, err := protocol.ParseToken(s.cfg.Secret, env.Token, now)
		if err != nil {
			return nil, err
		}
		if need := req.Level(); level < need {
			return nil, core.Errorf(core.KindAuthFailed, "server.authorize", "%s access required, token grants %s", need, level)
		}
		if sub != "" {
			subject = sub
		}
	}
	if !s.allow(subject) {
		return nil, core.Errorf(core.KindRateLimited, "server.rate_limit", "subject %s over %.0f requests/s", subject, s.cfg.RateLimitRPS)
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return s.dispatch(ctx, req)
}

func (s *Server) allow(subject string) bool {
	if s.limiters == nil {
		return true
	}
	s.limitMu.Lock()
	l, ok := s.limiters.Get(subject)
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		s.limiters.Add(subject, l)
	}
	s.limitMu.Unlock()
	return l.AllowN(s.now(), 1)
}

// Stats are cumulative server counters.
type Stats struct {
	Requests uint64        `json:"requests"`
	Rejected uint64        `json:"rejected"`
	Subjects int           `json:"subjects"`
	Uptime   time.Duration `json:"uptime"`
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	st := Stats{Requests: s.requests.Load(), Rejected: s.rejected.Load()}
	s.mu.Lock()
	if !s.started.IsZero() {
		st.Uptime = s.now().Sub(s.started)
	}
	s.mu.Unlock()
	if s.limiters != nil {
		st.Subjects = s.limiters.Len()
	}
	return st
}
