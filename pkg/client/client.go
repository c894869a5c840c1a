// Package client is a conceptdb protocol client.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

// DefaultTimeout bounds dialing and each round trip when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithTLS dials with TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) { c.tls = cfg }
}

// WithSecret signs every request with secret.
func WithSecret(secret []byte) Option {
	return func(c *Client) { c.secret = secret }
}

// WithToken attaches a JWT to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout used when the context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the clock used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client holds one connection. Requests are serialized on it.
type Client struct {
	secret  []byte
	token   string
	tls     *tls.Config
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	d := net.Dialer{Timeout: c.timeout}
	var (
		conn net.Conn
		err  error
	)
	if c.tls != nil {
		td := tls.Dialer{NetDialer: &d, Config: c.tls}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and waits for its response. Error responses are returned as core errors of
// the same kind.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	env, err := protocol.Seal(req, c.secret, c.token, c.now())
	if err != nil {
		return nil, err
	}
	payload, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := protocol.WriteFrame(c.w, payload); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	out, err := protocol.ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp, err := protocol.DecodeResponse(out)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return resp, nil
}

func unexpected(want string, resp *protocol.Response) error {
	got, _ := resp.Variant()
	return core.Errorf(core.KindInternal, "client", "expected %s, got %s", want, got)
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, &protocol.Request{Ping: &protocol.Ping{}})
	if err != nil {
		return err
	}
	if resp.Pong == nil {
		return unexpected("Pong", resp)
	}
	return nil
}

// Learn stores content with an optional embedding.
func (c *Client) Learn(ctx context.Context, content string, embedding []float32) (string, error) {
	resp, err := c.Do(ctx, &protocol.Request{LearnConcept: &protocol.LearnConcept{Content: content, Embedding: embedding}})
	if err != nil {
		return "", err
	}
	if resp.LearnConceptOk == nil {
		return "", unexpected("LearnConceptOk", resp)
	}
	return resp.LearnConceptOk.ConceptID, nil
}

// LearnV2 stores a concept with namespace, attributes and options.
func (c *Client) LearnV2(ctx context.Context, req *protocol.LearnConceptV2) (string, error) {
	resp, err := c.Do(ctx, &protocol.Request{LearnConceptV2: req})
	if err != nil {
		return "", err
	}
	if resp.LearnConceptV2Ok == nil {
		return "", unexpected("LearnConceptV2Ok", resp)
	}
	return resp.LearnConceptV2Ok.ConceptID, nil
}

// Associate creates an association and returns the transaction id, empty on the fast path.
func (c *Client) Associate(ctx context.Context, req *protocol.CreateAssociation) (string, error) {
	resp, err := c.Do(ctx, &protocol.Request{CreateAssociation: req})
	if err != nil {
		return "", err
	}
	if resp.CreateAssociationOk == nil {
		return "", unexpected("CreateAssociationOk", resp)
	}
	return resp.CreateAssociationOk.TransactionID, nil
}

// GetConcept fetches a concept.
func (c *Client) GetConcept(ctx context.Context, id string) (*core.Concept, error) {
	resp, err := c.Do(ctx, &protocol.Request{GetConcept: &protocol.GetConcept{ConceptID: id}})
	if err != nil {
		return nil, err
	}
	if resp.ConceptOk == nil {
		return nil, unexpected("ConceptOk", resp)
	}
	return resp.ConceptOk.Concept, nil
}

// TextSearch searches by text.
func (c *Client) TextSearch(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	resp, err := c.Do(ctx, &protocol.Request{TextSearch: &protocol.TextSearch{Query: query, Limit: limit}})
	if err != nil {
		return nil, err
	}
	if resp.SearchOk == nil {
		return nil, unexpected("SearchOk", resp)
	}
	return resp.SearchOk.Results, nil
}

// VectorSearch searches by vector. ef <= 0 uses the server default.
func (c *Client) VectorSearch(ctx context.Context, vector []float32, limit, ef int) ([]core.SearchResult, error) {
	resp, err := c.Do(ctx, &protocol.Request{VectorSearch: &protocol.VectorSearch{Vector: vector, Limit: limit, EfSearch: ef}})
	if err != nil {
		return nil, err
	}
	if resp.SearchOk == nil {
		return nil, unexpected("SearchOk", resp)
	}
	return resp.SearchOk.Results, nil
}

// Neighbors lists the outgoing associations of id.
func (c *Client) Neighbors(ctx context.Context, id string) ([]protocol.Neighbor, error) {
	resp, err := c.Do(ctx, &protocol.Request{GetNeighbors: &protocol.GetNeighbors{ConceptID: id}})
	if err != nil {
		return nil, err
	}
	if resp.NeighborsOk == nil {
		return nil, unexpected("NeighborsOk", resp)
	}
	return resp.NeighborsOk.Neighbors, nil
}

// Delete removes a concept.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.Do(ctx, &protocol.Request{DeleteConcept: &protocol.DeleteConcept{ID: id}})
	if err != nil {
		return err
	}
	if resp.DeleteConceptOk == nil {
		return unexpected("DeleteConceptOk", resp)
	}
	return nil
}

// ListRecent lists the newest concepts of namespace.
func (c *Client) ListRecent(ctx context.Context, namespace string, limit int) ([]protocol.RecentItem, error) {
	resp, err := c.Do(ctx, &protocol.Request{ListRecent: &protocol.ListRecent{Namespace: namespace, Limit: limit}})
	if err != nil {
		return nil, err
	}
	if resp.ListRecentOk == nil {
		return nil, unexpected("ListRecentOk", resp)
	}
	return resp.ListRecentOk.Items, nil
}

// Flush makes the server snapshot every shard.
func (c *Client) Flush(ctx context.Context) error {
	resp, err := c.Do(ctx, &protocol.Request{Flush: &protocol.Flush{}})
	if err != nil {
		return err
	}
	if resp.FlushOk == nil {
		return unexpected("FlushOk", resp)
	}
	return nil
}

// Stats returns engine statistics, restricted to namespace when non-empty.
func (c *Client) Stats(ctx context.Context, namespace string) (*protocol.StatsOk, error) {
	resp, err := c.Do(ctx, &protocol.Request{GetStats: &protocol.GetStats{Namespace: namespace}})
	if err != nil {
		return nil, err
	}
	if resp.StatsOk == nil {
		return nil, unexpected("StatsOk", resp)
	}
	return resp.StatsOk, nil
}
