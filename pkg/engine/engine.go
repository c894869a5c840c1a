// Package engine composes shards, the router, the transaction coordinator and the
// reconcilers into the concept store that the server and the CLI talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/embedder"
	"github.com/liliang-cn/conceptdb/pkg/index"
	"github.com/liliang-cn/conceptdb/pkg/reconciler"
	"github.com/liliang-cn/conceptdb/pkg/router"
	"github.com/liliang-cn/conceptdb/pkg/shard"
	"github.com/liliang-cn/conceptdb/pkg/txn"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

const (
	metaFile     = "engine.meta"
	metaVersion  = 1
	decisionFile = "txn.log"

	// DefaultShards is the shard count of DefaultConfig.
	DefaultShards = 4
	// DefaultPreviewLength is the number of runes ListRecent returns per item.
	DefaultPreviewLength = 80
)

// Config represents engine configuration
type Config struct {
	Path           string        // Data directory, one subdirectory per shard
	Shards         int           // Shard count; fixed once the directory is initialized
	Dimension      int           // Vector dimension (0 for first seen)
	Metric         core.Metric   // Similarity metric (default: cosine)
	Index          index.Config  // HNSW parameters
	FlushThreshold uint64        // WAL appends between forced snapshots
	NoSync         bool          // Skip fsync on WAL append; for tests and bulk loads only
	TxTimeout      time.Duration // Cross-shard transaction deadline
	Reconcile      reconciler.Config
	PreviewLength  int
}

// DefaultConfig returns default configuration
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		Shards:         DefaultShards,
		Metric:         core.MetricCosine,
		Index:          index.DefaultConfig(),
		FlushThreshold: shard.DefaultFlushThreshold,
		TxTimeout:      txn.DefaultTimeout,
		Reconcile:      reconciler.DefaultConfig(),
		PreviewLength:  DefaultPreviewLength,
	}
}

// ParticipantWrapper decorates the participant of a shard, for instrumentation or fault
// injection.
type ParticipantWrapper func(shardID int, p txn.Participant) txn.Participant

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEmbedder configures the default embedder used for generated embeddings and text
// search. Without one, text search is lexical.
func WithEmbedder(name string, emb embedder.Embedder) Option {
	return func(e *Engine) {
		if e.embedders == nil {
			e.embedders = embedder.NewRegistry(name, emb)
			return
		}
		e.embedders.Register(name, emb)
	}
}

// WithParticipantWrapper wraps every shard participant handed to the coordinator.
func WithParticipantWrapper(w ParticipantWrapper) Option {
	return func(e *Engine) {
		e.wrap = w
	}
}

// WithoutReconcilers leaves background maintenance off; Reconcile and Flush still work.
func WithoutReconcilers() Option {
	return func(e *Engine) {
		e.noReconcile = true
	}
}

// Engine is a sharded concept store.
type Engine struct {
	cfg       Config
	logger    core.Logger
	now       func() time.Time
	embedders *embedder.Registry
	wrap      ParticipantWrapper

	router      *router.Router
	shards      []*shard.Shard
	reconcilers []*reconciler.Reconciler
	coord       *txn.Coordinator

	decisions   *txn.Decisions

	dim         atomic.Int64 // first-seen vector dimension when Config.Dimension is 0
	dimMu       sync.Mutex
	noReconcile bool
	started     time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      atomic.Bool
}

type engineMeta struct {
	Version   int         `cbor:"version"`
	Shards    int         `cbor:"shards"`
	Dimension int         `cbor:"dimension"`
	Metric    core.Metric `cbor:"metric"`
}

// Open opens or creates the engine in cfg.Path, recovering every shard in parallel.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: core.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := e.checkMeta(); err != nil {
		return nil, err
	}

	e.router, err = router.New(cfg.Shards)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	walOpts := wal.DefaultOptions()
	walOpts.SyncWrites = !cfg.NoSync
	walOpts.Logger = e.logger
	e.decisions, err = txn.OpenDecisions(filepath.Join(cfg.Path, decisionFile), walOpts)
	if err != nil {
		return nil, err
	}

	e.shards = make([]*shard.Shard, cfg.Shards)
	var g errgroup.Group
	for i := range e.shards {
		g.Go(func() error {
			s, err := shard.Open(shard.Options{
				ID:             i,
				Dir:            filepath.Join(cfg.Path, fmt.Sprintf("shard-%03d", i)),
				Dimension:      cfg.Dimension,
				Index:          cfg.Index,
				FlushThreshold: cfg.FlushThreshold,
				SyncWrites:     !cfg.NoSync,
				Owns:           func(id string) bool { return e.router.ShardFor(id) == i },
				Committed:      e.decisions.Committed,
				Logger:         e.logger.With("component", "shard"),
				Clock:          e.now,
			})
			if err != nil {
				return fmt.Errorf("open shard %d: %w", i, err)
			}
			e.shards[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.closeShards()
		return nil, err
	}
	// Every shard has completed the commits recorded before the last shutdown.
	if err := e.decisions.Settle(); err != nil {
		e.closeShards()
		return nil, err
	}
	e.dim.Store(int64(cfg.Dimension))
	for _, s := range e.shards {
		if d := s.IndexStats().Dimension; d != 0 && e.dim.Load() == 0 {
			e.dim.Store(int64(d))
		}
	}

	e.coord = txn.NewCoordinator(e.participant,
		txn.WithTimeout(cfg.TxTimeout),
		txn.WithDecisionLog(e.decisions),
		txn.WithLogger(e.logger),
		txn.WithClock(e.now))

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.reconcilers = make([]*reconciler.Reconciler, len(e.shards))
	for i, s := range e.shards {
		e.reconcilers[i] = reconciler.New(s, cfg.Reconcile,
			reconciler.WithLogger(e.logger),
			reconciler.WithClock(e.now),
			reconciler.WithPruneHook(e.cleanupPruned))
		if !e.noReconcile {
			e.reconcilers[i].Start(ctx)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.coord.Run(ctx, cfg.TxTimeout)
	}()

	e.started = e.now()
	e.logger.Info("engine opened", "path", cfg.Path, "shards", cfg.Shards, "took", core.Since(start))
	return e, nil
}

func normalize(cfg Config) (Config, error) {
	d := DefaultConfig(cfg.Path)
	if cfg.Path == "" {
		return cfg, fmt.Errorf("%w: data path required", core.ErrInvalidArgument)
	}
	if cfg.Shards == 0 {
		cfg.Shards = d.Shards
	}
	if cfg.Shards < 0 {
		return cfg, fmt.Errorf("%w: shard count %d", core.ErrInvalidArgument, cfg.Shards)
	}
	if cfg.Dimension < 0 {
		return cfg, fmt.Errorf("%w: dimension %d", core.ErrInvalidArgument, cfg.Dimension)
	}
	cfg.Index.Metric = cfg.Metric
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = d.FlushThreshold
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = d.TxTimeout
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = d.PreviewLength
	}
	return cfg, nil
}

// checkMeta records the shard layout on first open and refuses a different one later:
// changing the shard count would route existing ids to the wrong shard.
func (e *Engine) checkMeta() error {
	path := filepath.Join(e.cfg.Path, metaFile)
	want := engineMeta{Version: metaVersion, Shards: e.cfg.Shards, Dimension: e.cfg.Dimension, Metric: e.cfg.Metric}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = encoding.Marshal(want)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("read engine metadata: %w", err)
	}

	var have engineMeta
	if err := encoding.Unmarshal(data, &have); err != nil {
		return core.Errorf(core.KindInternal, "engine.open", "corrupt %s: %v", metaFile, err)
	}
	if have.Shards != want.Shards {
		return core.Errorf(core.KindInvalidArgument, "engine.open",
			"data directory has %d shards, configured %d; resharding is offline only", have.Shards, want.Shards)
	}
	if have.Metric != want.Metric {
		return core.Errorf(core.KindInvalidArgument, "engine.open", "data directory uses metric %s, configured %s", have.Metric, want.Metric)
	}
	if want.Dimension != 0 && have.Dimension != 0 && have.Dimension != want.Dimension {
		return core.Errorf(core.KindInvalidArgument, "engine.open", "data directory uses dimension %d, configured %d", have.Dimension, want.Dimension)
	}
	return nil
}

func (e *Engine) participant(id int) (txn.Participant, error) {
	if id < 0 || id >= len(e.shards) {
		return nil, fmt.Errorf("%w: shard %d", core.ErrInvalidParticipant, id)
	}
	var p txn.Participant = e.shards[id]
	if e.wrap != nil {
		p = e.wrap(id, p)
	}
	return p, nil
}

func (e *Engine) shardOf(id string) *shard.Shard {
	return e.shards[e.router.ShardFor(id)]
}

// withDimension runs write after checking vec against the engine dimension. While the
// dimension is unset, the first successful write of a vector fixes it.
func (e *Engine) withDimension(vec []float32, write func() error) error {
	n := int64(len(vec))
	if n == 0 {
		return write()
	}
	if err := core.ValidateVector(vec); err != nil {
		return err
	}
	if want := e.dim.Load(); want != 0 {
		if want != n {
			return fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, want, n)
		}
		return write()
	}

	e.dimMu.Lock()
	defer e.dimMu.Unlock()
	if want := e.dim.Load(); want != 0 && want != n {
		return fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, want, n)
	}
	if err := write(); err != nil {
		return err
	}
	e.dim.CompareAndSwap(0, n)
	return nil
}

func (e *Engine) check() error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	return nil
}

// ShardFor returns the shard index that owns id.
func (e *Engine) ShardFor(id string) int {
	return e.router.ShardFor(id)
}

// Shards returns the shard count.
func (e *Engine) Shards() int {
	return len(e.shards)
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Coordinator exposes the transaction coordinator for introspection.
func (e *Engine) Coordinator() *txn.Coordinator {
	return e.coord
}

// Reconcile runs one maintenance cycle on every shard concurrently.
func (e *Engine) Reconcile(ctx context.Context) []reconciler.Report {
	reports := make([]reconciler.Report, len(e.reconcilers))
	var wg sync.WaitGroup
	for i, r := range e.reconcilers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = r.Cycle(ctx)
		}()
	}
	wg.Wait()
	return reports
}

// Close stops background work, then syncs and closes every shard.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	for _, r := range e.reconcilers {
		r.Stop()
	}
	e.wg.Wait()
	err := e.closeShards()
	e.logger.Info("engine closed")
	return err
}

func (e *Engine) closeShards() error {
	var errs []error
	for _, s := range e.shards {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if e.decisions != nil {
		errs = append(errs, e.decisions.Close())
	}
	return errors.Join(errs...)
}
