// Package reconciler runs the per-shard background maintenance loop: decay, pruning, index
// compaction and snapshotting.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/shard"
)

// Defaults for Config.
const (
	DefaultInterval            = 30 * time.Second
	DefaultKeepStrength        = 1.5
	DefaultMinConfidence       = 0.1
	DefaultInactivity          = 7 * 24 * time.Hour
	DefaultCompactionThreshold = 0.2
)

// Target is the shard surface a reconciler maintains.
type Target interface {
	ID() int
	Decay(now time.Time, factor float64) time.Duration
	Prune(now time.Time, cfg shard.PruneConfig) (*shard.PruneResult, error)
	CompactIndex(threshold float64) int
	Snapshot() (uint64, error)
	FlushRequests() <-chan struct{}
}

var _ Target = (*shard.Shard)(nil)

// Config tunes a reconciler.
type Config struct {
	Interval            time.Duration
	DecayFactor         float64
	Prune               shard.PruneConfig
	CompactionThreshold float64

	// BreakerFailures is the number of consecutive snapshot failures that opens the breaker;
	// BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the standard maintenance schedule.
func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		DecayFactor: core.DailyDecay,
		Prune: shard.PruneConfig{
			MinStrength:   DefaultKeepStrength,
			MinConfidence: DefaultMinConfidence,
			Inactivity:    DefaultInactivity,
		},
		CompactionThreshold: DefaultCompactionThreshold,
		BreakerFailures:     3,
		BreakerCooldown:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		c.DecayFactor = d.DecayFactor
	}
	if c.Prune == (shard.PruneConfig{}) {
		c.Prune = d.Prune
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = d.CompactionThreshold
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	return c
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPruneHook registers fn to receive every non-empty prune result, typically to clean up
// references held by other shards.
func WithPruneHook(fn func(context.Context, *shard.PruneResult)) Option {
	return func(r *Reconciler) {
		r.onPrune = fn
	}
}

// Report summarizes one cycle.
type Report struct {
	Decayed            time.Duration
	PrunedConcepts     int
	PrunedAssociations int
	Dangling           int
	Compacted          int
	SnapshotSeq        uint64
	Snapshotted        bool
	Err                error
}

// Stats are cumulative reconciler counters.
type Stats struct {
	Shard              int       `json:"shard"`
	Cycles             uint64    `json:"cycles"`
	Snapshots          uint64    `json:"snapshots"`
	SnapshotsSkipped   uint64    `json:"snapshots_skipped"`
	PrunedConcepts     uint64    `json:"pruned_concepts"`
	PrunedAssociations uint64    `json:"pruned_associations"`
	Compactions        uint64    `json:"compactions"`
	Breaker            string    `json:"breaker"`
	LastCycle          time.Time `json:"last_cycle"`
	LastError          string    `json:"last_error,omitempty"`
}

// Reconciler maintains one shard on a schedule. It runs in its own goroutine so that a slow
// or failing shard never delays another.
type Reconciler struct {
	target  Target
	cfg     Config
	logger  core.Logger
	now     func() time.Time
	onPrune func(context.Context, *shard.PruneResult)
	breaker *gobreaker.CircuitBreaker

	trigger chan struct{}
	cycleMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	cycles             atomic.Uint64
	snapshots          atomic.Uint64
	skipped            atomic.Uint64
	prunedConcepts     atomic.Uint64
	prunedAssociations atomic.Uint64
	compactions        atomic.Uint64

	mu        sync.Mutex
	lastCycle time.Time
	lastErr   error
}

// New creates a reconciler for target.
func New(target Target, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		target:  target,
		cfg:     cfg.withDefaults(),
		logger:  core.NopLogger(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler", "shard", target.ID())

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "snapshot",
		MaxRequests: 1,
		Timeout:     r.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.logger.Error("snapshot breaker opened; snapshots suspended", "cooldown", r.cfg.BreakerCooldown)
				return
			}
			r.logger.Info("snapshot breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return r
}

// Start launches the maintenance loop. It returns immediately; calling it twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	go r.loop(ctx, r.done)
	r.logger.Debug("reconciler started", "interval", r.cfg.Interval)
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (r *Reconciler) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
	r.logger.Debug("reconciler stopped")
}

// Trigger requests a cycle as soon as possible.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	flush := r.target.FlushRequests()
	for {
		select {
		case <-ticker.C:
			r.Cycle(ctx)
		case <-r.trigger:
			r.Cycle(ctx)
		case <-flush:
			r.logger.Debug("flush threshold reached")
			r.Cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Cycle runs one maintenance pass: decay, prune, compaction, snapshot. A failed step is
// recorded and the remaining steps still run.
func (r *Reconciler) Cycle(ctx context.Context) Report {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now()
	now := r.now()
	var rep Report
	var errs []error

	rep.Decayed = r.target.Decay(now, r.cfg.DecayFactor)

	res, err := r.target.Prune(now, r.cfg.Prune)
	if err != nil {
		errs = append(errs, err)
		r.logger.Warn("prune failed", "err", err)
	}
	if res != nil {
		rep.PrunedConcepts = len(res.Concepts)
		rep.PrunedAssociations = len(res.Associations)
		rep.Dangling = res.Dangling
		r.prunedConcepts.Add(uint64(rep.PrunedConcepts))
		r.prunedAssociations.Add(uint64(rep.PrunedAssociations))
		if r.onPrune != nil && (len(res.Concepts) > 0 || len(res.Associations) > 0) {
			r.onPrune(ctx, res)
		}
	}

	if rep.Compacted = r.target.CompactIndex(r.cfg.CompactionThreshold); rep.Compacted > 0 {
		r.compactions.Add(1)
	}

	seq, err := r.snapshot()
	switch {
	case err == nil:
		rep.SnapshotSeq, rep.Snapshotted = seq, true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.logger.Warn("snapshot skipped, breaker open")
	default:
		errs = append(errs, err)
		r.logger.Error("snapshot failed", "err", err)
	}

	rep.Err = errors.Join(errs...)
	r.cycles.Add(1)
	r.mu.Lock()
	r.lastCycle = now
	r.lastErr = rep.Err
	r.mu.Unlock()

	r.logger.Debug("cycle finished",
		"pruned_concepts", rep.PrunedConcepts, "pruned_associations", rep.PrunedAssociations,
		"compacted", rep.Compacted, "snapshot_seq", rep.SnapshotSeq, "took", core.Since(start))
	return rep
}

func (r *Reconciler) snapshot() (uint64, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.target.Snapshot()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.skipped.Add(1)
		}
		return 0, err
	}
	r.snapshots.Add(1)
	return v.(uint64), nil
}

// Flush snapshots the shard now, through the breaker.
func (r *Reconciler) Flush() (uint64, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	seq, err := r.snapshot()
	if err != nil {
		return 0, core.Errorf(core.KindInternal, "reconciler.flush", "shard %d: %v", r.target.ID(), err)
	}
	return seq, nil
}

// Stats returns cumulative counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Shard:              r.target.ID(),
		Cycles:             r.cycles.Load(),
		Snapshots:          r.snapshots.Load(),
		SnapshotsSkipped:   r.skipped.Load(),
		PrunedConcepts:     r.prunedConcepts.Load(),
		PrunedAssociations: r.prunedAssociations.Load(),
		Compactions:        r.compactions.Load(),
		Breaker:            r.breaker.State().String(),
		LastCycle:          r.lastCycle,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}
