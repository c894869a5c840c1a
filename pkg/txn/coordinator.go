package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// DefaultTimeout bounds every transaction.
const DefaultTimeout = 5 * time.Second

const (
	commitAttempts   = 3
	commitRetryDelay = 10 * time.Millisecond
)

// Resolver maps a shard id to its participant. Unknown ids must return an error.
type Resolver func(shardID int) (Participant, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the transaction deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDecisionLog makes commit decisions durable in d before participants are told.
func WithDecisionLog(d DecisionLog) Option {
	return func(c *Coordinator) {
		c.decisions = d
	}
}

// WithClock overrides the time source used for StartedAt and the sweep.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Outcome describes a finished Execute call.
type Outcome struct {
	TxID  string
	State State
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Active               int    `json:"active"`
	Started              uint64 `json:"started"`
	Committed            uint64 `json:"committed"`
	Aborted              uint64 `json:"aborted"`
	TimedOut             uint64 `json:"timed_out"`
	CompensationFailures uint64 `json:"compensation_failures"`
}

// Coordinator runs two-phase commits. The active table is a concurrent map; each entry
// changes state only through atomic compare-and-swap.
type Coordinator struct {
	resolve   Resolver
	timeout   time.Duration
	logger    core.Logger
	now       func() time.Time
	decisions DecisionLog

	active sync.Map // txID -> *Transaction
	count  atomic.Int64

	started      atomic.Uint64
	committed    atomic.Uint64
	aborted      atomic.Uint64
	timedOut     atomic.Uint64
	compFailures atomic.Uint64
}

// NewCoordinator creates a coordinator resolving participants through resolve.
func NewCoordinator(resolve Resolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		resolve: resolve,
		timeout: DefaultTimeout,
		logger:  core.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "txn")
	return c
}

// Timeout returns the configured transaction deadline.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

type prepareResult struct {
	ps  *participantState
	err error
}

// Execute runs op as a transaction and blocks until it commits, aborts or times out.
// A timed-out transaction stays in the table, Aborted, until the next cleanup sweep.
func (c *Coordinator) Execute(ctx context.Context, op Operation) (*Outcome, error) {
	const opName = "txn.execute"

	shards := op.Participants()
	parts := make([]*participantState, 0, len(shards))
	for _, id := range shards {
		p, err := c.resolve(id)
		if err != nil || p == nil {
			return nil, core.Errorf(core.KindInvalidParticipant, opName, "shard %d: %v", id, err)
		}
		parts = append(parts, &participantState{shard: id, p: p})
	}

	// Begin
	tx := newTransaction(uuid.NewString(), op, c.now(), parts)
	c.active.Store(tx.ID, tx)
	c.count.Add(1)
	c.started.Add(1)
	log := c.logger.With("tx", tx.ID)
	log.Debug("transaction started", "participants", shards)

	prepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Prepare
	results := make(chan prepareResult, len(parts))
	for _, ps := range parts {
		go func(ps *participantState) {
			err := ps.p.Prepare(prepCtx, tx.ID, op)
			if err == nil {
				ps.prepared.Store(true)
				// The decision may already have been made without us.
				if tx.State() == StateAborted {
					log.Warn("late prepare after abort, compensating", "shard", ps.shard)
					c.compensate(tx, ps)
				}
			}
			results <- prepareResult{ps: ps, err: err}
		}(ps)
	}

	var failure error
	timedOut := false
wait:
	for pending := len(parts); pending > 0; {
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				failure = core.WrapError(opName, r.err)
				log.Warn("prepare failed", "shard", r.ps.shard, "err", r.err)
				break wait
			}
		case <-prepCtx.Done():
			if errors.Is(prepCtx.Err(), context.DeadlineExceeded) {
				timedOut = true
				failure = core.Errorf(core.KindTimeout, opName, "transaction %s not prepared within %s", tx.ID, c.timeout)
			} else {
				failure = core.WrapError(opName, prepCtx.Err())
			}
			break wait
		}
	}

	// Decision
	if failure == nil && tx.allPrepared() {
		if err := tx.transition(StatePreparing, StatePrepared); err == nil {
			return c.commit(tx)
		}
		// Swept concurrently; the sweep has already aborted and compensated.
		failure = core.Errorf(core.KindTimeout, opName, "transaction %s aborted by cleanup sweep", tx.ID)
		timedOut = true
	}

	c.abort(tx, timedOut)
	if !timedOut {
		c.remove(tx.ID)
	}
	return &Outcome{TxID: tx.ID, State: StateAborted}, failure
}

// commit decides tx, makes the decision durable and writes every commit marker. The
// transaction is acknowledged once the decision is in the decision log, or, without one,
// once every marker is durable. A transaction with missing markers stays in the table
// until the sweep writes them.
func (c *Coordinator) commit(tx *Transaction) (*Outcome, error) {
	const opName = "txn.commit"
	tx.markers.Lock()
	defer tx.markers.Unlock()

	if err := tx.transition(StatePrepared, StateCommitted); err != nil {
		// The sweep aborted and compensated the transaction first.
		return &Outcome{TxID: tx.ID, State: StateAborted},
			core.Errorf(core.KindTimeout, opName, "transaction %s aborted by cleanup sweep", tx.ID)
	}
	if c.decisions != nil {
		if err := c.decisions.RecordCommit(tx.ID); err != nil {
			c.logger.Error("commit decision not durable, aborting", "tx", tx.ID, "err", err)
			if tx.retract() {
				c.aborted.Add(1)
				for _, ps := range tx.participants {
					c.compensate(tx, ps)
				}
			}
			c.remove(tx.ID)
			return &Outcome{TxID: tx.ID, State: StateAborted}, core.WrapError(opName, err)
		}
	}
	c.committed.Add(1)

	if pending := c.writeMarkers(tx); pending > 0 {
		if c.decisions != nil {
			c.logger.Warn("commit markers pending, cleanup sweep will retry", "tx", tx.ID, "pending", pending)
			return &Outcome{TxID: tx.ID, State: StateCommitted}, nil
		}
		return &Outcome{TxID: tx.ID, State: StateCommitted},
			core.Errorf(core.KindInternal, opName, "transaction %s committed but %d commit markers are not durable", tx.ID, pending)
	}
	c.finish(tx)
	return &Outcome{TxID: tx.ID, State: StateCommitted}, nil
}

// writeMarkers asks every participant without a durable marker to commit, retrying each a
// few times. It returns the number still missing. Callers hold tx.markers.
func (c *Coordinator) writeMarkers(tx *Transaction) int {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	pending := 0
	for _, ps := range tx.participants {
		if ps.committed.Load() {
			continue
		}
		var err error
		for attempt := 1; attempt <= commitAttempts; attempt++ {
			if err = ps.p.Commit(ctx, tx.ID); err == nil {
				break
			}
			c.logger.Warn("commit marker failed", "tx", tx.ID, "shard", ps.shard, "attempt", attempt, "err", err)
			if attempt == commitAttempts {
				break
			}
			select {
			case <-time.After(time.Duration(attempt) * commitRetryDelay):
			case <-ctx.Done():
			}
		}
		if err != nil {
			pending++
			continue
		}
		ps.committed.Store(true)
	}
	return pending
}

// finish forgets the decision of a fully committed transaction and drops it from the table.
func (c *Coordinator) finish(tx *Transaction) {
	if c.decisions != nil {
		if err := c.decisions.Forget(tx.ID); err != nil {
			c.logger.Warn("forgetting commit decision", "tx", tx.ID, "err", err)
		}
	}
	c.remove(tx.ID)
	c.logger.Debug("transaction committed", "tx", tx.ID)
}

// resume retries the missing commit markers of a committed transaction. It reports whether
// the transaction is now complete.
func (c *Coordinator) resume(tx *Transaction) bool {
	if !tx.markers.TryLock() {
		return false
	}
	defer tx.markers.Unlock()
	if _, ok := c.active.Load(tx.ID); !ok {
		return false
	}
	if pending := c.writeMarkers(tx); pending > 0 {
		c.logger.Error("commit markers still pending", "tx", tx.ID, "pending", pending)
		return false
	}
	c.finish(tx)
	c.logger.Info("completed commit markers", "tx", tx.ID)
	return true
}

// abort moves tx to Aborted and compensates every participant that prepared.
func (c *Coordinator) abort(tx *Transaction, timedOut bool) {
	if !tx.abort() {
		return
	}
	c.aborted.Add(1)
	if timedOut {
		c.timedOut.Add(1)
	}
	for _, ps := range tx.participants {
		if ps.prepared.Load() {
			c.compensate(tx, ps)
		}
	}
	c.logger.Info("transaction aborted", "tx", tx.ID, "timed_out", timedOut)
}

// compensate undoes a participant's prepared write at most once.
func (c *Coordinator) compensate(tx *Transaction, ps *participantState) {
	if !ps.compensated.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := ps.p.Compensate(ctx, tx.ID, tx.Op); err != nil {
		c.compFailures.Add(1)
		c.logger.Warn("compensation failed", "tx", tx.ID, "shard", ps.shard, "err", err)
	}
}

func (c *Coordinator) remove(id string) {
	if _, ok := c.active.LoadAndDelete(id); ok {
		c.count.Add(-1)
	}
}

// Abort aborts an in-flight transaction. Unknown ids yield NotFound; terminal ones InvalidState.
func (c *Coordinator) Abort(id string) error {
	v, ok := c.active.Load(id)
	if !ok {
		return core.Errorf(core.KindNotFound, "txn.abort", "transaction %s", id)
	}
	tx := v.(*Transaction)
	if st := tx.State(); st.Terminal() {
		return core.Errorf(core.KindInvalidState, "txn.abort", "transaction %s is already %s", id, st)
	}
	c.abort(tx, false)
	return nil
}

// CleanupTimedOut aborts and removes every undecided transaction started before
// now - timeout, and retries the commit markers of committed transactions that are missing
// some. It returns the number of entries removed.
func (c *Coordinator) CleanupTimedOut(now time.Time) int {
	cutoff := now.Add(-c.timeout)
	removed := 0
	c.active.Range(func(key, value any) bool {
		tx := value.(*Transaction)
		if tx.State() == StateCommitted {
			if c.resume(tx) {
				removed++
			}
			return true
		}
		if !tx.StartedAt.Before(cutoff) {
			return true
		}
		c.abort(tx, true)
		if tx.State() == StateCommitted {
			// Decided between the state check and the abort.
			return true
		}
		if _, ok := c.active.LoadAndDelete(key); ok {
			c.count.Add(-1)
			removed++
		}
		return true
	})
	if removed > 0 {
		c.logger.Info("swept transactions", "removed", removed)
	}
	return removed
}

// Run sweeps the table every interval until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupTimedOut(c.now())
		case <-ctx.Done():
			return
		}
	}
}

// Active returns the number of transactions in the table.
func (c *Coordinator) Active() int {
	return int(c.count.Load())
}

// Get returns a snapshot of a transaction in the table.
func (c *Coordinator) Get(id string) (Snapshot, error) {
	v, ok := c.active.Load(id)
	if !ok {
		return Snapshot{}, core.Errorf(core.KindNotFound, "txn.get", "transaction %s", id)
	}
	return v.(*Transaction).snapshot(), nil
}

// Stats returns cumulative counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Active:               c.Active(),
		Started:              c.started.Load(),
		Committed:            c.committed.Load(),
		Aborted:              c.aborted.Load(),
		TimedOut:             c.timedOut.Load(),
		CompensationFailures: c.compFailures.Load(),
	}
}
