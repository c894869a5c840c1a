package txn

import (
	"sync"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

// DecisionLog durably records commit decisions. A decision is written before any
// participant is told to commit and forgotten once every commit marker is durable, so a
// participant recovering with a prepared transaction can tell a commit from an abort.
type DecisionLog interface {
	RecordCommit(txID string) error
	Forget(txID string) error
}

// Decisions is a DecisionLog on top of a write-ahead log.
type Decisions struct {
	mu        sync.Mutex
	log       *wal.Log
	committed map[string]struct{}
	logger    core.Logger
}

var _ DecisionLog = (*Decisions)(nil)

// OpenDecisions opens the decision log at path and loads every decision that was recorded
// but not forgotten.
func OpenDecisions(path string, opts wal.Options) (*Decisions, error) {
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	log, err := wal.Open(path, opts)
	if err != nil {
		return nil, core.WrapError("txn.open_decisions", err)
	}
	d := &Decisions{
		log:       log,
		committed: make(map[string]struct{}),
		logger:    opts.Logger,
	}
	err = log.Replay(0, func(e wal.Entry) error {
		switch e.Op {
		case wal.OpTxCommit:
			d.committed[e.TxID] = struct{}{}
		case wal.OpTxEnd:
			delete(d.committed, e.TxID)
		}
		return nil
	})
	if err != nil {
		log.Close()
		return nil, core.WrapError("txn.open_decisions", err)
	}
	if len(d.committed) > 0 {
		d.logger.Info("loaded unfinished commit decisions", "count", len(d.committed))
	}
	return d, nil
}

// RecordCommit makes the commit decision for txID durable.
func (d *Decisions) RecordCommit(txID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.log.Append(wal.OpTxCommit, txID, nil); err != nil {
		return core.WrapError("txn.record_commit", err)
	}
	d.committed[txID] = struct{}{}
	return nil
}

// Forget marks txID as fully committed on every participant.
func (d *Decisions) Forget(txID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.committed[txID]; !ok {
		return nil
	}
	delete(d.committed, txID)
	if _, err := d.log.Append(wal.OpTxEnd, txID, nil); err != nil {
		return core.WrapError("txn.forget", err)
	}
	return nil
}

// Committed reports whether a commit was decided for txID and not yet forgotten.
func (d *Decisions) Committed(txID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.committed[txID]
	return ok
}

// Unfinished returns the number of decisions not yet forgotten.
func (d *Decisions) Unfinished() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.committed)
}

// Compact empties the log when no decision is outstanding.
func (d *Decisions) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.committed) > 0 {
		return nil
	}
	return d.resetLocked()
}

// Settle forgets every outstanding decision and empties the log. It is called once every
// participant has recovered and completed the commits recorded here.
func (d *Decisions) Settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.committed)
	return d.resetLocked()
}

func (d *Decisions) resetLocked() error {
	if d.log.Stats().Entries == 0 {
		return nil
	}
	if err := d.log.Reset(d.log.Seq()); err != nil {
		return core.WrapError("txn.compact_decisions", err)
	}
	return nil
}

// Close closes the underlying log.
func (d *Decisions) Close() error {
	return d.log.Close()
}
