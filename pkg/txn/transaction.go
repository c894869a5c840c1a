// Package txn coordinates writes that span two shards with a two-phase commit.
//
// Prepare already applies each participant's local write; a transaction is Committed only
// once every participant reported prepared before the deadline. Any failure or timeout
// aborts it, and every participant that did apply its write is compensated.
//
// With a DecisionLog the commit decision is made durable before any participant writes its
// commit marker. Markers that fail are retried by the cleanup sweep, and a participant that
// restarts with the transaction still prepared completes the commit from the log instead of
// presuming abort.
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// State is the lifecycle state of a transaction.
type State int32

const (
	StatePreparing State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// OpKind identifies the operation carried by a transaction.
type OpKind uint8

const (
	OpCreateAssociation OpKind = iota + 1
)

func (k OpKind) String() string {
	if k == OpCreateAssociation {
		return "create_association"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Operation is the payload of a cross-shard transaction.
type Operation struct {
	Kind        OpKind           `cbor:"kind"`
	Association core.Association `cbor:"association"`
	SourceShard int              `cbor:"source_shard"`
	TargetShard int              `cbor:"target_shard"`
}

// Participants returns the distinct shard ids touched by the operation, source first.
func (o Operation) Participants() []int {
	if o.SourceShard == o.TargetShard {
		return []int{o.SourceShard}
	}
	return []int{o.SourceShard, o.TargetShard}
}

// Participant is one shard taking part in a transaction.
type Participant interface {
	// Prepare applies the participant's share of op and makes it durable.
	Prepare(ctx context.Context, txID string, op Operation) error
	// Commit records the commit decision for txID.
	Commit(ctx context.Context, txID string) error
	// Compensate undoes whatever Prepare applied for txID. Undoing nothing is not an error.
	Compensate(ctx context.Context, txID string, op Operation) error
}

type participantState struct {
	shard       int
	p           Participant
	prepared    atomic.Bool
	compensated atomic.Bool
	committed   atomic.Bool // commit marker durable
}

// Transaction is an entry of the coordinator's active table.
type Transaction struct {
	ID        string
	Op        Operation
	StartedAt time.Time

	state        atomic.Int32
	participants []*participantState
	markers      sync.Mutex // held while commit markers are written
}

func newTransaction(id string, op Operation, started time.Time, parts []*participantState) *Transaction {
	tx := &Transaction{ID: id, Op: op, StartedAt: started, participants: parts}
	tx.state.Store(int32(StatePreparing))
	return tx
}

// State returns the current state.
func (t *Transaction) State() State {
	return State(t.state.Load())
}

// transition moves from -> to atomically. Leaving a terminal state, or a state other than
// from, yields InvalidState.
func (t *Transaction) transition(from, to State) error {
	if t.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	cur := t.State()
	if cur.Terminal() {
		return core.Errorf(core.KindInvalidState, "txn.transition", "transaction %s is already %s", t.ID, cur)
	}
	return core.Errorf(core.KindInvalidState, "txn.transition", "transaction %s is %s, expected %s", t.ID, cur, from)
}

// abort moves any non-terminal state to Aborted. It reports whether this call did it.
func (t *Transaction) abort() bool {
	for {
		cur := t.State()
		if cur.Terminal() {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateAborted)) {
			return true
		}
	}
}

// retract turns a commit decision that never became durable back into an abort.
func (t *Transaction) retract() bool {
	return t.state.CompareAndSwap(int32(StateCommitted), int32(StateAborted))
}

func (t *Transaction) allPrepared() bool {
	for _, ps := range t.participants {
		if !ps.prepared.Load() {
			return false
		}
	}
	return true
}

// Snapshot is a read-only view of a transaction.
type Snapshot struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Op           Operation `json:"op"`
	Participants []int     `json:"participants"`
	Prepared     []bool    `json:"prepared"`
	Committed    []bool    `json:"committed"`
	StartedAt    time.Time `json:"started_at"`
}

func (t *Transaction) snapshot() Snapshot {
	s := Snapshot{
		ID:           t.ID,
		State:        t.State(),
		Op:           t.Op,
		StartedAt:    t.StartedAt,
		Participants: make([]int, len(t.participants)),
		Prepared:     make([]bool, len(t.participants)),
		Committed:    make([]bool, len(t.participants)),
	}
	for i, ps := range t.participants {
		s.Participants[i] = ps.shard
		s.Prepared[i] = ps.prepared.Load()
		s.Committed[i] = ps.committed.Load()
	}
	return s
}
