package shard

import (
	"context"
	"slices"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/txn"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

var _ txn.Participant = (*Shard)(nil)

// Prepare applies this shard's half of a cross-shard association. The source shard writes
// the edge, the target shard the inbound reference. Both are logged under txID so that
// recovery can tell prepared writes from committed ones.
func (s *Shard) Prepare(ctx context.Context, txID string, op txn.Operation) error {
	const opName = "shard.prepare"
	if err := ctx.Err(); err != nil {
		return core.WrapError(opName, err)
	}
	if op.Kind != txn.OpCreateAssociation {
		return core.Errorf(core.KindInvalidArgument, opName, "unsupported operation %s", op.Kind)
	}
	a := op.Association
	if err := a.Validate(); err != nil {
		return core.WrapError(opName, err)
	}

	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()

	var entry wal.Entry
	switch s.id {
	case op.SourceShard:
		entry, err = s.prepareEdge(txID, a)
	case op.TargetShard:
		entry, err = s.prepareInbound(txID, a)
	default:
		return core.Errorf(core.KindInvalidParticipant, opName, "shard %d is not part of transaction %s", s.id, txID)
	}
	if err != nil {
		return err
	}

	s.txMu.Lock()
	s.prepared[txID] = append(s.prepared[txID], entry)
	s.txMu.Unlock()
	return nil
}

func (s *Shard) prepareEdge(txID string, a core.Association) (wal.Entry, error) {
	st := s.stripeFor(a.Source)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.concepts[a.Source]; !ok {
		return wal.Entry{}, core.Errorf(core.KindNotFound, "shard.prepare", "source concept %s", a.Source)
	}
	payload := edgePayload{Edge: a}
	if prev, ok := st.edges[a.Source][a.Key()]; ok {
		p := *prev
		payload.Prev = &p
	}
	normalizeEdge(&payload.Edge, s.now(), payload.Prev)

	entry, err := s.append(wal.OpPutEdge, txID, payload)
	if err != nil {
		return wal.Entry{}, core.WrapError("shard.prepare", err)
	}
	putEdge(st, &payload.Edge)
	return entry, nil
}

func (s *Shard) prepareInbound(txID string, a core.Association) (wal.Entry, error) {
	st := s.stripeFor(a.Target)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.concepts[a.Target]; !ok {
		return wal.Entry{}, core.Errorf(core.KindNotFound, "shard.prepare", "target concept %s", a.Target)
	}
	ref := core.InboundRef{Source: a.Source, Target: a.Target, Type: a.Type}
	entry, err := s.append(wal.OpPutInbound, txID, inboundPayload{Ref: ref, Existed: hasInbound(st, ref)})
	if err != nil {
		return wal.Entry{}, core.WrapError("shard.prepare", err)
	}
	putInbound(st, ref)
	return entry, nil
}

// Commit writes the commit marker for txID. The transaction stays pending until the marker
// is durable, so a failed Commit can be retried.
func (s *Shard) Commit(ctx context.Context, txID string) error {
	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()
	return s.commitLocked(txID)
}

func (s *Shard) commitLocked(txID string) error {
	s.txMu.Lock()
	_, ok := s.prepared[txID]
	s.txMu.Unlock()
	if !ok {
		return core.Errorf(core.KindInvalidState, "shard.commit", "transaction %s is not prepared on shard %d", txID, s.id)
	}
	if _, err := s.append(wal.OpTxCommit, txID, struct{}{}); err != nil {
		return core.WrapError("shard.commit", err)
	}
	s.txMu.Lock()
	delete(s.prepared, txID)
	s.txMu.Unlock()
	return nil
}

// Compensate undoes the writes txID prepared here and writes an abort marker. Transactions
// that never prepared on this shard are ignored.
func (s *Shard) Compensate(ctx context.Context, txID string, _ txn.Operation) error {
	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()
	return s.compensateLocked(txID)
}

func (s *Shard) compensateLocked(txID string) error {
	s.txMu.Lock()
	entries, ok := s.prepared[txID]
	delete(s.prepared, txID)
	s.txMu.Unlock()
	if !ok {
		return nil
	}

	for _, e := range slices.Backward(entries) {
		if err := s.undo(e); err != nil {
			// Keep the transaction pending so that the next recovery retries the undo.
			s.txMu.Lock()
			s.prepared[txID] = entries
			s.txMu.Unlock()
			return core.WrapError("shard.compensate", err)
		}
	}
	if _, err := s.append(wal.OpTxAbort, txID, struct{}{}); err != nil {
		return core.WrapError("shard.compensate", err)
	}
	s.logger.Debug("compensated transaction", "tx", txID, "entries", len(entries))
	return nil
}

// undo reverts one prepared entry with an untagged, idempotent mutation.
func (s *Shard) undo(e wal.Entry) error {
	switch e.Op {
	case wal.OpPutEdge:
		p, err := decode[edgePayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.Edge.Source)
		st.mu.Lock()
		defer st.mu.Unlock()
		if p.Prev != nil {
			if _, err := s.append(wal.OpPutEdge, "", edgePayload{Edge: *p.Prev}); err != nil {
				return err
			}
			putEdge(st, p.Prev)
			return nil
		}
		key := p.Edge.Key()
		if _, ok := st.edges[p.Edge.Source][key]; !ok {
			return nil
		}
		payload := deleteEdgePayload{Source: p.Edge.Source, Target: key.Target, Type: key.Type}
		if _, err := s.append(wal.OpDeleteEdge, "", payload); err != nil {
			return err
		}
		deleteEdge(st, p.Edge.Source, key)
	case wal.OpPutInbound:
		p, err := decode[inboundPayload](e)
		if err != nil {
			return err
		}
		if p.Existed {
			return nil
		}
		st := s.stripeFor(p.Ref.Target)
		st.mu.Lock()
		defer st.mu.Unlock()
		if !hasInbound(st, p.Ref) {
			return nil
		}
		if _, err := s.append(wal.OpDeleteInbound, "", inboundPayload{Ref: p.Ref}); err != nil {
			return err
		}
		deleteInbound(st, p.Ref)
	}
	return nil
}

// resolvePending settles every transaction that prepared before the last shutdown but has
// no marker: those with a recorded commit decision are committed, the rest presumed aborted.
func (s *Shard) resolvePending() error {
	s.txMu.Lock()
	ids := make([]string, 0, len(s.prepared))
	for id := range s.prepared {
		ids = append(ids, id)
	}
	s.txMu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if s.opts.Committed != nil && s.opts.Committed(id) {
			s.logger.Info("completing committed transaction", "tx", id)
			if err := s.commitLocked(id); err != nil {
				return err
			}
			continue
		}
		s.logger.Warn("presumed abort of unresolved transaction", "tx", id)
		if err := s.compensateLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the ids of transactions prepared on this shard without a decision.
func (s *Shard) Pending() []string {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	ids := make([]string, 0, len(s.prepared))
	for id := range s.prepared {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
