package shard

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

// PruneConfig selects what a prune pass removes. A concept goes when its strength is below
// MinStrength and it has not been accessed for Inactivity; an association when its
// confidence is below MinConfidence and it has not been used for Inactivity.
type PruneConfig struct {
	MinStrength   float64
	MinConfidence float64
	Inactivity    time.Duration
}

// PruneResult lists what a prune pass removed. Associations and Concepts feed cross-shard
// cleanup; Dangling counts same-shard edges and references whose other end was gone.
type PruneResult struct {
	Concepts     []*Removed
	Associations []core.Association
	Dangling     int
}

// Decay scales every concept's strength and every association's confidence and weight by
// factor per day elapsed since the previous decay. Decay is not logged; snapshots carry it.
func (s *Shard) Decay(now time.Time, factor float64) time.Duration {
	last := time.Unix(0, s.lastDecay.Swap(now.UnixNano()))
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return 0
	}
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for _, c := range st.concepts {
			c.Decay(elapsed, factor)
		}
		for _, edges := range st.edges {
			for _, a := range edges {
				a.Decay(elapsed, factor)
			}
		}
		st.mu.Unlock()
	}
	return elapsed
}

// Prune removes inactive weak concepts and associations, then dangling same-shard edges.
// Candidates are re-checked under lock before removal.
func (s *Shard) Prune(now time.Time, cfg PruneConfig) (*PruneResult, error) {
	res := &PruneResult{}

	weakConcept := func(c *core.Concept) bool {
		return c.Strength < cfg.MinStrength && now.Sub(c.LastAccessed) >= cfg.Inactivity
	}
	weakEdge := func(a *core.Association) bool {
		return a.Confidence < cfg.MinConfidence && now.Sub(a.LastUsed) >= cfg.Inactivity
	}

	var concepts []string
	s.forEachConcept(func(c *core.Concept) bool {
		if weakConcept(c) {
			concepts = append(concepts, c.ID)
		}
		return true
	})
	for _, id := range concepts {
		removed, err := s.deleteConcept(id, weakConcept)
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				continue
			}
			return res, err
		}
		if removed != nil {
			res.Concepts = append(res.Concepts, removed)
		}
	}

	var all, weak, dangling []core.Association
	s.ForEachEdge(func(a core.Association) bool {
		all = append(all, a)
		return true
	})
	for _, a := range all {
		switch {
		case s.owns(a.Target) && !s.HasConcept(a.Target):
			dangling = append(dangling, a)
		case weakEdge(&a):
			weak = append(weak, a)
		}
	}
	for _, a := range weak {
		err := s.deleteEdge(a.Source, a.Key(), weakEdge)
		if err != nil && core.KindOf(err) != core.KindNotFound {
			return res, err
		}
		if err == nil && !s.hasEdge(a.Source, a.Key()) {
			res.Associations = append(res.Associations, a)
		}
	}
	for _, a := range dangling {
		err := s.deleteEdge(a.Source, a.Key(), nil)
		if err != nil && core.KindOf(err) != core.KindNotFound {
			return res, err
		}
		if err == nil {
			res.Dangling++
		}
	}

	n, err := s.pruneDanglingInbound()
	res.Dangling += n
	if err != nil {
		return res, err
	}

	if len(res.Concepts)+len(res.Associations)+res.Dangling > 0 {
		s.logger.Info("pruned", "concepts", len(res.Concepts), "associations", len(res.Associations), "dangling", res.Dangling)
	}
	return res, nil
}

func (s *Shard) hasEdge(source string, key core.EdgeKey) bool {
	st := s.stripeFor(source)
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.edges[source][key]
	return ok
}

// pruneDanglingInbound drops inbound references whose source is local but no longer holds
// the edge. References from other shards are cleaned up by the engine.
func (s *Shard) pruneDanglingInbound() (int, error) {
	var stale []core.InboundRef
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, refs := range st.inbound {
			for _, ref := range refs {
				if s.owns(ref.Source) {
					stale = append(stale, ref)
				}
			}
		}
		st.mu.RUnlock()
	}

	s.txMu.Lock()
	pending := len(s.prepared)
	s.txMu.Unlock()

	n := 0
	for _, ref := range stale {
		if pending > 0 && s.preparedRef(ref) {
			continue
		}
		removed, err := s.deleteOrphanInbound(ref)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (s *Shard) deleteOrphanInbound(ref core.InboundRef) (bool, error) {
	release, err := s.begin()
	if err != nil {
		return false, err
	}
	defer release()

	src, dst, unlock := s.lockPair(ref.Source, ref.Target)
	defer unlock()
	if _, ok := src.edges[ref.Source][core.EdgeKey{Target: ref.Target, Type: ref.Type}]; ok || !hasInbound(dst, ref) {
		return false, nil
	}
	if _, err := s.append(wal.OpDeleteInbound, "", inboundPayload{Ref: ref}); err != nil {
		return false, core.WrapError("shard.prune", err)
	}
	deleteInbound(dst, ref)
	return true, nil
}

func (s *Shard) preparedRef(ref core.InboundRef) bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	for _, entries := range s.prepared {
		for _, e := range entries {
			if e.Op != wal.OpPutInbound {
				continue
			}
			if p, err := decode[inboundPayload](e); err == nil && p.Ref == ref {
				return true
			}
		}
	}
	return false
}

// CompactIndex rebuilds the vector index when its tombstone ratio exceeds threshold. It
// returns the number of tombstones dropped.
func (s *Shard) CompactIndex(threshold float64) int {
	if s.idx.TombstoneRatio() <= threshold {
		return 0
	}
	dropped := s.idx.Compact()
	s.logger.Info("compacted vector index", "dropped", dropped, "vectors", s.idx.Len())
	return dropped
}

// Sync flushes the WAL to stable storage.
func (s *Shard) Sync() error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	return s.log.Sync()
}

// Snapshot writes the shard image to disk, truncates the WAL up to the image and
// checkpoints the vector index. Writers are excluded only while the image is copied.
func (s *Shard) Snapshot() (uint64, error) {
	const op = "shard.snapshot"
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if err := s.log.Failed(); err != nil {
		return 0, core.Errorf(core.KindInternal, op, "shard %d wal failed: %v", s.id, err)
	}

	start := time.Now()
	s.commitMu.Lock()
	if s.closed.Load() {
		s.commitMu.Unlock()
		return 0, core.ErrClosed
	}
	snap := s.image()
	s.commitMu.Unlock()

	path := filepath.Join(s.dir, snapshotFile)
	if err := wal.WriteSnapshot(path, snap); err != nil {
		return 0, core.WrapError(op, fmt.Errorf("write snapshot: %w", err))
	}
	if err := s.log.Reset(snap.Seq); err != nil {
		return 0, core.WrapError(op, fmt.Errorf("reset wal: %w", err))
	}
	s.snapshotSeq.Store(snap.Seq)
	s.sinceSnapshot.Store(s.log.Seq() - snap.Seq)

	if err := s.checkpoints.Save(s.idx, snap.Seq); err != nil {
		s.logger.Warn("index checkpoint failed; next recovery rebuilds the index", "err", err)
	}
	s.logger.Info("snapshot written",
		"seq", snap.Seq, "concepts", len(snap.Concepts), "associations", len(snap.Associations),
		"pending_tx", len(snap.Pending), "took", core.Since(start))
	return snap.Seq, nil
}

// image copies the shard state. The caller holds commitMu exclusively.
func (s *Shard) image() *wal.Snapshot {
	snap := &wal.Snapshot{
		Seq:       s.log.Seq(),
		Shard:     s.id,
		CreatedAt: s.now().UTC(),
	}
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, c := range st.concepts {
			snap.Concepts = append(snap.Concepts, *c.Clone())
		}
		for _, edges := range st.edges {
			for _, a := range edges {
				snap.Associations = append(snap.Associations, *a)
			}
		}
		for _, refs := range st.inbound {
			for _, ref := range refs {
				snap.Inbound = append(snap.Inbound, ref)
			}
		}
		st.mu.RUnlock()
	}

	s.txMu.Lock()
	for id, entries := range s.prepared {
		snap.Pending = append(snap.Pending, wal.PendingTxn{TxID: id, Entries: append([]wal.Entry(nil), entries...)})
	}
	s.txMu.Unlock()
	return snap
}
