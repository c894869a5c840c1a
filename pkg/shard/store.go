package shard

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

// Removed is everything a concept deletion took with it. Edges are the concept's outgoing
// associations; Inbound are references from sources that may live on other shards.
type Removed struct {
	Concept *core.Concept
	Edges   []core.Association
	Inbound []core.InboundRef
}

// begin enters the shared side of the commit lock for a logged mutation.
func (s *Shard) begin() (func(), error) {
	s.commitMu.RLock()
	if s.closed.Load() {
		s.commitMu.RUnlock()
		return nil, core.ErrClosed
	}
	return s.commitMu.RUnlock, nil
}

// append logs one mutation. The caller holds the stripe lock of every key it touches and
// applies the mutation only when append succeeds.
func (s *Shard) append(op wal.Op, txID string, v any) (wal.Entry, error) {
	payload, err := encoding.Marshal(v)
	if err != nil {
		return wal.Entry{}, core.Errorf(core.KindInternal, "shard.append", "encode %s: %v", op, err)
	}
	if s.appendFault != nil {
		if err := s.appendFault(op); err != nil {
			return wal.Entry{}, err
		}
	}
	seq, err := s.log.Append(op, txID, payload)
	if err != nil {
		return wal.Entry{}, err
	}
	if s.sinceSnapshot.Add(1) >= s.opts.FlushThreshold {
		s.requestFlush()
	}
	return wal.Entry{Seq: seq, Op: op, TxID: txID, Payload: payload, Timestamp: s.now().UTC()}, nil
}

func (s *Shard) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func stripeIndex(id string) uint64 {
	return xxhash.Sum64String(id) % numStripes
}

// lockPair write-locks the stripes of a and b in index order.
func (s *Shard) lockPair(a, b string) (*stripe, *stripe, func()) {
	ia, ib := stripeIndex(a), stripeIndex(b)
	sa, sb := &s.stripes[ia], &s.stripes[ib]
	switch {
	case ia == ib:
		sa.mu.Lock()
		return sa, sb, sa.mu.Unlock
	case ia < ib:
		sa.mu.Lock()
		sb.mu.Lock()
	default:
		sb.mu.Lock()
		sa.mu.Lock()
	}
	return sa, sb, func() {
		sa.mu.Unlock()
		sb.mu.Unlock()
	}
}

func (s *Shard) checkDimension(vec []float32) error {
	want := s.opts.Dimension
	if want == 0 {
		want = s.idx.Dimension()
	}
	if want != 0 && len(vec) != want {
		return fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, want, len(vec))
	}
	return nil
}

// map mutations, shared by the live path and replay

func (s *Shard) applyConcept(st *stripe, c *core.Concept) {
	st.concepts[c.ID] = c
	if len(c.Embedding) > 0 {
		if err := s.idx.Insert(c.ID, c.Embedding); err != nil {
			s.logger.Error("index insert failed", "concept", c.ID, "err", err)
		}
	} else if s.idx.Contains(c.ID) {
		_ = s.idx.Delete(c.ID)
	}
}

func (s *Shard) applyDeleteConcept(st *stripe, id string) *Removed {
	c, ok := st.concepts[id]
	if !ok {
		return nil
	}
	removed := &Removed{Concept: c}
	for _, a := range st.edges[id] {
		removed.Edges = append(removed.Edges, *a)
	}
	for _, ref := range st.inbound[id] {
		removed.Inbound = append(removed.Inbound, ref)
	}
	delete(st.concepts, id)
	delete(st.edges, id)
	delete(st.inbound, id)
	if s.idx.Contains(id) {
		_ = s.idx.Delete(id)
	}
	return removed
}

func putEdge(st *stripe, a *core.Association) {
	edges, ok := st.edges[a.Source]
	if !ok {
		edges = make(map[core.EdgeKey]*core.Association)
		st.edges[a.Source] = edges
	}
	edges[a.Key()] = a
}

func deleteEdge(st *stripe, source string, key core.EdgeKey) bool {
	edges, ok := st.edges[source]
	if !ok {
		return false
	}
	if _, ok := edges[key]; !ok {
		return false
	}
	delete(edges, key)
	if len(edges) == 0 {
		delete(st.edges, source)
	}
	return true
}

func putInbound(st *stripe, ref core.InboundRef) {
	refs, ok := st.inbound[ref.Target]
	if !ok {
		refs = make(map[inboundKey]core.InboundRef)
		st.inbound[ref.Target] = refs
	}
	refs[inboundKey{Source: ref.Source, Type: ref.Type}] = ref
}

func deleteInbound(st *stripe, ref core.InboundRef) bool {
	refs, ok := st.inbound[ref.Target]
	if !ok {
		return false
	}
	k := inboundKey{Source: ref.Source, Type: ref.Type}
	if _, ok := refs[k]; !ok {
		return false
	}
	delete(refs, k)
	if len(refs) == 0 {
		delete(st.inbound, ref.Target)
	}
	return true
}

func hasInbound(st *stripe, ref core.InboundRef) bool {
	_, ok := st.inbound[ref.Target][inboundKey{Source: ref.Source, Type: ref.Type}]
	return ok
}

// replay applies a logged entry during recovery.
func (s *Shard) replay(e wal.Entry) error {
	switch e.Op {
	case wal.OpPutConcept:
		c, err := decode[core.Concept](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(c.ID)
		st.mu.Lock()
		s.applyConcept(st, &c)
		st.mu.Unlock()
	case wal.OpDeleteConcept:
		p, err := decode[deleteConceptPayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.ID)
		st.mu.Lock()
		s.applyDeleteConcept(st, p.ID)
		st.mu.Unlock()
	case wal.OpPutEdge:
		p, err := decode[edgePayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.Edge.Source)
		st.mu.Lock()
		putEdge(st, &p.Edge)
		st.mu.Unlock()
	case wal.OpDeleteEdge:
		p, err := decode[deleteEdgePayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.Source)
		st.mu.Lock()
		deleteEdge(st, p.Source, core.EdgeKey{Target: p.Target, Type: p.Type})
		st.mu.Unlock()
	case wal.OpPutInbound:
		p, err := decode[inboundPayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.Ref.Target)
		st.mu.Lock()
		putInbound(st, p.Ref)
		st.mu.Unlock()
	case wal.OpDeleteInbound:
		p, err := decode[inboundPayload](e)
		if err != nil {
			return err
		}
		st := s.stripeFor(p.Ref.Target)
		st.mu.Lock()
		deleteInbound(st, p.Ref)
		st.mu.Unlock()
	case wal.OpTxCommit, wal.OpTxAbort:
		s.txMu.Lock()
		delete(s.prepared, e.TxID)
		s.txMu.Unlock()
		return nil
	default:
		return fmt.Errorf("unknown wal op %s at seq %d", e.Op, e.Seq)
	}

	if e.TxID != "" {
		s.txMu.Lock()
		s.prepared[e.TxID] = append(s.prepared[e.TxID], e)
		s.txMu.Unlock()
	}
	return nil
}

// PutConcept stores c. Storing an existing id replaces content, embedding (when given),
// attributes and namespace, keeps CreatedAt and boosts strength. It returns the stored
// concept and whether it was created.
func (s *Shard) PutConcept(c *core.Concept) (*core.Concept, bool, error) {
	const op = "shard.put_concept"
	if err := core.ValidateID(c.ID); err != nil {
		return nil, false, core.WrapError(op, err)
	}
	if len(c.Embedding) > 0 {
		if err := core.ValidateVector(c.Embedding); err != nil {
			return nil, false, core.WrapError(op, err)
		}
		if err := s.checkDimension(c.Embedding); err != nil {
			return nil, false, core.WrapError(op, err)
		}
	}

	release, err := s.begin()
	if err != nil {
		return nil, false, err
	}
	defer release()

	st := s.stripeFor(c.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now()
	stored := c.Clone()
	existing, exists := st.concepts[c.ID]
	if exists {
		stored.CreatedAt = existing.CreatedAt
		stored.AccessCount = existing.AccessCount
		stored.Strength = max(existing.Strength, core.ClampStrength(c.Strength))
		if len(stored.Embedding) == 0 {
			stored.Embedding = existing.Embedding
		}
		stored.Touch(now)
	} else {
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.LastAccessed.IsZero() {
			stored.LastAccessed = stored.CreatedAt
		}
		stored.Strength = core.ClampStrength(stored.Strength)
	}
	stored.Confidence = core.Clamp01(stored.Confidence)
	if stored.Namespace == "" {
		stored.Namespace = core.DefaultNamespace
	}

	if _, err := s.append(wal.OpPutConcept, "", stored); err != nil {
		return nil, false, core.WrapError(op, err)
	}
	s.applyConcept(st, stored)
	return stored.Clone(), !exists, nil
}

// DeleteConcept removes a concept, its outgoing edges and the inbound references it held.
func (s *Shard) DeleteConcept(id string) (*Removed, error) {
	return s.deleteConcept(id, nil)
}

func (s *Shard) deleteConcept(id string, pred func(*core.Concept) bool) (*Removed, error) {
	const op = "shard.delete_concept"
	release, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	st := s.stripeFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.concepts[id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, op, "concept %s", id)
	}
	if pred != nil && !pred(c) {
		return nil, nil
	}
	if _, err := s.append(wal.OpDeleteConcept, "", deleteConceptPayload{ID: id}); err != nil {
		return nil, core.WrapError(op, err)
	}
	return s.applyDeleteConcept(st, id), nil
}

// GetConcept returns a copy of the concept. With touch, the access boosts its strength.
func (s *Shard) GetConcept(id string, touch bool) (*core.Concept, error) {
	st := s.stripeFor(id)
	if touch {
		st.mu.Lock()
		defer st.mu.Unlock()
	} else {
		st.mu.RLock()
		defer st.mu.RUnlock()
	}

	c, ok := st.concepts[id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "shard.get_concept", "concept %s", id)
	}
	if touch {
		c.Touch(s.now())
	}
	return c.Clone(), nil
}

// HasConcept reports whether id is stored here.
func (s *Shard) HasConcept(id string) bool {
	st := s.stripeFor(id)
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.concepts[id]
	return ok
}

func normalizeEdge(a *core.Association, now time.Time, prev *core.Association) {
	if prev != nil {
		a.CreatedAt = prev.CreatedAt
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastUsed.IsZero() {
		a.LastUsed = now
	}
}

// PutEdge records an association whose endpoints both live on this shard.
func (s *Shard) PutEdge(a core.Association) (*core.Association, error) {
	const op = "shard.put_edge"
	if err := a.Validate(); err != nil {
		return nil, core.WrapError(op, err)
	}

	release, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	src, dst, unlock := s.lockPair(a.Source, a.Target)
	defer unlock()

	if _, ok := src.concepts[a.Source]; !ok {
		return nil, core.Errorf(core.KindNotFound, op, "source concept %s", a.Source)
	}
	if _, ok := dst.concepts[a.Target]; !ok {
		return nil, core.Errorf(core.KindNotFound, op, "target concept %s", a.Target)
	}

	prev := src.edges[a.Source][a.Key()]
	normalizeEdge(&a, s.now(), prev)
	if _, err := s.append(wal.OpPutEdge, "", edgePayload{Edge: a}); err != nil {
		return nil, core.WrapError(op, err)
	}
	putEdge(src, &a)

	ref := core.InboundRef{Source: a.Source, Target: a.Target, Type: a.Type}
	if !hasInbound(dst, ref) {
		if _, err := s.append(wal.OpPutInbound, "", inboundPayload{Ref: ref}); err != nil {
			s.revertEdge(src, &a, prev)
			return nil, core.WrapError(op, err)
		}
		putInbound(dst, ref)
	}
	out := a
	return &out, nil
}

// revertEdge puts back the edge a replaced, or removes a when it was new. The undo is logged
// when the log still accepts writes; memory is restored either way.
func (s *Shard) revertEdge(st *stripe, a, prev *core.Association) {
	var err error
	if prev != nil {
		_, err = s.append(wal.OpPutEdge, "", edgePayload{Edge: *prev})
		putEdge(st, prev)
	} else {
		key := a.Key()
		_, err = s.append(wal.OpDeleteEdge, "", deleteEdgePayload{Source: a.Source, Target: key.Target, Type: key.Type})
		deleteEdge(st, a.Source, key)
	}
	if err != nil {
		s.logger.Warn("logging edge rollback", "source", a.Source, "target", a.Target, "err", err)
	}
}

// DeleteEdge removes an outgoing association of source and, when the target is local,
// its inbound reference.
func (s *Shard) DeleteEdge(source, target string, typ core.AssociationType) error {
	return s.deleteEdge(source, core.EdgeKey{Target: target, Type: typ}, nil)
}

func (s *Shard) deleteEdge(source string, key core.EdgeKey, pred func(*core.Association) bool) error {
	const op = "shard.delete_edge"
	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()

	st := s.stripeFor(source)
	st.mu.Lock()
	a, ok := st.edges[source][key]
	if !ok {
		st.mu.Unlock()
		return core.Errorf(core.KindNotFound, op, "association %s -> %s (%s)", source, key.Target, key.Type)
	}
	if pred != nil && !pred(a) {
		st.mu.Unlock()
		return nil
	}
	payload := deleteEdgePayload{Source: source, Target: key.Target, Type: key.Type}
	if _, err := s.append(wal.OpDeleteEdge, "", payload); err != nil {
		st.mu.Unlock()
		return core.WrapError(op, err)
	}
	deleteEdge(st, source, key)
	st.mu.Unlock()

	if s.owns(key.Target) {
		return s.deleteInboundLocked(core.InboundRef{Source: source, Target: key.Target, Type: key.Type})
	}
	return nil
}

// PutInbound records that ref.Source points at the local concept ref.Target.
func (s *Shard) PutInbound(ref core.InboundRef) error {
	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()

	st := s.stripeFor(ref.Target)
	st.mu.Lock()
	defer st.mu.Unlock()
	if hasInbound(st, ref) {
		return nil
	}
	if _, err := s.append(wal.OpPutInbound, "", inboundPayload{Ref: ref}); err != nil {
		return core.WrapError("shard.put_inbound", err)
	}
	putInbound(st, ref)
	return nil
}

// DeleteInbound drops an inbound reference. Missing references are ignored.
func (s *Shard) DeleteInbound(ref core.InboundRef) error {
	release, err := s.begin()
	if err != nil {
		return err
	}
	defer release()
	return s.deleteInboundLocked(ref)
}

func (s *Shard) deleteInboundLocked(ref core.InboundRef) error {
	st := s.stripeFor(ref.Target)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !hasInbound(st, ref) {
		return nil
	}
	if _, err := s.append(wal.OpDeleteInbound, "", inboundPayload{Ref: ref}); err != nil {
		return core.WrapError("shard.delete_inbound", err)
	}
	deleteInbound(st, ref)
	return nil
}

// Edges returns copies of the outgoing associations of id, ordered by target then type.
func (s *Shard) Edges(id string) []core.Association {
	st := s.stripeFor(id)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return sortedEdges(st.edges[id])
}

// Traverse strengthens and returns the outgoing associations of id.
func (s *Shard) Traverse(id string) ([]core.Association, error) {
	st := s.stripeFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.concepts[id]; !ok {
		return nil, core.Errorf(core.KindNotFound, "shard.traverse", "concept %s", id)
	}
	now := s.now()
	for _, a := range st.edges[id] {
		a.Strengthen(now)
	}
	return sortedEdges(st.edges[id]), nil
}

func sortedEdges(edges map[core.EdgeKey]*core.Association) []core.Association {
	out := make([]core.Association, 0, len(edges))
	for _, a := range edges {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b core.Association) int {
		if c := cmp.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})
	return out
}

// Inbound returns the inbound references held for the local concept id.
func (s *Shard) Inbound(id string) []core.InboundRef {
	st := s.stripeFor(id)
	st.mu.RLock()
	defer st.mu.RUnlock()
	refs := slices.Collect(maps.Values(st.inbound[id]))
	slices.SortFunc(refs, func(a, b core.InboundRef) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})
	return refs
}

// Search runs a vector search over the shard's index.
func (s *Shard) Search(query []float32, k, ef int) ([]core.SearchResult, error) {
	if err := s.checkDimension(query); err != nil {
		return nil, core.WrapError("shard.search", err)
	}
	results, err := s.idx.Search(query, k, ef)
	if err != nil {
		return nil, core.WrapError("shard.search", err)
	}
	return results, nil
}

// ListRecent returns up to limit concepts of namespace (all when empty), newest first.
func (s *Shard) ListRecent(namespace string, limit int, previewLen int) []core.RecentItem {
	var items []core.RecentItem
	s.forEachConcept(func(c *core.Concept) bool {
		if namespace == "" || c.Namespace == namespace {
			items = append(items, core.RecentItem{ID: c.ID, ContentPreview: c.Preview(previewLen), CreatedAt: c.CreatedAt})
		}
		return true
	})
	SortRecent(items)
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// SortRecent orders items newest first, ties by id.
func SortRecent(items []core.RecentItem) {
	slices.SortFunc(items, func(a, b core.RecentItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ForEachConcept calls fn with a copy of every concept until fn returns false.
func (s *Shard) ForEachConcept(fn func(*core.Concept) bool) {
	s.forEachConcept(func(c *core.Concept) bool {
		return fn(c.Clone())
	})
}

// ForEachEdge calls fn with every association stored on this shard until fn returns false.
func (s *Shard) ForEachEdge(fn func(core.Association) bool) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, edges := range st.edges {
			for _, a := range edges {
				if !fn(*a) {
					st.mu.RUnlock()
					return
				}
			}
		}
		st.mu.RUnlock()
	}
}

// CountConcepts counts the concepts of namespace, or all of them when namespace is empty.
func (s *Shard) CountConcepts(namespace string) int {
	if namespace == "" {
		return s.conceptCount()
	}
	n := 0
	s.forEachConcept(func(c *core.Concept) bool {
		if c.Namespace == namespace {
			n++
		}
		return true
	})
	return n
}
