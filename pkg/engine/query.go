package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/reconciler"
	"github.com/liliang-cn/conceptdb/pkg/shard"
	"github.com/liliang-cn/conceptdb/pkg/txn"
)

// VectorSearch returns the k concepts nearest to query across all shards. ef <= 0 uses the
// index default.
func (e *Engine) VectorSearch(ctx context.Context, query []float32, k, ef int) ([]core.SearchResult, error) {
	const op = "engine.vector_search"
	if err := e.check(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []core.SearchResult{}, nil
	}
	if err := core.ValidateVector(query); err != nil {
		return nil, core.WrapError(op, err)
	}
	if d := e.dim.Load(); d != 0 && int64(len(query)) != d {
		return nil, core.WrapError(op, fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, d, len(query)))
	}

	lists := make([][]core.SearchResult, len(e.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.Search(query, k, ef)
			if err != nil {
				return err
			}
			lists[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.WrapError(op, err)
	}
	return core.MergeTopK(k, lists...), nil
}

// TextSearch embeds query with the default embedder and runs a vector search. Without an
// embedder it scores content by token overlap on every shard.
func (e *Engine) TextSearch(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	const op = "engine.text_search"
	if err := e.check(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []core.SearchResult{}, nil
	}

	if e.embedders != nil {
		vec, err := e.embedders.Default().Embed(ctx, query)
		if err != nil {
			return nil, core.WrapError(op, err)
		}
		return e.VectorSearch(ctx, vec, limit, 0)
	}

	lists := make([][]core.SearchResult, len(e.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lists[i] = s.TextSearch(query, limit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.WrapError(op, err)
	}
	return core.MergeTopK(limit, lists...), nil
}

// GetNeighbors returns the outgoing associations of id resolved against their targets.
// Traversal strengthens each association and counts an access on each target. Targets that
// no longer exist are skipped.
func (e *Engine) GetNeighbors(ctx context.Context, id string) ([]core.Neighbor, error) {
	const op = "engine.get_neighbors"
	if err := e.check(); err != nil {
		return nil, err
	}
	if err := core.ValidateID(id); err != nil {
		return nil, core.WrapError(op, err)
	}
	edges, err := e.shardOf(id).Traverse(id)
	if err != nil {
		return nil, err
	}

	neighbors := make([]core.Neighbor, 0, len(edges))
	for _, a := range edges {
		if err := ctx.Err(); err != nil {
			return nil, core.WrapError(op, err)
		}
		target, err := e.shardOf(a.Target).GetConcept(a.Target, true)
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				continue
			}
			return nil, core.WrapError(op, err)
		}
		neighbors = append(neighbors, core.Neighbor{
			ConceptID:  target.ID,
			Content:    target.Content,
			Type:       a.Type,
			Confidence: a.Confidence,
			Weight:     a.Weight,
		})
	}
	return neighbors, nil
}

// Reached is a concept found by Explore.
type Reached struct {
	ConceptID string  `json:"concept_id"`
	Content   string  `json:"content"`
	Depth     int     `json:"depth"`
	Score     float64 `json:"score"`
}

// Explore walks outgoing associations breadth-first from id up to depth hops. A concept's
// score is the best product of association confidences along a path, scaled by HopDecay per
// hop beyond the first. Explore does not strengthen anything.
func (e *Engine) Explore(ctx context.Context, id string, depth, limit int) ([]Reached, error) {
	const op = "engine.explore"
	if err := e.check(); err != nil {
		return nil, err
	}
	if err := core.ValidateID(id); err != nil {
		return nil, core.WrapError(op, err)
	}
	if !e.shardOf(id).HasConcept(id) {
		return nil, core.Errorf(core.KindNotFound, op, "concept %s", id)
	}

	best := map[string]*Reached{}
	frontier := map[string]float64{id: 1}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		next := map[string]float64{}
		for from, score := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, core.WrapError(op, err)
			}
			for _, a := range e.shardOf(from).Edges(from) {
				if a.Target == id {
					continue
				}
				s := score * a.Confidence
				if d > 1 {
					s *= core.HopDecay
				}
				if r, ok := best[a.Target]; ok && r.Score >= s {
					continue
				}
				best[a.Target] = &Reached{ConceptID: a.Target, Depth: d, Score: s}
				next[a.Target] = s
			}
		}
		frontier = next
	}

	results := make([]core.SearchResult, 0, len(best))
	for cid, r := range best {
		results = append(results, core.SearchResult{ConceptID: cid, Score: r.Score})
	}
	core.SortResults(results)

	out := make([]Reached, 0, len(results))
	for _, res := range results {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := e.shardOf(res.ConceptID).GetConcept(res.ConceptID, false)
		if err != nil {
			continue
		}
		r := best[res.ConceptID]
		r.Content = c.Content
		out = append(out, *r)
	}
	return out, nil
}

// ListRecent returns up to limit concepts of namespace, newest first. An empty namespace
// lists every namespace.
func (e *Engine) ListRecent(ctx context.Context, namespace string, limit int) ([]core.RecentItem, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []core.RecentItem{}, nil
	}
	var all []core.RecentItem
	for _, s := range e.shards {
		all = append(all, s.ListRecent(namespace, limit, e.cfg.PreviewLength)...)
	}
	shard.SortRecent(all)
	if len(all) > limit {
		all = all[:limit]
	}
	if all == nil {
		all = []core.RecentItem{}
	}
	return all, nil
}

// Stats aggregates shard statistics. A non-empty namespace restricts ConceptCount to it.
func (e *Engine) Stats(ctx context.Context, namespace string) (core.Stats, error) {
	if err := e.check(); err != nil {
		return core.Stats{}, err
	}
	st := core.Stats{
		ActiveTransactions: e.coord.Active(),
		Uptime:             e.now().Sub(e.started),
		Shards:             make([]core.ShardStats, len(e.shards)),
	}
	for i, s := range e.shards {
		ss := s.Stats()
		st.Shards[i] = ss
		st.EdgeCount += ss.Edges
		st.VectorCount += ss.Vectors
		st.PendingWrites += ss.PendingWrites
		if namespace == "" {
			st.ConceptCount += ss.Concepts
		} else {
			st.ConceptCount += s.CountConcepts(namespace)
		}
	}
	return st, nil
}

// TxStats returns the coordinator counters.
func (e *Engine) TxStats() txn.Stats {
	return e.coord.Stats()
}

// ReconcilerStats returns the counters of every shard's reconciler.
func (e *Engine) ReconcilerStats() []reconciler.Stats {
	out := make([]reconciler.Stats, len(e.reconcilers))
	for i, r := range e.reconcilers {
		out[i] = r.Stats()
	}
	return out
}

// ForEachConcept calls fn with a copy of every concept, shard by shard, until fn returns false.
func (e *Engine) ForEachConcept(fn func(*core.Concept) bool) error {
	if err := e.check(); err != nil {
		return err
	}
	stop := false
	for _, s := range e.shards {
		s.ForEachConcept(func(c *core.Concept) bool {
			stop = !fn(c)
			return !stop
		})
		if stop {
			break
		}
	}
	return nil
}

// ForEachAssociation calls fn with every association until fn returns false.
func (e *Engine) ForEachAssociation(fn func(core.Association) bool) error {
	if err := e.check(); err != nil {
		return err
	}
	stop := false
	for _, s := range e.shards {
		s.ForEachEdge(func(a core.Association) bool {
			stop = !fn(a)
			return !stop
		})
		if stop {
			break
		}
	}
	return nil
}
