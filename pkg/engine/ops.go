package engine

import (
	"context"
	"fmt"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/shard"
	"github.com/liliang-cn/conceptdb/pkg/txn"
)

// LearnOptions are the typed options of a learn request.
type LearnOptions struct {
	GenerateEmbedding         bool    `cbor:"generate_embedding" json:"generate_embedding"`
	EmbeddingModel            string  `cbor:"embedding_model,omitempty" json:"embedding_model,omitempty"`
	ExtractAssociations       bool    `cbor:"extract_associations" json:"extract_associations"`
	MinAssociationConfidence  float64 `cbor:"min_association_confidence" json:"min_association_confidence"`
	MaxAssociationsPerConcept int     `cbor:"max_associations_per_concept" json:"max_associations_per_concept"`
	Strength                  float64 `cbor:"strength" json:"strength"`
	Confidence                float64 `cbor:"confidence" json:"confidence"`
}

// DefaultLearnOptions returns the defaults of a learn request.
func DefaultLearnOptions() LearnOptions {
	return LearnOptions{
		MinAssociationConfidence:  0.5,
		MaxAssociationsPerConcept: 10,
		Strength:                  core.MinStrength,
		Confidence:                1.0,
	}
}

// LearnRequest is the input of LearnConceptV2.
type LearnRequest struct {
	Content    string
	Embedding  []float32
	Namespace  string
	Attributes map[string]string
	Options    LearnOptions
}

// LearnConcept stores content with an optional precomputed embedding.
func (e *Engine) LearnConcept(ctx context.Context, content string, embedding []float32) (string, error) {
	return e.LearnConceptV2(ctx, LearnRequest{Content: content, Embedding: embedding, Options: DefaultLearnOptions()})
}

// LearnConceptV2 stores a concept and returns its id. Learning the same content again
// updates the existing concept. With ExtractAssociations, the nearest stored concepts above
// MinAssociationConfidence become semantic associations of the new one.
func (e *Engine) LearnConceptV2(ctx context.Context, req LearnRequest) (string, error) {
	const op = "engine.learn"
	if err := e.check(); err != nil {
		return "", err
	}
	if req.Content == "" && len(req.Embedding) == 0 {
		return "", core.Errorf(core.KindInvalidArgument, op, "content or embedding required")
	}
	opts := req.Options

	vec := req.Embedding
	if len(vec) == 0 && opts.GenerateEmbedding {
		if e.embedders == nil {
			return "", core.Errorf(core.KindInvalidArgument, op, "no embedder configured")
		}
		emb, err := e.embedders.Get(opts.EmbeddingModel)
		if err != nil {
			return "", core.WrapError(op, err)
		}
		vec, err = emb.Embed(ctx, req.Content)
		if err != nil {
			return "", core.WrapError(op, err)
		}
	}

	c := &core.Concept{
		ID:         core.ConceptID(req.Content),
		Content:    req.Content,
		Embedding:  vec,
		Strength:   opts.Strength,
		Confidence: opts.Confidence,
		Namespace:  req.Namespace,
		Attributes: req.Attributes,
	}
	if c.Confidence == 0 {
		c.Confidence = 1
	}
	var (
		stored  *core.Concept
		created bool
	)
	err := e.withDimension(vec, func() (err error) {
		stored, created, err = e.shardOf(c.ID).PutConcept(c)
		return err
	})
	if err != nil {
		return "", core.WrapError(op, err)
	}
	e.logger.Debug("learned concept", "id", stored.ID, "created", created, "shard", e.ShardFor(stored.ID))

	if opts.ExtractAssociations && len(stored.Embedding) > 0 {
		e.extractAssociations(ctx, stored, opts)
	}
	return stored.ID, nil
}

func (e *Engine) extractAssociations(ctx context.Context, c *core.Concept, opts LearnOptions) {
	limit := opts.MaxAssociationsPerConcept
	if limit <= 0 {
		limit = DefaultLearnOptions().MaxAssociationsPerConcept
	}
	hits, err := e.VectorSearch(ctx, c.Embedding, limit+1, 0)
	if err != nil {
		e.logger.Warn("association extraction search failed", "id", c.ID, "err", err)
		return
	}

	made := 0
	for _, hit := range hits {
		if made >= limit {
			break
		}
		confidence := e.cfg.Metric.Confidence(hit.Score)
		if hit.ConceptID == c.ID || confidence < opts.MinAssociationConfidence {
			continue
		}
		a := core.Association{
			Source:     c.ID,
			Target:     hit.ConceptID,
			Type:       core.AssocSemantic,
			Confidence: confidence,
			Weight:     core.DefaultEdgeWeight,
		}
		if _, err := e.CreateAssociation(ctx, a); err != nil {
			e.logger.Warn("extracted association not created", "source", c.ID, "target", hit.ConceptID, "err", err)
			continue
		}
		made++
	}
	if made > 0 {
		e.logger.Debug("extracted associations", "id", c.ID, "count", made)
	}
}

// CreateAssociation records a directed edge. Endpoints on the same shard are written
// directly and the returned transaction id is empty; otherwise the edge goes through
// two-phase commit and the transaction id is returned, also on failure.
func (e *Engine) CreateAssociation(ctx context.Context, a core.Association) (string, error) {
	const op = "engine.create_association"
	if err := e.check(); err != nil {
		return "", err
	}
	if err := a.Validate(); err != nil {
		return "", core.WrapError(op, err)
	}

	src, dst := e.router.ShardFor(a.Source), e.router.ShardFor(a.Target)
	if src == dst {
		if _, err := e.shards[src].PutEdge(a); err != nil {
			return "", core.WrapError(op, err)
		}
		return "", nil
	}

	out, err := e.coord.Execute(ctx, txn.Operation{
		Kind:        txn.OpCreateAssociation,
		Association: a,
		SourceShard: src,
		TargetShard: dst,
	})
	txID := ""
	if out != nil {
		txID = out.TxID
	}
	if err != nil {
		return txID, core.WrapError(op, err)
	}
	return txID, nil
}

// GetConcept returns the concept and counts the access.
func (e *Engine) GetConcept(ctx context.Context, id string) (*core.Concept, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if err := core.ValidateID(id); err != nil {
		return nil, core.WrapError("engine.get_concept", err)
	}
	return e.shardOf(id).GetConcept(id, true)
}

// DeleteConcept removes a concept with its outgoing associations, and then the associations
// other concepts held towards it.
func (e *Engine) DeleteConcept(ctx context.Context, id string) error {
	const op = "engine.delete_concept"
	if err := e.check(); err != nil {
		return err
	}
	if err := core.ValidateID(id); err != nil {
		return core.WrapError(op, err)
	}
	removed, err := e.shardOf(id).DeleteConcept(id)
	if err != nil {
		return err
	}
	e.cascade(removed)
	return nil
}

// cascade removes the references a deleted concept leaves on other concepts. Failures are
// logged; the reconciler prunes what remains.
func (e *Engine) cascade(r *shard.Removed) {
	if r == nil {
		return
	}
	for _, a := range r.Edges {
		ref := core.InboundRef{Source: a.Source, Target: a.Target, Type: a.Type}
		if err := e.shardOf(a.Target).DeleteInbound(ref); err != nil {
			e.logger.Warn("cascade: inbound reference not removed", "source", a.Source, "target", a.Target, "err", err)
		}
	}
	for _, ref := range r.Inbound {
		err := e.shardOf(ref.Source).DeleteEdge(ref.Source, ref.Target, ref.Type)
		if err != nil && core.KindOf(err) != core.KindNotFound {
			e.logger.Warn("cascade: association not removed", "source", ref.Source, "target", ref.Target, "err", err)
		}
	}
}

func (e *Engine) cleanupPruned(ctx context.Context, res *shard.PruneResult) {
	for _, r := range res.Concepts {
		e.cascade(r)
	}
	for _, a := range res.Associations {
		if e.router.SameShard(a.Source, a.Target) {
			continue
		}
		ref := core.InboundRef{Source: a.Source, Target: a.Target, Type: a.Type}
		if err := e.shardOf(a.Target).DeleteInbound(ref); err != nil {
			e.logger.Warn("prune: inbound reference not removed", "source", a.Source, "target", a.Target, "err", err)
		}
	}
}

// Flush syncs every WAL, snapshots every shard and compacts the transaction decision log.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.check(); err != nil {
		return err
	}
	var errs []error
	for i, r := range e.reconcilers {
		if err := e.shards[i].Sync(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
			continue
		}
		if _, err := r.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.decisions.Compact(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return core.Errorf(core.KindInternal, "engine.flush", "%v", errs)
	}
	return nil
}
