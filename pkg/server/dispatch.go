package server

import (
	"context"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	b := s.backend
	switch {
	case req.LearnConceptV2 != nil:
		r := req.LearnConceptV2
		id, err := b.LearnConceptV2(ctx, engine.LearnRequest{
			Content:    r.Content,
			Embedding:  r.Embedding,
			Namespace:  r.Namespace,
			Attributes: r.Attributes,
			Options:    learnOptions(r.Options),
		})
		if err != nil {
			return nil, err
		}
		return &protocol.Response{LearnConceptV2Ok: &protocol.LearnConceptV2Ok{ConceptID: id}}, nil

	case req.LearnConcept != nil:
		id, err := b.LearnConcept(ctx, req.LearnConcept.Content, req.LearnConcept.Embedding)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{LearnConceptOk: &protocol.LearnConceptOk{ConceptID: id}}, nil

	case req.CreateAssociation != nil:
		r := req.CreateAssociation
		typ := core.AssocSemantic
		if r.AssocType != "" {
			var err error
			if typ, err = core.ParseAssociationType(r.AssocType); err != nil {
				return nil, err
			}
		}
		txID, err := b.CreateAssociation(ctx, core.Association{
			Source:     r.Source,
			Target:     r.Target,
			Type:       typ,
			Confidence: r.Confidence,
			Weight:     r.Weight,
		})
		if err != nil {
			return nil, err
		}
		return &protocol.Response{CreateAssociationOk: &protocol.CreateAssociationOk{TransactionID: txID}}, nil

	case req.GetConcept != nil:
		c, err := b.GetConcept(ctx, req.GetConcept.ConceptID)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{ConceptOk: &protocol.ConceptOk{Concept: c}}, nil

	case req.TextSearch != nil:
		res, err := b.TextSearch(ctx, req.TextSearch.Query, req.TextSearch.Limit)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{SearchOk: &protocol.SearchOk{Results: res}}, nil

	case req.VectorSearch != nil:
		r := req.VectorSearch
		res, err := b.VectorSearch(ctx, r.Vector, r.Limit, r.EfSearch)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{SearchOk: &protocol.SearchOk{Results: res}}, nil

	case req.GetNeighbors != nil:
		ns, err := b.GetNeighbors(ctx, req.GetNeighbors.ConceptID)
		if err != nil {
			return nil, err
		}
		out := make([]protocol.Neighbor, len(ns))
		for i, n := range ns {
			out[i] = protocol.Neighbor{
				ConceptID:  n.ConceptID,
				Content:    n.Content,
				AssocType:  n.Type.String(),
				Confidence: n.Confidence,
				Weight:     n.Weight,
			}
		}
		return &protocol.Response{NeighborsOk: &protocol.NeighborsOk{Neighbors: out}}, nil

	case req.DeleteConcept != nil:
		if err := b.DeleteConcept(ctx, req.DeleteConcept.ID); err != nil {
			return nil, err
		}
		return &protocol.Response{DeleteConceptOk: &protocol.DeleteConceptOk{}}, nil

	case req.ListRecent != nil:
		items, err := b.ListRecent(ctx, req.ListRecent.Namespace, req.ListRecent.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]protocol.RecentItem, len(items))
		for i, it := range items {
			out[i] = protocol.RecentItem{ID: it.ID, ContentPreview: it.ContentPreview, CreatedAt: it.CreatedAt}
		}
		return &protocol.Response{ListRecentOk: &protocol.ListRecentOk{Items: out}}, nil

	case req.Flush != nil:
		if err := b.Flush(ctx); err != nil {
			return nil, err
		}
		return &protocol.Response{FlushOk: &protocol.FlushOk{}}, nil

	case req.GetStats != nil:
		st, err := b.Stats(ctx, req.GetStats.Namespace)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{StatsOk: &protocol.StatsOk{
			ConceptCount:       st.ConceptCount,
			EdgeCount:          st.EdgeCount,
			VectorCount:        st.VectorCount,
			PendingWrites:      st.PendingWrites,
			ActiveTransactions: st.ActiveTransactions,
			ShardCount:         b.Shards(),
			UptimeSeconds:      uint64(st.Uptime.Seconds()),
		}}, nil

	case req.Ping != nil:
		return &protocol.Response{Pong: &protocol.Pong{}}, nil
	}
	return nil, protocol.ErrMalformed
}

func learnOptions(o *protocol.LearnOptions) engine.LearnOptions {
	opts := engine.DefaultLearnOptions()
	if o == nil {
		return opts
	}
	opts.GenerateEmbedding = o.GenerateEmbedding
	opts.EmbeddingModel = o.EmbeddingModel
	opts.ExtractAssociations = o.ExtractAssociations
	if o.MinAssociationConfidence > 0 {
		opts.MinAssociationConfidence = o.MinAssociationConfidence
	}
	if o.MaxAssociationsPerConcept > 0 {
		opts.MaxAssociationsPerConcept = o.MaxAssociationsPerConcept
	}
	if o.Strength > 0 {
		opts.Strength = o.Strength
	}
	if o.Confidence > 0 {
		opts.Confidence = o.Confidence
	}
	return opts
}
