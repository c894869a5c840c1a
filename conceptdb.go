// Package conceptdb is an embeddable concept graph: concepts with optional embeddings,
// typed and weighted associations between them, and nearest-neighbor search, spread over
// hash-routed shards that each keep a write-ahead log, snapshots and an HNSW index.
//
// # Quick Start
//
//	db, err := conceptdb.Open("./data", conceptdb.WithEmbedder(embedder.NewHash(256)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	ctx := context.Background()
//	rain, _ := db.Learn(ctx, "rain falls on the hills")
//	flood, _ := db.Learn(ctx, "the river floods the valley")
//	db.Relate(ctx, rain, flood, core.AssocCausal, 0.8)
//
//	results, _ := db.Search(ctx, "flooding", 5)
//
// The server, client and command line tool live in pkg/server, pkg/client and
// cmd/conceptdb. Embedded use goes through DB or pkg/engine directly.
package conceptdb

import (
	"context"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/embedder"
	"github.com/liliang-cn/conceptdb/pkg/engine"
)

// DefaultEmbedderName is the registry name of the embedder passed to WithEmbedder.
const DefaultEmbedderName = "default"

type options struct {
	cfg    engine.Config
	engine []engine.Option
	emb    embedder.Embedder
}

// Option is a functional option for Open.
type Option func(*options)

// WithShards sets the shard count of a new data directory.
func WithShards(n int) Option {
	return func(o *options) { o.cfg.Shards = n }
}

// WithDimension fixes the vector dimension instead of adopting the first one seen.
func WithDimension(dim int) Option {
	return func(o *options) { o.cfg.Dimension = dim }
}

// WithMetric sets the similarity metric of a new data directory.
func WithMetric(m core.Metric) Option {
	return func(o *options) { o.cfg.Metric = m }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.engine = append(o.engine, engine.WithLogger(l)) }
}

// WithEmbedder enables text operations. The embedder is wrapped in an LRU cache.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) { o.emb = e }
}

// WithoutSync skips fsync on every write. Data written since the last snapshot may be lost
// on a crash.
func WithoutSync() Option {
	return func(o *options) { o.cfg.NoSync = true }
}

// WithEngineOptions passes options straight to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engine = append(o.engine, opts...) }
}

// DB is an open concept store.
type DB struct {
	*engine.Engine
	textual bool
}

// Open opens or creates a store in path.
func Open(path string, opts ...Option) (*DB, error) {
	o := &options{cfg: engine.DefaultConfig(path)}
	for _, opt := range opts {
		opt(o)
	}
	if o.emb != nil {
		cached, err := embedder.NewCached(o.emb, embedder.DefaultCacheConfig())
		if err != nil {
			return nil, err
		}
		if o.cfg.Dimension == 0 {
			o.cfg.Dimension = o.emb.Dim()
		}
		o.engine = append(o.engine, engine.WithEmbedder(DefaultEmbedderName, cached))
	}

	e, err := engine.Open(o.cfg, o.engine...)
	if err != nil {
		return nil, err
	}
	return &DB{Engine: e, textual: o.emb != nil}, nil
}

// Learn stores text, embedding it when an embedder is configured, and returns its id.
func (db *DB) Learn(ctx context.Context, text string) (string, error) {
	return db.LearnIn(ctx, "", text, nil)
}

// LearnIn stores text in namespace with attributes.
func (db *DB) LearnIn(ctx context.Context, namespace, text string, attrs map[string]string) (string, error) {
	opts := engine.DefaultLearnOptions()
	opts.GenerateEmbedding = db.textual
	return db.LearnConceptV2(ctx, engine.LearnRequest{
		Content:    text,
		Namespace:  namespace,
		Attributes: attrs,
		Options:    opts,
	})
}

// Relate associates source with target.
func (db *DB) Relate(ctx context.Context, source, target string, typ core.AssociationType, confidence float64) error {
	_, err := db.CreateAssociation(ctx, core.Association{
		Source:     source,
		Target:     target,
		Type:       typ,
		Confidence: confidence,
	})
	return err
}

// Search is TextSearch: semantic with an embedder, lexical without.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	return db.TextSearch(ctx, query, limit)
}
