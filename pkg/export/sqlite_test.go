package export

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
)

func TestExportEngine(t *testing.T) {
	cfg := engine.DefaultConfig(t.TempDir())
	cfg.NoSync = true
	e, err := engine.Open(cfg, engine.WithoutReconcilers())
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	a, err := e.LearnConceptV2(ctx, engine.LearnRequest{
		Content:    "tides follow the moon",
		Embedding:  []float32{0.25, -1, 3},
		Namespace:  "astro",
		Attributes: map[string]string{"lang": "en"},
		Options:    engine.DefaultLearnOptions(),
	})
	require.NoError(t, err)
	b, err := e.LearnConcept(ctx, "the moon orbits earth", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = e.CreateAssociation(ctx, core.Association{Source: a, Target: b, Type: core.AssocCausal, Confidence: 0.9})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "graph.db")
	res, err := ToSQLite(ctx, e, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Concepts)
	assert.Equal(t, 1, res.Associations)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var ns, attrs string
	var blob []byte
	require.NoError(t, db.QueryRow(`SELECT namespace, attributes, embedding FROM concepts WHERE id = ?`, a).Scan(&ns, &attrs, &blob))
	assert.Equal(t, "astro", ns)
	assert.JSONEq(t, `{"lang":"en"}`, attrs)
	vec, err := encoding.DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -1, 3}, vec)

	var typ string
	var conf float64
	require.NoError(t, db.QueryRow(`SELECT type, confidence FROM associations WHERE source = ? AND target = ?`, a, b).Scan(&typ, &conf))
	assert.Equal(t, "causal", typ)
	assert.InDelta(t, 0.9, conf, 1e-9)

	_, err = ToSQLite(ctx, e, path, Options{})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	res, err = ToSQLite(ctx, e, path, Options{Overwrite: true, SkipEmbeddings: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Concepts)
}
