package conceptdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/embedder"
)

func TestQuickStart(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, WithEmbedder(embedder.NewHash(128)), WithShards(2), WithoutSync(),
		WithLogger(core.NopLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	rain, err := db.Learn(ctx, "rain falls on the hills")
	require.NoError(t, err)
	flood, err := db.LearnIn(ctx, "weather", "the river floods the valley", map[string]string{"severity": "high"})
	require.NoError(t, err)

	require.NoError(t, db.Relate(ctx, rain, flood, core.AssocCausal, 0.8))

	neighbors, err := db.GetNeighbors(ctx, rain)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, flood, neighbors[0].ConceptID)
	assert.Equal(t, core.AssocCausal, neighbors[0].Type)

	results, err := db.Search(ctx, "river valley", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, flood, results[0].ConceptID)

	c, err := db.GetConcept(ctx, flood)
	require.NoError(t, err)
	assert.Len(t, c.Embedding, 128)
	assert.Equal(t, "weather", c.Namespace)
	require.NoError(t, db.Close())

	// Reopening keeps the graph and the fixed dimension.
	db, err = Open(dir, WithEmbedder(embedder.NewHash(128)), WithShards(2), WithoutSync())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 2, db.Shards())
	_, err = db.VectorSearch(ctx, []float32{1, 0, 0}, 1, 0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestLexicalWithoutEmbedder(t *testing.T) {
	db, err := Open(t.TempDir(), WithoutSync())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	id, err := db.Learn(ctx, "lexical search still works")
	require.NoError(t, err)

	results, err := db.Search(ctx, "lexical", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ConceptID)
}
