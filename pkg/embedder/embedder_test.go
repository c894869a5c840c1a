package embedder

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	h := NewHash(64)
	assert.Equal(t, 64, h.Dim())

	a, err := h.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)
	require.Len(t, a, 64)

	again, err := h.Embed(ctx, "the QUICK brown fox!")
	require.NoError(t, err)
	assert.Equal(t, a, again, "tokenization ignores case and punctuation")

	b, err := h.Embed(ctx, "quick brown fox jumps")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "interest rates rose sharply")
	require.NoError(t, err)

	sim := core.CosineSimilarity
	assert.InDelta(t, 1.0, sim(a, a), 1e-5)
	assert.Greater(t, sim(a, b), sim(a, c))

	_, err = h.Embed(ctx, "  ...  ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	vecs, err := h.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
	dim   int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	v := make([]float32, c.dim)
	v[len(text)%c.dim] = 1
	return v, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batch(ctx, c, texts)
}

func (c *countingEmbedder) Dim() int { return c.dim }

func TestCachedServesRepeatsFromMemory(t *testing.T) {
	inner := &countingEmbedder{dim: 8}
	c, err := NewCached(inner, CacheConfig{Size: 16})
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	v1[0] = 99 // callers may mutate what they get
	v2, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, float32(99), v2[0])
	assert.Equal(t, int32(1), inner.calls.Load())

	vecs, err := c.EmbedBatch(ctx, []string{"hello", "world", "again"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, 3, c.Len())
}

func TestCachedBreakerOpens(t *testing.T) {
	inner := &countingEmbedder{dim: 4, err: errors.New("model offline")}
	c, err := NewCached(inner, CacheConfig{MaxFailures: 2, Cooldown: time.Hour})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Embed(ctx, "x")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	}
	assert.Equal(t, "open", c.State())

	_, err = c.Embed(ctx, "y")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker does not reach the model")
}

func TestInvalidInputDoesNotTripBreaker(t *testing.T) {
	c, err := NewCached(NewHash(16), CacheConfig{MaxFailures: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Embed(context.Background(), "")
		assert.ErrorIs(t, err, ErrEmptyText)
	}
	assert.Equal(t, "closed", c.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("hash", NewHash(32))
	r.Register("small", NewHash(8))

	e, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dim())
	assert.Equal(t, 32, r.Default().Dim())

	e, err = r.Get("small")
	require.NoError(t, err)
	assert.Equal(t, 8, e.Dim())

	_, err = r.Get("gpt")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, []string{"hash", "small"}, r.Models())
}
