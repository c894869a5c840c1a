package embedder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// CacheConfig configures a Cached embedder.
type CacheConfig struct {
	Name string
	Size int

	// The breaker opens after MaxFailures consecutive failures and probes again after Cooldown.
	MaxFailures uint32
	Cooldown    time.Duration

	Logger core.Logger
}

// DefaultCacheConfig returns the defaults used by the engine.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Name: "embedder", Size: 4096, MaxFailures: 5, Cooldown: 30 * time.Second}
}

// Cached memoizes an embedder's results in an LRU cache and stops calling it while it keeps
// failing.
type Cached struct {
	inner   Embedder
	cache   *lru.Cache[string, []float32]
	breaker *gobreaker.CircuitBreaker
}

// NewCached wraps inner.
func NewCached(inner Embedder, cfg CacheConfig) (*Cached, error) {
	d := DefaultCacheConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.Size <= 0 {
		cfg.Size = d.Size
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = d.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger()
	}

	cache, err := lru.New[string, []float32](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	logger := cfg.Logger.With("component", "embedder", "model", cfg.Name)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, core.ErrInvalidArgument)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedder breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return &Cached{inner: inner, cache: cache, breaker: breaker}, nil
}

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return slices.Clone(v), nil
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	v := res.([]float32)
	if len(v) != c.inner.Dim() {
		return nil, fmt.Errorf("%w: model returned %d dimensions, want %d", core.ErrDimensionMismatch, len(v), c.inner.Dim())
	}
	c.cache.Add(text, slices.Clone(v))
	return v, nil
}

// EmbedBatch implements Embedder. Cached texts are served from memory; the rest go to the
// model in one batch.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var positions []int
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = slices.Clone(v)
			continue
		}
		missing = append(missing, t)
		positions = append(positions, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.EmbedBatch(ctx, missing)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	vecs := res.([][]float32)
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("%w: model returned %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), len(missing))
	}
	for j, v := range vecs {
		c.cache.Add(missing[j], slices.Clone(v))
		out[positions[j]] = v
	}
	return out, nil
}

// Dim implements Embedder.
func (c *Cached) Dim() int {
	return c.inner.Dim()
}

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// State reports the breaker state.
func (c *Cached) State() string {
	return c.breaker.State().String()
}
