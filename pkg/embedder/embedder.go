// Package embedder defines the text-to-vector contract the engine uses to embed content and
// queries, a deterministic hashing embedder for offline use, and a caching wrapper guarded by
// a circuit breaker for remote models.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// Embedder converts text to vectors.
// Implementations wrap any model (remote API, local runtime); the engine only needs this.
type Embedder interface {
	// Embed converts a single text into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts several texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of produced vectors.
	Dim() int
}

// Errors related to embedder operations
var (
	// ErrEmptyText is returned when an empty text is provided.
	ErrEmptyText = fmt.Errorf("%w: empty text", core.ErrInvalidArgument)

	// ErrUnknownModel is returned when a registry has no embedder of the requested name.
	ErrUnknownModel = fmt.Errorf("%w: unknown embedding model", core.ErrInvalidArgument)

	// ErrEmbeddingFailed is returned when the model fails to produce a vector.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// batch embeds texts one by one. Embedders without a native batch call use it.
func batch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Hash is a feature-hashing embedder: each token is hashed into one of dim buckets with a
// hashed sign, and the result is L2-normalized. Texts sharing tokens get similar vectors.
type Hash struct {
	dim int
}

// DefaultHashDim is the dimension of NewHash(0).
const DefaultHashDim = 256

// NewHash creates a hashing embedder of the given dimension.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &Hash{dim: dim}
}

// Embed implements Embedder.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := core.Tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}

	vec := make([]float32, h.dim)
	for _, t := range tokens {
		sum := xxhash.Sum64String(t)
		bucket := sum % uint64(h.dim)
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Every token cancelled out; fall back to the first token's bucket.
		vec[xxhash.Sum64String(tokens[0])%uint64(h.dim)] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// EmbedBatch implements Embedder.
func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batch(ctx, h, texts)
}

// Dim implements Embedder.
func (h *Hash) Dim() int {
	return h.dim
}

// Registry resolves embedders by model name. The empty name selects the default.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Embedder
	fallback string
}

// NewRegistry creates a registry whose default model is name.
func NewRegistry(name string, e Embedder) *Registry {
	r := &Registry{models: make(map[string]Embedder), fallback: name}
	r.Register(name, e)
	return r
}

// Register adds or replaces a model.
func (r *Registry) Register(name string, e Embedder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = e
}

// Get returns the embedder registered as name.
func (r *Registry) Get(name string) (Embedder, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return e, nil
}

// Default returns the default embedder.
func (r *Registry) Default() Embedder {
	e, _ := r.Get("")
	return e
}

// Models lists registered names in order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
