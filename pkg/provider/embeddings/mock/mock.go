// Package mock provides a deterministic embeddings.Provider for tests.
//
// Vectors are derived from a hash of the input text so that equal strings map
// to equal vectors and similarity comparisons are stable across runs. Exact
// vectors for chosen inputs can be pinned via Fix.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/renfield-hub/renfield/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic in-process embeddings backend.
type Provider struct {
	dims int

	mu    sync.Mutex
	fixed map[string][]float32
	Calls int
}

// New creates a mock provider producing vectors of the given dimensionality.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = 8
	}
	return &Provider{dims: dims, fixed: make(map[string][]float32)}
}

// Fix pins the vector returned for an exact input text. The vector is
// normalised to unit length and padded or truncated to Dimensions().
func (p *Provider) Fix(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed[text] = normalize(pad(vec, p.dims))
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.Calls++
	if v, ok := p.fixed[text]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()
	return hashVector(text, p.dims), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock" }

// hashVector produces a unit-length pseudo-random vector seeded by text.
func hashVector(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, dims)
	for i := range v {
		// xorshift64 step per component.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v[i] = float32(int64(seed%2000)-1000) / 1000
	}
	return normalize(v)
}

func pad(v []float32, dims int) []float32 {
	out := make([]float32, dims)
	copy(out, v)
	return out
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
