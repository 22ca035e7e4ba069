// Package mock provides a test double for the embeddings.Provider interface.
//
// Provider produces deterministic, dimension-stable vectors derived from the
// input text, so index builds and ranking tests behave reproducibly without a
// live model. Identical texts always produce identical vectors; different
// texts almost always produce different ones.
//
// Example:
//
//	p := mock.New(8)
//	vec, _ := p.Embed(ctx, "roll a d20")
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/mirefall/quartermaster/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	dims  int
	model string

	// Err, if non-nil, is returned by Embed and EmbedBatch instead of vectors.
	Err error

	// Fixed maps exact input texts to canned vectors, overriding the derived
	// ones. Vectors shorter than dims are zero-padded; longer ones truncated.
	Fixed map[string][]float32

	// ZeroVectors forces every derived vector to all zeros, for degenerate
	// ranking tests.
	ZeroVectors bool

	// EmbedTexts records every text submitted, in order, across both Embed
	// and EmbedBatch.
	EmbedTexts []string
}

// New creates a mock Provider producing vectors of the given dimension.
func New(dims int) *Provider {
	return &Provider{dims: dims, model: "mock-embed"}
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.EmbedTexts = append(p.EmbedTexts, text)
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		p.EmbedTexts = append(p.EmbedTexts, t)
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// Reset clears recorded texts. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedTexts = nil
}

// vectorFor derives a unit-length vector from text. Callers must hold mu.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Fixed[text]; ok {
		out := make([]float32, p.dims)
		copy(out, v)
		return out
	}
	out := make([]float32, p.dims)
	if p.ZeroVectors {
		return out
	}

	// Seed a tiny xorshift generator from an FNV hash of the text so the
	// vector depends only on the input.
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	if state == 0 {
		state = 1
	}

	var norm float64
	for i := range out {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		// Map to [-1, 1).
		out[i] = float32(int64(state)) / float32(math.MaxInt64)
		norm += float64(out[i]) * float64(out[i])
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range out {
			out[i] = float32(float64(out[i]) / norm)
		}
	}
	return out
}
