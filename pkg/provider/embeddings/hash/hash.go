// Package hash provides a deterministic, offline embeddings provider.
//
// Each lower-cased word of the input is hashed with FNV-64a and expanded into
// a pseudo-random direction by a 64-bit linear congruential generator. The
// word directions are summed and normalised to unit length, so texts that
// share words end up closer together than unrelated texts. Retrieval quality
// is far below a trained model, but the provider never fails, needs no
// credentials, and is used as the last step of every embedding fallback chain.
package hash

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so an offline deployment can
// later switch to a real small model without changing the store schema.
const DefaultDimensions = 384

// ModelID is reported by every hash provider.
const ModelID = "hash-fnv64a-lcg"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider without any backing service.
// It is safe for concurrent use.
type Provider struct {
	dims int
}

// New returns a hash provider producing vectors of length dims. A
// non-positive dims selects [DefaultDimensions].
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Embed implements embeddings.Provider. It only fails for empty input.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	if err := embeddings.CheckInput(text); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckBatch(texts); err != nil {
		return nil, fmt.Errorf("hash embeddings: %w", err)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return ModelID }

func (p *Provider) vector(text string) []float32 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		// Punctuation or emoji only: fall back to the raw text.
		words = []string{text}
	}

	vec := make([]float32, p.dims)
	for _, w := range words {
		seed := seedOf(w)
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return embeddings.Normalize(vec)
}

func seedOf(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
