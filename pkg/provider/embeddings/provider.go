// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to a dense float32 vector. The memory layer
// uses these vectors to store conversation turns, document chunks, profiles and
// shared knowledge, and to rank them by cosine similarity against a query.
//
// Backends live in sub-packages: openai and ollama call remote models, hash is
// a deterministic offline fallback, and cached and throttle decorate any other
// Provider. Backend failures are reported wrapped in
// [types.ErrEmbeddingUnavailable].
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/sarathi/pkg/types"
)

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different providers
// are not comparable unless both use the same model.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single non-empty text. Returns
	// a float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for several texts at once. The
	// returned slice has the same length as texts and the i-th element
	// corresponds to texts[i]. On error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small").
	ModelID() string
}

// CheckInput returns an error wrapping [types.ErrValidation] when text is
// empty or only whitespace. Providers call it before doing any work.
func CheckInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("embeddings: empty input: %w", types.ErrValidation)
	}
	return nil
}

// CheckBatch applies [CheckInput] to every element of texts.
func CheckBatch(texts []string) error {
	for i, t := range texts {
		if err := CheckInput(t); err != nil {
			return fmt.Errorf("embeddings: text %d: %w", i, err)
		}
	}
	return nil
}

// Normalize scales v to unit length in place and returns it. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Unavailable wraps err so that it matches [types.ErrEmbeddingUnavailable]
// while keeping the backend's own message.
func Unavailable(backend string, err error) error {
	return fmt.Errorf("%s embeddings: %w: %w", backend, types.ErrEmbeddingUnavailable, err)
}
