package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/hash"
	"github.com/MrWong99/sarathi/pkg/types"
)

// HashFallbackName names the offline hash provider appended by
// [EmbeddingsFallback.AddHashFallback].
const HashFallbackName = "hash"

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// several embedding backends. Dimensions and ModelID always describe the
// primary, so every fallback must produce vectors of the same length.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional provider. It fails when the provider's
// vectors would not fit the primary's store schema.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	if want, got := f.Dimensions(), provider.Dimensions(); want != got {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary has %d: %w",
			name, got, want, types.ErrValidation)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// AddHashFallback appends the offline hash provider sized to the primary.
// It never fails, so it belongs at the end of the chain.
func (f *EmbeddingsFallback) AddHashFallback() {
	f.group.AddFallback(HashFallbackName, hash.New(f.Dimensions()))
}

// States reports each backend's breaker state.
func (f *EmbeddingsFallback) States() map[string]State {
	return f.group.States()
}

// Embed computes a vector on the first healthy provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := embeddings.CheckInput(text); err != nil {
		return nil, err
	}
	vec, err := ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return vec, nil
}

// EmbedBatch embeds texts on the first healthy provider. A batch is never
// split across providers.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embeddings.CheckBatch(texts); err != nil {
		return nil, err
	}
	vecs, err := ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return vecs, nil
}

// Dimensions returns the primary's vector length.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

func unavailable(err error) error {
	if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("embeddings fallback: %w: %w", types.ErrEmbeddingUnavailable, err)
}
