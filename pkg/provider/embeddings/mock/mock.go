// Package mock provides a test double for the embeddings.Provider interface.
//
// Without canned results the mock delegates to the deterministic hash
// provider, so stores and retrievers built on it rank texts sensibly. Set
// EmbedErr to simulate an unreachable backend.
//
//	p := &mock.Provider{EmbedErr: fmt.Errorf("down: %w", types.ErrEmbeddingUnavailable)}
//	_, err := p.Embed(ctx, "hello") // err matches types.ErrEmbeddingUnavailable
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/hash"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed when non-nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions and sizes the hash vectors.
	// Zero means hash.DefaultDimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records the text of every Embed call in order.
	EmbedCalls []string

	// EmbedBatchCalls records a copy of every EmbedBatch input in order.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns EmbedResult, a hash vector, or EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	result, err, dims := p.EmbedResult, p.EmbedErr, p.DimensionsValue
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return hash.New(dims).Embed(ctx, text)
}

// EmbedBatch records the call and embeds each text like Embed would, without
// recording the per-text calls.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, cp)
	result, err, dims := p.EmbedResult, p.EmbedErr, p.DimensionsValue
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result != nil {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = result
		}
		return out, nil
	}
	return hash.New(dims).EmbedBatch(ctx, texts)
}

// Dimensions returns DimensionsValue, or the hash default when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DimensionsValue == 0 {
		return hash.DefaultDimensions
	}
	return p.DimensionsValue
}

// ModelID returns ModelIDValue, or "mock" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock"
	}
	return p.ModelIDValue
}

// SetErr swaps the injected error. Thread-safe.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedErr = err
}

// CallCount returns the number of Embed plus EmbedBatch calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls) + len(p.EmbedBatchCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

var _ embeddings.Provider = (*Provider)(nil)
