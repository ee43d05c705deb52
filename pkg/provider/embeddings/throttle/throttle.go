// Package throttle decorates an embeddings.Provider with a token-bucket rate
// limit so bulk ingestion cannot exhaust a hosted API's request quota.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider waits for a token before every request to the wrapped provider.
// A batch costs one token per text, capped at the burst size. It is safe for
// concurrent use.
type Provider struct {
	inner   embeddings.Provider
	limiter *rate.Limiter
}

// New wraps inner with a limit of perSecond requests and the given burst.
func New(inner embeddings.Provider, perSecond float64, burst int) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("throttle embeddings: inner provider must not be nil")
	}
	if perSecond <= 0 {
		return nil, fmt.Errorf("throttle embeddings: rate must be positive, got %v", perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Provider{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, embeddings.Unavailable("throttle", err)
	}
	return p.inner.Embed(ctx, text)
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	n := min(len(texts), p.limiter.Burst())
	if err := p.limiter.WaitN(ctx, n); err != nil {
		return nil, embeddings.Unavailable("throttle", err)
	}
	return p.inner.EmbedBatch(ctx, texts)
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }
