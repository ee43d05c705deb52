// Package cached decorates an embeddings.Provider with an in-process
// ristretto cache keyed by model and text.
//
// Queries repeat often in a chat (greetings, the same follow-up question) and
// profile summaries are re-embedded after every turn even when nothing
// changed, so caching saves a network round trip per hit. Vectors are cached
// by value cost (4 bytes per dimension) up to MaxBytes.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
)

// DefaultMaxBytes bounds the cache at 64 MiB of vectors.
const DefaultMaxBytes = 64 << 20

var _ embeddings.Provider = (*Provider)(nil)

// Provider wraps another provider with a read-through cache. It is safe for
// concurrent use.
type Provider struct {
	inner embeddings.Provider
	cache *ristretto.Cache
}

type config struct {
	maxBytes int64
	counters int64
}

// Option configures a cached Provider.
type Option func(*config)

// WithMaxBytes sets the cache budget in bytes of vector data.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithCounters sets the number of admission counters. ristretto recommends
// ten times the number of items expected when full.
func WithCounters(n int64) Option {
	return func(c *config) { c.counters = n }
}

// New wraps inner.
func New(inner embeddings.Provider, opts ...Option) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embeddings: inner provider must not be nil")
	}
	cfg := &config{maxBytes: DefaultMaxBytes}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.counters <= 0 {
		// Roughly ten counters per 1536-dim vector that fits in the budget.
		cfg.counters = max(cfg.maxBytes/(1536*4)*10, 1000)
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.counters,
		MaxCost:     cfg.maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("cached embeddings: %w", err)
	}
	return &Provider{inner: inner, cache: c}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := embeddings.CheckInput(text); err != nil {
		return nil, err
	}
	key := p.key(text)
	if v, ok := p.cache.Get(key); ok {
		return clone(v.([]float32)), nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, clone(vec), int64(len(vec)*4))
	return vec, nil
}

// EmbedBatch implements embeddings.Provider. Only the cache misses are sent
// to the inner provider, in a single batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckBatch(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string
	for i, t := range texts {
		if v, ok := p.cache.Get(p.key(t)); ok {
			out[i] = clone(v.([]float32))
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missText)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missText) {
		return nil, fmt.Errorf("cached embeddings: inner returned %d vectors for %d texts", len(vecs), len(missText))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		p.cache.Set(p.key(missText[j]), clone(vecs[j]), int64(len(vecs[j])*4))
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Stats returns the cache hit and miss counters.
func (p *Provider) Stats() (hits, misses uint64) {
	return p.cache.Metrics.Hits(), p.cache.Metrics.Misses()
}

// Wait blocks until buffered writes are applied. Tests use it to make a
// preceding Set visible.
func (p *Provider) Wait() { p.cache.Wait() }

// Close releases the cache's background goroutines.
func (p *Provider) Close() { p.cache.Close() }

func (p *Provider) key(text string) string {
	return p.inner.ModelID() + "\x00" + text
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
