package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sarathi/internal/config"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/resilience"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/memory/chromem"
	"github.com/MrWong99/sarathi/pkg/memory/memstore"
	"github.com/MrWong99/sarathi/pkg/memory/postgres"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/cached"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/hash"
	ollamaembed "github.com/MrWong99/sarathi/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/sarathi/pkg/provider/embeddings/openai"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/throttle"
	"github.com/MrWong99/sarathi/pkg/provider/llm"
	"github.com/MrWong99/sarathi/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/sarathi/pkg/provider/llm/openai"
	"github.com/MrWong99/sarathi/pkg/provider/tts"
	"github.com/MrWong99/sarathi/pkg/provider/tts/elevenlabs"
)

// RegisterBuiltins wires all built-in provider and store factories into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors share one pattern through any-llm-go: optional
	// APIKey (the vendor's env variable otherwise) and optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		// Only the text-embedding-3 family can shorten its vectors.
		if model := entry.Model; model == "" || strings.HasPrefix(model, "text-embedding-3") {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithDimensions(dims)}
		if ka := optString(entry.Options, "keep_alive"); ka != "" {
			opts = append(opts, ollamaembed.WithKeepAlive(ka))
		}
		if tr, ok := entry.Options["truncate"].(bool); ok {
			opts = append(opts, ollamaembed.WithTruncate(tr))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("hash", func(_ config.ProviderEntry, dims int) (embeddings.Provider, error) {
		return hash.New(dims), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Vector stores ─────────────────────────────────────────────────────────
	reg.RegisterStore(config.BackendMemstore, func(context.Context, config.MemoryConfig) (memory.VectorStore, error) {
		return memstore.New(), nil
	})
	reg.RegisterStore(config.BackendChromem, func(_ context.Context, m config.MemoryConfig) (memory.VectorStore, error) {
		return chromem.New(m.EmbeddingDimensions,
			chromem.WithPath(m.Path),
			chromem.WithCompression(m.Compress),
		)
	})
	reg.RegisterStore(config.BackendPostgres, func(ctx context.Context, m config.MemoryConfig) (memory.VectorStore, error) {
		return postgres.NewStore(ctx, m.PostgresDSN, m.EmbeddingDimensions)
	})
}

// BuildProviders instantiates every provider named in cfg using reg and
// wraps them for resilience: LLM and embedding fallbacks behind circuit
// breakers, the embedding cache and rate limit, and the offline hash
// embedder as the last resort. metrics may be nil.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ps := &Providers{}
	pcfg := cfg.Providers
	dims := cfg.Memory.EmbeddingDimensions

	// ── LLM ───────────────────────────────────────────────────────────────────
	if name := pcfg.LLM.Name; name != "" {
		primary, err := reg.CreateLLM(pcfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)
		if len(pcfg.LLMFallbacks) == 0 {
			ps.LLM = primary
		} else {
			fb := resilience.NewLLMFallback(primary, name, fallbackConfig(metrics, "llm"))
			for _, e := range pcfg.LLMFallbacks {
				p, err := reg.CreateLLM(e)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
				}
				fb.AddFallback(e.Name, p)
				slog.Info("provider created", "kind", "llm", "name", e.Name, "fallback", true)
			}
			ps.LLM = fb
		}
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	emb, err := buildEmbeddings(pcfg.Embeddings, pcfg, reg, dims, ps)
	if err != nil {
		return nil, err
	}
	if pcfg.Embeddings.Name == resilience.HashFallbackName && len(pcfg.EmbeddingFallbacks) == 0 {
		ps.Embeddings = emb
	} else {
		fb := resilience.NewEmbeddingsFallback(emb, pcfg.Embeddings.Name, fallbackConfig(metrics, "embeddings"))
		for _, e := range pcfg.EmbeddingFallbacks {
			p, err := buildEmbeddings(e, pcfg, reg, dims, ps)
			if err != nil {
				return nil, err
			}
			if err := fb.AddFallback(e.Name, p); err != nil {
				return nil, err
			}
		}
		fb.AddHashFallback()
		ps.Embeddings = fb
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	if name := pcfg.TTS.Name; name != "" {
		p, err := reg.CreateTTS(pcfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	// ── Vector store ──────────────────────────────────────────────────────────
	store, err := reg.CreateStore(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Memory.Backend, err)
	}
	ps.Store = store
	slog.Info("vector store opened", "backend", cfg.Memory.Backend, "dimensions", dims)

	return ps, nil
}

// buildEmbeddings creates one embeddings backend with the configured rate
// limit and cache in front of it. Cache hits skip the limiter.
func buildEmbeddings(entry config.ProviderEntry, pcfg config.ProvidersConfig, reg *config.Registry, dims int, ps *Providers) (embeddings.Provider, error) {
	p, err := reg.CreateEmbeddings(entry, dims)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", p.ModelID())
	if entry.Name == resilience.HashFallbackName {
		return p, nil
	}
	if r := pcfg.EmbeddingRate; r.PerSecond > 0 {
		if p, err = throttle.New(p, r.PerSecond, r.Burst); err != nil {
			return nil, err
		}
	}
	if n := pcfg.EmbeddingCache.MaxBytes; n > 0 {
		c, err := cached.New(p, cached.WithMaxBytes(n))
		if err != nil {
			return nil, err
		}
		ps.closers = append(ps.closers, func() error { c.Close(); return nil })
		p = c
	}
	return p, nil
}

// fallbackConfig counts every call a fallback serves.
func fallbackConfig(metrics *observe.Metrics, kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnFallback: func(name string) {
			slog.Warn("fallback provider used", "kind", kind, "name", name)
			if kind == "embeddings" {
				metrics.EmbeddingFallbacks.Add(context.Background(), 1,
					metric.WithAttributes(observe.Attr("provider", name)))
			}
		},
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
