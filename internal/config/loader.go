package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/pkg/chunk"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/hash"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama", "hash"},
	"tts":        {"elevenlabs"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultMaxHistoryTokens = 4000
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied: in-process store,
// offline hash embeddings and no LLM.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Embeddings.Name == "" {
		cfg.Providers.Embeddings.Name = "hash"
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = BackendMemstore
	}
	if cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = hash.DefaultDimensions
	}
	c := &cfg.Memory.Consolidation
	if c.Threshold == 0 {
		c.Threshold = 100
	}
	if c.Retention == 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if cfg.Retrieval.Turns == 0 {
		cfg.Retrieval.Turns = hotctx.DefaultTurns
	}
	if cfg.Retrieval.Documents == 0 {
		cfg.Retrieval.Documents = hotctx.DefaultDocuments
	}
	if cfg.Retrieval.Budget == 0 {
		cfg.Retrieval.Budget = hotctx.DefaultBudget
	}
	if cfg.Router.FuzzyThreshold == 0 {
		cfg.Router.FuzzyThreshold = 0.9
	}
	if cfg.Router.TieDefault == "" {
		cfg.Router.TieDefault = agent.Companion
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = chunk.DefaultSize
		if cfg.Chunking.Overlap == 0 {
			cfg.Chunking.Overlap = chunk.DefaultOverlap
		}
	}
	if cfg.Session.Window == 0 {
		cfg.Session.Window = 40
	}
	if cfg.Session.MaxHistoryTokens == 0 {
		cfg.Session.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if cfg.Timeouts.Retrieval == 0 {
		cfg.Timeouts.Retrieval = 8 * time.Second
	}
	if cfg.Timeouts.Completion == 0 {
		cfg.Timeouts.Completion = 30 * time.Second
	}
	if cfg.Timeouts.Persistence == 0 {
		cfg.Timeouts.Persistence = 8 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Unknown provider names only warn.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, e := range cfg.Providers.EmbeddingFallbacks {
		validateProviderName("embeddings", e.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; every reply will be the persona fallback")
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.EmbeddingFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embedding_fallbacks[%d].name is required", i))
		}
	}
	if cfg.Providers.EmbeddingCache.MaxBytes < 0 {
		errs = append(errs, errors.New("providers.embedding_cache.max_bytes must not be negative"))
	}
	if r := cfg.Providers.EmbeddingRate; r.PerSecond < 0 || r.Burst < 0 {
		errs = append(errs, errors.New("providers.embedding_rate values must not be negative"))
	}

	// Memory
	m := cfg.Memory
	if !m.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: memstore, chromem, postgres", m.Backend))
	}
	if m.Backend == BackendPostgres && m.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when backend is postgres"))
	}
	if m.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must be positive", m.EmbeddingDimensions))
	}
	if c := m.Consolidation; c.Threshold < 0 || c.Retention < 0 || c.Interval < 0 {
		errs = append(errs, errors.New("memory.consolidation values must not be negative"))
	}
	if m.Consolidation.Summarise && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("memory.consolidation.summarise requires providers.llm"))
	}

	// Retrieval, chunking
	if err := cfg.Retrieval.Limits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retrieval: %w", err))
	}
	if err := cfg.Chunking.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chunking: %w", err))
	}

	// Router
	if t := cfg.Router.FuzzyThreshold; t < 0 {
		errs = append(errs, fmt.Errorf("router.fuzzy_threshold %.2f must not be negative", t))
	}
	if p := cfg.Router.TieDefault; p != "" && !p.IsValid() {
		errs = append(errs, fmt.Errorf("router.tie_default %q is not a persona", p))
	}

	// Profile
	if cfg.Profile.InterestCap < 0 {
		errs = append(errs, fmt.Errorf("profile.interest_cap %d must not be negative", cfg.Profile.InterestCap))
	}
	for i, r := range cfg.Profile.Rules {
		if r.Tag == "" || len(r.Terms) == 0 {
			errs = append(errs, fmt.Errorf("profile.rules[%d] needs a tag and at least one term", i))
		}
	}

	// Session, timeouts
	if cfg.Session.Window < 0 || cfg.Session.MaxHistoryTokens < 0 {
		errs = append(errs, errors.New("session values must not be negative"))
	}
	if cfg.Timeouts.Retrieval < 0 || cfg.Timeouts.Completion < 0 || cfg.Timeouts.Persistence < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	// Personas
	for _, p := range slices.Sorted(maps.Keys(cfg.Personas)) {
		pc := cfg.Personas[p]
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("personas.%s is not a persona; valid values: companion, mentor, interviewer", p))
			continue
		}
		if pc.Temperature < 0 || pc.Temperature > 2 {
			errs = append(errs, fmt.Errorf("personas.%s.temperature %.2f is out of range [0, 2]", p, pc.Temperature))
		}
		if pc.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("personas.%s.max_tokens must not be negative", p))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
