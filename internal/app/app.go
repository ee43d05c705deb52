// Package app wires all sarathi subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds every component on top
// of the configured providers, Run serves HTTP and the background
// consolidator, and Shutdown tears everything down in order.
//
// For testing, pass mock providers in [Providers]. Anything left nil gets a
// working offline default: an in-process store and the hash embedder.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sarathi/internal/agent/orchestrator"
	"github.com/MrWong99/sarathi/internal/config"
	"github.com/MrWong99/sarathi/internal/health"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/internal/progress"
	"github.com/MrWong99/sarathi/internal/recorder"
	"github.com/MrWong99/sarathi/internal/resilience"
	"github.com/MrWong99/sarathi/internal/session"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/memory/memstore"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings/hash"
	"github.com/MrWong99/sarathi/pkg/provider/llm"
	"github.com/MrWong99/sarathi/pkg/provider/tts"
)

// Providers holds one value per provider slot. Nil LLM and TTS mean the slot
// is not configured; nil Embeddings and Store fall back to offline defaults.
// Populated by [BuildProviders] or directly by tests.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
	TTS        tts.Provider
	Store      memory.VectorStore

	// closers release provider resources. Run by App.Shutdown after the
	// app's own closers.
	closers []func() error
}

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	now       func() time.Time

	store        *resilience.StoreGuard
	profiles     *profile.Manager
	retriever    *hotctx.Retriever
	writer       *recorder.Writer
	sessions     *session.Store
	progress     *progress.Tracker
	orch         *orchestrator.Orchestrator
	consolidator *session.Consolidator
	health       *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics replaces observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the level of the logger built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithClock overrides time.Now for every component, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together on top of providers.
// New performs all initialisation synchronously and starts nothing; call
// [App.Run] to serve.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if providers.Store == nil {
		providers.Store = memstore.New()
	}
	a.store = resilience.NewStoreGuard(providers.Store, resilience.CircuitBreakerConfig{Name: string(cfg.Memory.Backend)})

	// ── 2. Embeddings ────────────────────────────────────────────────────
	if providers.Embeddings == nil {
		providers.Embeddings = hash.New(cfg.Memory.EmbeddingDimensions)
	}
	if got, want := providers.Embeddings.Dimensions(), cfg.Memory.EmbeddingDimensions; got != want {
		return nil, fmt.Errorf("app: embeddings produce %d dimensions, memory.embedding_dimensions is %d", got, want)
	}
	emb := providers.Embeddings

	// ── 3. Personalisation ───────────────────────────────────────────────
	a.profiles = profile.NewManager(a.store, emb,
		profile.WithPolicy(cfg.Profile.Policy()),
		profile.WithClock(a.now),
	)
	hits := hotctx.NewHitTracker()
	a.retriever = hotctx.NewRetriever(a.store, emb, a.profiles,
		hotctx.WithLimits(cfg.Retrieval.Limits()),
		hotctx.WithHitTracker(hits),
		hotctx.WithMetrics(a.metrics),
		hotctx.WithTimeout(cfg.Timeouts.Retrieval),
		hotctx.WithClock(a.now),
	)
	a.writer = recorder.New(a.store, emb, a.profiles,
		recorder.WithChunking(cfg.Chunking.Policy()),
		recorder.WithMetrics(a.metrics),
		recorder.WithClock(a.now),
	)

	// ── 4. Sessions ──────────────────────────────────────────────────────
	var summariser session.Summariser
	if providers.LLM != nil {
		summariser = session.NewLLMSummariser(providers.LLM)
	}
	a.sessions = session.NewStore(a.store, emb,
		session.WithWindow(cfg.Session.Window),
		session.WithClock(a.now),
	)
	a.progress = progress.NewTracker(a.store, a.sessions, a.profiles,
		progress.WithTimeout(cfg.Timeouts.Retrieval),
		progress.WithMetrics(a.metrics),
		progress.WithClock(a.now),
	)
	compactor := session.NewCompactor(session.CompactorConfig{
		MaxTokens:  cfg.Session.MaxHistoryTokens,
		Summariser: summariser,
	})

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	router, err := newRouter(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithSessions(a.sessions, compactor),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTimeouts(orchestrator.Timeouts{
			Retrieval:   cfg.Timeouts.Retrieval,
			Completion:  cfg.Timeouts.Completion,
			Persistence: cfg.Timeouts.Persistence,
		}),
		orchestrator.WithClock(a.now),
	}
	if providers.TTS != nil {
		orchOpts = append(orchOpts, orchestrator.WithTTS(providers.TTS))
	}
	a.orch = orchestrator.New(router, a.retriever, providers.LLM, a.writer, orchOpts...)

	// ── 6. Consolidation ─────────────────────────────────────────────────
	cc := cfg.Memory.Consolidation
	ccfg := session.ConsolidatorConfig{
		Store:     a.store,
		Hits:      hits,
		Metrics:   a.metrics,
		Threshold: cc.Threshold,
		Retention: cc.Retention,
		Interval:  cc.Interval,
		Now:       a.now,
	}
	if cc.Summarise && summariser != nil {
		ccfg.Summariser = summariser
		ccfg.Writer = a.writer
	}
	a.consolidator = session.NewConsolidator(ccfg)

	// ── 7. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.Ping("vector-store", a.store)}
	if c, ok := providers.Embeddings.(circuits); ok {
		checkers = append(checkers, health.Circuits("embeddings", c.States))
	}
	if c, ok := providers.LLM.(circuits); ok {
		checkers = append(checkers, health.Circuits("llm", c.States))
	}
	a.health = health.New(checkers...)

	a.closers = append(a.closers, a.store.Close)

	observe.Logger(ctx).Info("app initialised",
		"backend", cfg.Memory.Backend,
		"embeddings", emb.ModelID(),
		"dimensions", emb.Dimensions(),
		"llm", providers.LLM != nil,
		"tts", providers.TTS != nil,
	)
	return a, nil
}

// circuits is implemented by the resilience fallbacks.
type circuits interface {
	States() map[string]resilience.State
}

// newRouter builds the intent router from the persona and router sections.
func newRouter(cfg *config.Config) (*orchestrator.IntentRouter, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	return orchestrator.NewIntentRouter(catalog,
		orchestrator.WithFuzzyThreshold(cfg.Router.FuzzyThreshold),
		orchestrator.WithTieDefault(cfg.Router.TieDefault),
	), nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the turn orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Profiles returns the profile manager.
func (a *App) Profiles() *profile.Manager { return a.profiles }

// Retriever returns the context retriever.
func (a *App) Retriever() *hotctx.Retriever { return a.retriever }

// Writer returns the memory writer.
func (a *App) Writer() *recorder.Writer { return a.writer }

// Sessions returns the session store.
func (a *App) Sessions() *session.Store { return a.sessions }

// Consolidator returns the consolidator. It is not started until [App.Run].
func (a *App) Consolidator() *session.Consolidator { return a.consolidator }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig switches the hot-reloadable sections to next and returns what
// changed. Sections that need a restart are logged and otherwise ignored.
// Invalid hot sections are rejected as a whole and the old config stays.
func (a *App) ApplyConfig(next *config.Config) (config.ConfigDiff, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.IsZero() {
		return d, nil
	}

	var router *orchestrator.IntentRouter
	if d.RouterChanged {
		r, err := newRouter(next)
		if err != nil {
			return d, fmt.Errorf("app: apply config: %w", err)
		}
		router = r
	}
	if d.RetrievalChanged {
		if err := next.Retrieval.Limits().Validate(); err != nil {
			return d, fmt.Errorf("app: apply config: %w", err)
		}
	}
	if d.ChunkingChanged {
		if err := next.Chunking.Policy().Validate(); err != nil {
			return d, fmt.Errorf("app: apply config: %w", err)
		}
	}

	if router != nil {
		a.orch.SetRouter(router)
	}
	if d.ProfileChanged {
		a.profiles.SetPolicy(next.Profile.Policy())
	}
	if d.RetrievalChanged {
		// Validated above.
		_ = a.retriever.SetLimits(next.Retrieval.Limits())
	}
	if d.ChunkingChanged {
		_ = a.writer.SetChunking(next.Chunking.Policy())
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(observe.ParseLevel(string(d.NewLogLevel)))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}

	// Keep the restart-only sections as they are running.
	merged := *a.cfg
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Router = next.Router
	merged.Personas = next.Personas
	merged.Profile = next.Profile
	merged.Retrieval = next.Retrieval
	merged.Chunking = next.Chunking
	a.cfg = &merged

	slog.Info("config reloaded",
		"router", d.RouterChanged,
		"profile", d.ProfileChanged,
		"retrieval", d.RetrievalChanged,
		"chunking", d.ChunkingChanged,
		"log_level", d.LogLevelChanged,
	)
	return d, nil
}

// OnConfigChange adapts [App.ApplyConfig] to [config.NewWatcher].
func (a *App) OnConfigChange(_, next *config.Config) {
	if _, err := a.ApplyConfig(next); err != nil {
		slog.Error("config reload rejected", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on the configured address and, when enabled, runs
// the consolidator until ctx is cancelled. telemetry may be nil, in which
// case /metrics is not served.
func (a *App) Run(ctx context.Context, telemetry *observe.Telemetry) error {
	cfg := a.Config()
	if cfg.Memory.Consolidation.Enabled {
		a.consolidator.Start(ctx)
		a.closers = append(a.closers, func() error { a.consolidator.Stop(); return nil })
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(telemetry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order, then releases
// the providers. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		closers := slices.Clone(a.closers)
		slices.Reverse(closers)
		closers = append(closers, a.providers.closers...)
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
