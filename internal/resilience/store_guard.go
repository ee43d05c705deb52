package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

// StoreGuard wraps a [memory.VectorStore] behind a [CircuitBreaker]. Errors
// are still returned to the caller, who decides how to degrade, but a store
// that keeps failing is short-circuited instead of being waited on for every
// request. Reads rejected by an open breaker match [types.ErrRetrievalFailure],
// writes match [types.ErrPersistenceFailure].
//
// StoreGuard implements [memory.VectorStore] and is safe for concurrent use.
type StoreGuard struct {
	store   memory.VectorStore
	breaker *CircuitBreaker

	mu      sync.Mutex
	lastErr error
	since   time.Time
	now     func() time.Time
}

var _ memory.VectorStore = (*StoreGuard)(nil)

// NewStoreGuard wraps store. cfg.Name defaults to "vector-store".
func NewStoreGuard(store memory.VectorStore, cfg CircuitBreakerConfig) *StoreGuard {
	if cfg.Name == "" {
		cfg.Name = "vector-store"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = CountsAsFailure
	}
	// A missing entry is an answer, not an outage.
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, memory.ErrNotFound) && isFailure(err)
	}
	return &StoreGuard{
		store:   store,
		breaker: NewCircuitBreaker(cfg),
		now:     now,
	}
}

// Healthy returns nil when the last store call succeeded, otherwise the error
// it failed with.
func (g *StoreGuard) Healthy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastErr == nil {
		return nil
	}
	return fmt.Errorf("vector store degraded since %s: %w", g.since.Format(time.RFC3339), g.lastErr)
}

// State returns the breaker state.
func (g *StoreGuard) State() State { return g.breaker.State() }

func (g *StoreGuard) run(op string, kind error, fn func() error) error {
	err := g.breaker.Execute(fn)
	switch {
	case err == nil, errors.Is(err, memory.ErrNotFound):
		g.mark(nil)
		return err
	case errors.Is(err, ErrCircuitOpen):
		return fmt.Errorf("memory %s: %w: %w", op, kind, err)
	case !g.breaker.isFailure(err):
		return err
	}
	g.mark(err)
	slog.Warn("vector store call failed", "op", op, "err", err)
	return err
}

func (g *StoreGuard) mark(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.lastErr = nil
		return
	}
	if g.lastErr == nil {
		g.since = g.now()
	}
	g.lastErr = err
}

// Upsert implements [memory.VectorStore].
func (g *StoreGuard) Upsert(ctx context.Context, c memory.Collection, entries ...memory.Entry) error {
	return g.run("upsert", types.ErrPersistenceFailure, func() error {
		return g.store.Upsert(ctx, c, entries...)
	})
}

// Query implements [memory.VectorStore].
func (g *StoreGuard) Query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	var out []memory.Match
	err := g.run("query", types.ErrRetrievalFailure, func() error {
		var err error
		out, err = g.store.Query(ctx, c, vector, k, filter)
		return err
	})
	return out, err
}

// Get implements [memory.VectorStore].
func (g *StoreGuard) Get(ctx context.Context, c memory.Collection, id string) (memory.Entry, error) {
	var out memory.Entry
	err := g.run("get", types.ErrRetrievalFailure, func() error {
		var err error
		out, err = g.store.Get(ctx, c, id)
		return err
	})
	return out, err
}

// List implements [memory.VectorStore].
func (g *StoreGuard) List(ctx context.Context, c memory.Collection, filter memory.Filter) ([]memory.Entry, error) {
	var out []memory.Entry
	err := g.run("list", types.ErrRetrievalFailure, func() error {
		var err error
		out, err = g.store.List(ctx, c, filter)
		return err
	})
	return out, err
}

// Count implements [memory.VectorStore].
func (g *StoreGuard) Count(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	var n int
	err := g.run("count", types.ErrRetrievalFailure, func() error {
		var err error
		n, err = g.store.Count(ctx, c, filter)
		return err
	})
	return n, err
}

// Delete implements [memory.VectorStore].
func (g *StoreGuard) Delete(ctx context.Context, c memory.Collection, ids ...string) error {
	return g.run("delete", types.ErrPersistenceFailure, func() error {
		return g.store.Delete(ctx, c, ids...)
	})
}

// DeleteWhere implements [memory.VectorStore].
func (g *StoreGuard) DeleteWhere(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	var n int
	err := g.run("delete_where", types.ErrPersistenceFailure, func() error {
		var err error
		n, err = g.store.DeleteWhere(ctx, c, filter)
		return err
	})
	return n, err
}

// Close closes the wrapped store.
func (g *StoreGuard) Close() error {
	return g.store.Close()
}
