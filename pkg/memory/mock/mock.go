// Package mock provides a call-recording test double for [memory.VectorStore].
//
// The mock stores data in a real in-process [memstore.Store], so reads see
// earlier writes, and every call is recorded for assertion. Each method has
// an *Err field; when non-nil the call is recorded and the error returned
// without touching the backing store. The mock is safe for concurrent use.
//
// Typical usage:
//
//	store := mock.New()
//	store.QueryErr = errors.New("down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Query"); got != 1 {
//	    t.Errorf("expected 1 Query call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/memory/memstore"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.VectorStore].
type Store struct {
	mu    sync.Mutex
	calls []Call
	inner *memstore.Store

	UpsertErr      error
	QueryErr       error
	GetErr         error
	ListErr        error
	CountErr       error
	DeleteErr      error
	DeleteWhereErr error
	CloseErr       error
}

var _ memory.VectorStore = (*Store)(nil)

// New returns an empty mock store.
func New() *Store {
	return &Store{inner: memstore.New()}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or error
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record appends a call and returns the configured error for it.
func (m *Store) record(method string, err *error, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner == nil {
		m.inner = memstore.New()
	}
	m.calls = append(m.calls, Call{Method: method, Args: args})
	return *err
}

// backing returns the store behind the mock, creating it for zero values.
func (m *Store) backing() *memstore.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner == nil {
		m.inner = memstore.New()
	}
	return m.inner
}

// Upsert implements [memory.VectorStore].
func (m *Store) Upsert(ctx context.Context, c memory.Collection, entries ...memory.Entry) error {
	if err := m.record("Upsert", &m.UpsertErr, c, entries); err != nil {
		return err
	}
	return m.backing().Upsert(ctx, c, entries...)
}

// Query implements [memory.VectorStore].
func (m *Store) Query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	if err := m.record("Query", &m.QueryErr, c, vector, k, filter); err != nil {
		return nil, err
	}
	return m.backing().Query(ctx, c, vector, k, filter)
}

// Get implements [memory.VectorStore].
func (m *Store) Get(ctx context.Context, c memory.Collection, id string) (memory.Entry, error) {
	if err := m.record("Get", &m.GetErr, c, id); err != nil {
		return memory.Entry{}, err
	}
	return m.backing().Get(ctx, c, id)
}

// List implements [memory.VectorStore].
func (m *Store) List(ctx context.Context, c memory.Collection, filter memory.Filter) ([]memory.Entry, error) {
	if err := m.record("List", &m.ListErr, c, filter); err != nil {
		return nil, err
	}
	return m.backing().List(ctx, c, filter)
}

// Count implements [memory.VectorStore].
func (m *Store) Count(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := m.record("Count", &m.CountErr, c, filter); err != nil {
		return 0, err
	}
	return m.backing().Count(ctx, c, filter)
}

// Delete implements [memory.VectorStore].
func (m *Store) Delete(ctx context.Context, c memory.Collection, ids ...string) error {
	if err := m.record("Delete", &m.DeleteErr, c, ids); err != nil {
		return err
	}
	return m.backing().Delete(ctx, c, ids...)
}

// DeleteWhere implements [memory.VectorStore].
func (m *Store) DeleteWhere(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := m.record("DeleteWhere", &m.DeleteWhereErr, c, filter); err != nil {
		return 0, err
	}
	return m.backing().DeleteWhere(ctx, c, filter)
}

// Close implements [memory.VectorStore]. Data stays readable afterwards.
func (m *Store) Close() error {
	return m.record("Close", &m.CloseErr)
}
