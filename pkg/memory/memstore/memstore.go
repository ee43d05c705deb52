// Package memstore provides an in-process, brute-force implementation of
// [memory.VectorStore].
//
// Every query scans the whole collection, which is fine for tests, the CLI,
// and single-user deployments with a few thousand entries. Nothing is
// persisted; use the chromem backend with a path for durability.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/sarathi/pkg/memory"
)

var _ memory.VectorStore = (*Store)(nil)

// Store keeps all collections in maps guarded by a single RWMutex.
// Entries are copied on the way in and out. The zero value is not usable;
// call [New].
type Store struct {
	mu   sync.RWMutex
	data map[memory.Collection]map[string]memory.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[memory.Collection]map[string]memory.Entry)}
}

// Upsert implements [memory.VectorStore].
func (s *Store) Upsert(ctx context.Context, c memory.Collection, entries ...memory.Entry) error {
	if err := memory.CheckEntries(c, entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memstore: upsert: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.data[c]
	if col == nil {
		col = make(map[string]memory.Entry)
		s.data[c] = col
	}
	for _, e := range entries {
		col[e.ID] = e.Clone()
	}
	return nil
}

// Query implements [memory.VectorStore].
func (s *Store) Query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	if err := memory.CheckQuery(c, vector, k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore: query: %w", err)
	}
	if k == 0 {
		return []memory.Match{}, nil
	}

	s.mu.RLock()
	matches := make([]memory.Match, 0, len(s.data[c]))
	for _, e := range s.data[c] {
		if !filter.Matches(e.Metadata) {
			continue
		}
		matches = append(matches, memory.Match{Entry: e.Clone(), Similarity: memory.Cosine(vector, e.Vector)})
	}
	s.mu.RUnlock()

	memory.SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Get implements [memory.VectorStore].
func (s *Store) Get(_ context.Context, c memory.Collection, id string) (memory.Entry, error) {
	if err := memory.CheckCollection(c); err != nil {
		return memory.Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[c][id]
	if !ok {
		return memory.Entry{}, fmt.Errorf("memstore: get %s/%s: %w", c, id, memory.ErrNotFound)
	}
	return e.Clone(), nil
}

// List implements [memory.VectorStore].
func (s *Store) List(_ context.Context, c memory.Collection, filter memory.Filter) ([]memory.Entry, error) {
	if err := memory.CheckCollection(c); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]memory.Entry, 0, len(s.data[c]))
	for _, e := range s.data[c] {
		if filter.Matches(e.Metadata) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()
	memory.SortEntries(out)
	return out, nil
}

// Count implements [memory.VectorStore].
func (s *Store) Count(_ context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := memory.CheckCollection(c); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(filter) == 0 {
		return len(s.data[c]), nil
	}
	n := 0
	for _, e := range s.data[c] {
		if filter.Matches(e.Metadata) {
			n++
		}
	}
	return n, nil
}

// Delete implements [memory.VectorStore].
func (s *Store) Delete(_ context.Context, c memory.Collection, ids ...string) error {
	if err := memory.CheckCollection(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.data[c], id)
	}
	return nil
}

// DeleteWhere implements [memory.VectorStore].
func (s *Store) DeleteWhere(_ context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := memory.CheckCollection(c); err != nil {
		return 0, err
	}
	if err := memory.CheckFilter(filter); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.data[c] {
		if filter.Matches(e.Metadata) {
			delete(s.data[c], id)
			n++
		}
	}
	return n, nil
}

// Close implements [memory.VectorStore]. It is a no-op.
func (s *Store) Close() error { return nil }
