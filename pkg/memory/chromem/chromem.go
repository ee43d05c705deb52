// Package chromem provides a [memory.VectorStore] backed by chromem-go, a
// pure Go embedded vector database.
//
// Each [memory.Collection] maps to one chromem collection. With [WithPath]
// the database is persisted to a directory (one gob file per document) and
// reloaded on start; otherwise it lives in memory only. Embeddings are always
// supplied by the caller, so the collections are created with an embedding
// function that refuses to run.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

var _ memory.VectorStore = (*Store)(nil)

// errNoEmbedder is returned if chromem ever tries to embed on its own.
var errNoEmbedder = errors.New("chromem store: documents must carry precomputed embeddings")

// Store wraps a chromem DB. All methods are safe for concurrent use.
type Store struct {
	db   *chromem.DB
	dims int

	mu   sync.RWMutex
	cols map[memory.Collection]*chromem.Collection
}

type config struct {
	path     string
	compress bool
}

// Option configures a Store.
type Option func(*config)

// WithPath persists the database under dir.
func WithPath(dir string) Option {
	return func(c *config) { c.path = dir }
}

// WithCompression gzips persisted documents. Only meaningful with [WithPath].
func WithCompression(on bool) Option {
	return func(c *config) { c.compress = on }
}

// New opens a store whose entries have dims-dimensional vectors.
func New(dims int, opts ...Option) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("chromem store: dimensions must be positive, got %d", dims)
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	var db *chromem.DB
	if cfg.path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.path, cfg.compress)
		if err != nil {
			return nil, fmt.Errorf("chromem store: open %s: %w", cfg.path, err)
		}
	}
	return &Store{db: db, dims: dims, cols: make(map[memory.Collection]*chromem.Collection)}, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// collection returns the chromem collection for c, creating it on first use.
func (s *Store) collection(c memory.Collection) (*chromem.Collection, error) {
	if err := memory.CheckCollection(c); err != nil {
		return nil, err
	}
	s.mu.RLock()
	col, ok := s.cols[c]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.cols[c]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(string(c), nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("chromem store: collection %s: %w", c, err)
	}
	s.cols[c] = col
	return col, nil
}

func (s *Store) checkDims(v []float32) error {
	if len(v) != s.dims {
		return fmt.Errorf("chromem store: vector has %d dimensions, want %d: %w", len(v), s.dims, types.ErrValidation)
	}
	return nil
}

// Upsert implements [memory.VectorStore]. chromem replaces documents with an
// existing id.
func (s *Store) Upsert(ctx context.Context, c memory.Collection, entries ...memory.Entry) error {
	if err := memory.CheckEntries(c, entries); err != nil {
		return err
	}
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.checkDims(e.Vector); err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        e.ID,
			Content:   e.Text,
			Embedding: slices.Clone(e.Vector),
			Metadata:  cloneMap(e.Metadata),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("chromem store: upsert %s/%s: %w", c, e.ID, err)
		}
	}
	return nil
}

// Query implements [memory.VectorStore].
func (s *Store) Query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	if err := memory.CheckQuery(c, vector, k); err != nil {
		return nil, err
	}
	if k == 0 {
		return []memory.Match{}, nil
	}
	if err := s.checkDims(vector); err != nil {
		return nil, err
	}
	results, err := s.query(ctx, c, vector, k, filter)
	if err != nil {
		return nil, err
	}

	out := make([]memory.Match, 0, len(results))
	for _, r := range results {
		out = append(out, memory.Match{Entry: fromResult(r), Similarity: r.Similarity})
	}
	memory.SortMatches(out)
	return out, nil
}

// query runs QueryEmbedding with nResults clamped to the collection size,
// which chromem requires.
func (s *Store) query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]chromem.Result, error) {
	col, err := s.collection(c)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		n := min(k, col.Count())
		if n == 0 {
			return nil, nil
		}
		var res []chromem.Result
		res, err = col.QueryEmbedding(ctx, vector, n, filter, nil)
		if err == nil {
			return res, nil
		}
		// A concurrent delete may shrink the collection between Count
		// and QueryEmbedding; one retry with the new size covers it.
	}
	return nil, fmt.Errorf("chromem store: query %s: %w", c, err)
}

// Get implements [memory.VectorStore].
func (s *Store) Get(ctx context.Context, c memory.Collection, id string) (memory.Entry, error) {
	col, err := s.collection(c)
	if err != nil {
		return memory.Entry{}, err
	}
	if id == "" {
		return memory.Entry{}, fmt.Errorf("chromem store: get %s: %w", c, memory.ErrNotFound)
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		// GetByID only fails for empty or unknown ids.
		return memory.Entry{}, fmt.Errorf("chromem store: get %s/%s: %w", c, id, memory.ErrNotFound)
	}
	return memory.Entry{
		ID:       doc.ID,
		Vector:   slices.Clone(doc.Embedding),
		Text:     doc.Content,
		Metadata: cloneMap(doc.Metadata),
	}, nil
}

// List implements [memory.VectorStore]. chromem has no scan API, so List
// queries with a fixed unit vector and every document as the result budget.
func (s *Store) List(ctx context.Context, c memory.Collection, filter memory.Filter) ([]memory.Entry, error) {
	col, err := s.collection(c)
	if err != nil {
		return nil, err
	}
	unit := make([]float32, s.dims)
	unit[0] = 1
	results, err := s.query(ctx, c, unit, max(col.Count(), 1), filter)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Entry, 0, len(results))
	for _, r := range results {
		out = append(out, fromResult(r))
	}
	memory.SortEntries(out)
	return out, nil
}

// Count implements [memory.VectorStore].
func (s *Store) Count(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	col, err := s.collection(c)
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return col.Count(), nil
	}
	entries, err := s.List(ctx, c, filter)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Delete implements [memory.VectorStore]. Unknown ids are skipped before
// calling chromem, whose persistent mode fails on missing files.
func (s *Store) Delete(ctx context.Context, c memory.Collection, ids ...string) error {
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := col.GetByID(ctx, id); err == nil {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, present...); err != nil {
		return fmt.Errorf("chromem store: delete from %s: %w", c, err)
	}
	return nil
}

// DeleteWhere implements [memory.VectorStore].
func (s *Store) DeleteWhere(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := memory.CheckFilter(filter); err != nil {
		return 0, err
	}
	entries, err := s.List(ctx, c, filter)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.Delete(ctx, c, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close implements [memory.VectorStore]. Persistent databases write each
// document on insert, so there is nothing to flush.
func (s *Store) Close() error { return nil }

func fromResult(r chromem.Result) memory.Entry {
	return memory.Entry{
		ID:       r.ID,
		Vector:   slices.Clone(r.Embedding),
		Text:     r.Content,
		Metadata: cloneMap(r.Metadata),
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
