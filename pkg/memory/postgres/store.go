package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/sarathi/pkg/memory"
)

var _ memory.VectorStore = (*Store)(nil)

// Store is a [memory.VectorStore] backed by a [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Upsert implements [memory.VectorStore]. All entries are sent in one batch.
func (s *Store) Upsert(ctx context.Context, c memory.Collection, entries ...memory.Entry) error {
	if err := memory.CheckEntries(c, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	const q = `
		INSERT INTO memory_entries (collection, id, text, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, now())
		ON CONFLICT (collection, id) DO UPDATE SET
		    text       = EXCLUDED.text,
		    embedding  = EXCLUDED.embedding,
		    metadata   = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, e := range entries {
		md := e.Metadata
		if md == nil {
			md = map[string]string{}
		}
		batch.Queue(q, string(c), e.ID, e.Text, pgvector.NewVector(e.Vector), md)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres store: upsert %s/%s: %w", c, e.ID, err)
		}
	}
	return nil
}

// where builds the WHERE clause for collection c and filter, appending its
// parameters to args.
func where(c memory.Collection, filter memory.Filter, args *[]any) string {
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	clause := "collection = " + next(string(c))
	if len(filter) > 0 {
		clause += " AND metadata @> " + next(map[string]string(filter)) + "::jsonb"
	}
	return clause
}

// Query implements [memory.VectorStore].
func (s *Store) Query(ctx context.Context, c memory.Collection, vector []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	if err := memory.CheckQuery(c, vector, k); err != nil {
		return nil, err
	}
	if k == 0 {
		return []memory.Match{}, nil
	}

	args := []any{pgvector.NewVector(vector)} // $1 = query vector
	clause := where(c, filter, &args)
	args = append(args, k)
	q := fmt.Sprintf(`
		SELECT id, text, embedding, metadata, 1 - (embedding <=> $1) AS similarity
		FROM   memory_entries
		WHERE  %s
		ORDER  BY embedding <=> $1, id
		LIMIT  $%d`, clause, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %s: %w", c, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Match, error) {
		var (
			m   memory.Match
			vec pgvector.Vector
			sim float64
		)
		if err := row.Scan(&m.ID, &m.Text, &vec, &m.Metadata, &sim); err != nil {
			return memory.Match{}, err
		}
		m.Vector = vec.Slice()
		m.Similarity = float32(sim)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s: %w", c, err)
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	memory.SortMatches(matches)
	return matches, nil
}

// Get implements [memory.VectorStore].
func (s *Store) Get(ctx context.Context, c memory.Collection, id string) (memory.Entry, error) {
	if err := memory.CheckCollection(c); err != nil {
		return memory.Entry{}, err
	}
	const q = `SELECT id, text, embedding, metadata FROM memory_entries WHERE collection = $1 AND id = $2`
	var (
		e   memory.Entry
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, string(c), id).Scan(&e.ID, &e.Text, &vec, &e.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Entry{}, fmt.Errorf("postgres store: get %s/%s: %w", c, id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Entry{}, fmt.Errorf("postgres store: get %s/%s: %w", c, id, err)
	}
	e.Vector = vec.Slice()
	return e, nil
}

// List implements [memory.VectorStore].
func (s *Store) List(ctx context.Context, c memory.Collection, filter memory.Filter) ([]memory.Entry, error) {
	if err := memory.CheckCollection(c); err != nil {
		return nil, err
	}
	var args []any
	q := `SELECT id, text, embedding, metadata FROM memory_entries WHERE ` + where(c, filter, &args) + ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list %s: %w", c, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e   memory.Entry
			vec pgvector.Vector
		)
		if err := row.Scan(&e.ID, &e.Text, &vec, &e.Metadata); err != nil {
			return memory.Entry{}, err
		}
		e.Vector = vec.Slice()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s: %w", c, err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// Count implements [memory.VectorStore].
func (s *Store) Count(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := memory.CheckCollection(c); err != nil {
		return 0, err
	}
	var args []any
	q := `SELECT count(*) FROM memory_entries WHERE ` + where(c, filter, &args)
	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count %s: %w", c, err)
	}
	return n, nil
}

// Delete implements [memory.VectorStore].
func (s *Store) Delete(ctx context.Context, c memory.Collection, ids ...string) error {
	if err := memory.CheckCollection(c); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	const q = `DELETE FROM memory_entries WHERE collection = $1 AND id = ANY($2)`
	if _, err := s.pool.Exec(ctx, q, string(c), ids); err != nil {
		return fmt.Errorf("postgres store: delete from %s: %w", c, err)
	}
	return nil
}

// DeleteWhere implements [memory.VectorStore].
func (s *Store) DeleteWhere(ctx context.Context, c memory.Collection, filter memory.Filter) (int, error) {
	if err := memory.CheckCollection(c); err != nil {
		return 0, err
	}
	if err := memory.CheckFilter(filter); err != nil {
		return 0, err
	}
	var args []any
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_entries WHERE `+where(c, filter, &args), args...)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete where %s: %w", c, err)
	}
	return int(tag.RowsAffected()), nil
}
