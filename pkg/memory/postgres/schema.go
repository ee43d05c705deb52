// Package postgres provides a PostgreSQL + pgvector implementation of
// [memory.VectorStore].
//
// All collections share a single table keyed by (collection, id). Metadata is
// stored as JSONB and filtered with the containment operator, and similarity
// is ranked with pgvector's cosine distance operator over an HNSW index. The
// index is approximate, so a heavily filtered query may return fewer than k
// rows even when more exist.
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Upsert(ctx, memory.ConversationTurns, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddl returns the schema with the embedding dimension substituted. The
// dimension is baked into the column type at creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_entries (
    collection  TEXT         NOT NULL,
    id          TEXT         NOT NULL,
    text        TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d)   NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_memory_entries_metadata
    ON memory_entries USING GIN (metadata jsonb_path_ops);

CREATE INDEX IF NOT EXISTS idx_memory_entries_user
    ON memory_entries (collection, (metadata->>'user_id'));

CREATE INDEX IF NOT EXISTS idx_memory_entries_embedding
    ON memory_entries USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the extension, table and indexes if they do not exist. It
// is idempotent and safe to call on every start.
//
// embeddingDimensions must match the configured embedding model. Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
