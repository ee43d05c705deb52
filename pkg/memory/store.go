// Package memory defines the VectorStore abstraction that holds every piece
// of long-term state in sarathi.
//
// State is organised as named [Collection]s, one per concern: conversation
// turns, document chunks, user profiles, the interaction log, shared
// knowledge and sessions. Each collection holds [Entry] values made of an id,
// an embedding vector, the embedded text, and flat string metadata. Queries
// rank entries by cosine similarity and filter them by exact metadata match.
//
// Backends live in sub-packages: memstore (in-process), chromem (embedded
// chromem-go database, optionally persisted to disk) and postgres (pgvector).
// A call-recording test double lives in mock.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/sarathi/pkg/types"
)

// Collection names a logical group of entries sharing one embedding space.
type Collection string

const (
	// Documents holds chunks of user-uploaded documents.
	Documents Collection = "documents"

	// ConversationTurns holds every user and assistant message.
	ConversationTurns Collection = "conversation_turns"

	// UserProfiles holds exactly one entry per user, id profile_{user_id}.
	UserProfiles Collection = "user_profiles"

	// InteractionLog holds the append-only audit trail of exchanges.
	InteractionLog Collection = "interaction_log"

	// SharedKnowledge holds content readable by every user and persona.
	SharedKnowledge Collection = "shared_knowledge"

	// Sessions holds conversation session state keyed by session id.
	Sessions Collection = "sessions"
)

// Collections returns every collection in a stable order.
func Collections() []Collection {
	return []Collection{Documents, ConversationTurns, UserProfiles, InteractionLog, SharedKnowledge, Sessions}
}

// IsValid reports whether c is one of the known collections.
func (c Collection) IsValid() bool {
	return slices.Contains(Collections(), c)
}

// Well-known metadata keys. Producers may add their own keys; all values are
// strings so every backend can filter on them.
const (
	KeyUserID      = "user_id"
	KeyPersona     = "persona"
	KeyRole        = "role"
	KeyTimestamp   = "timestamp"
	KeySessionID   = "session_id"
	KeyDocID       = "doc_id"
	KeyChunkIndex  = "chunk_index"
	KeyTitle       = "title"
	KeyCategory    = "category"
	KeyKnowledgeID = "knowledge_id"
)

// ErrNotFound is returned by [VectorStore.Get] when no entry has the id.
var ErrNotFound = errors.New("memory: entry not found")

// Entry is one stored item.
type Entry struct {
	// ID is unique within its collection. Upserting an existing id replaces
	// the whole entry.
	ID string

	// Vector is the embedding of Text. All entries of a collection share one
	// dimension.
	Vector []float32

	// Text is the stored document text returned with query results.
	Text string

	// Metadata holds flat string attributes used for filtering.
	Metadata map[string]string
}

// Timestamp parses the RFC 3339 [KeyTimestamp] metadata value. The zero
// time is returned when the key is missing or malformed.
func (e Entry) Timestamp() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.Metadata[KeyTimestamp])
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	out.Vector = slices.Clone(e.Vector)
	out.Metadata = maps.Clone(e.Metadata)
	return out
}

// Match is a query result.
type Match struct {
	Entry

	// Similarity is the cosine similarity between the query and the entry
	// vector, in [-1, 1]. Higher is more similar.
	Similarity float32
}

// Filter restricts an operation to entries whose metadata contains every
// key/value pair. A nil or empty Filter matches all entries.
type Filter map[string]string

// Matches reports whether md satisfies f.
func (f Filter) Matches(md map[string]string) bool {
	for k, v := range f {
		if got, ok := md[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// VectorStore is the storage abstraction shared by all collections.
//
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// Upsert inserts or fully replaces entries by id (last write wins).
	Upsert(ctx context.Context, c Collection, entries ...Entry) error

	// Query returns at most k entries matching filter, ordered by
	// non-increasing cosine similarity to vector with ties broken by
	// ascending id. k == 0 yields an empty result; negative k is a
	// validation error.
	Query(ctx context.Context, c Collection, vector []float32, k int, filter Filter) ([]Match, error)

	// Get returns the entry with the given id or [ErrNotFound].
	Get(ctx context.Context, c Collection, id string) (Entry, error)

	// List returns every entry matching filter ordered by ascending id.
	List(ctx context.Context, c Collection, filter Filter) ([]Entry, error)

	// Count returns the number of entries matching filter.
	Count(ctx context.Context, c Collection, filter Filter) (int, error)

	// Delete removes entries by id. Absent ids are ignored.
	Delete(ctx context.Context, c Collection, ids ...string) error

	// DeleteWhere removes every entry matching a non-empty filter and
	// returns how many were removed.
	DeleteWhere(ctx context.Context, c Collection, filter Filter) (int, error)

	// Close releases backend resources.
	Close() error
}

// CheckCollection returns a validation error for unknown collections.
func CheckCollection(c Collection) error {
	if !c.IsValid() {
		return fmt.Errorf("memory: unknown collection %q: %w", c, types.ErrValidation)
	}
	return nil
}

// CheckQuery validates the arguments shared by every Query implementation.
func CheckQuery(c Collection, vector []float32, k int) error {
	if err := CheckCollection(c); err != nil {
		return err
	}
	if k < 0 {
		return fmt.Errorf("memory: negative k %d: %w", k, types.ErrValidation)
	}
	if k > 0 && len(vector) == 0 {
		return fmt.Errorf("memory: empty query vector: %w", types.ErrValidation)
	}
	return nil
}

// CheckEntries validates entries before they are written.
func CheckEntries(c Collection, entries []Entry) error {
	if err := CheckCollection(c); err != nil {
		return err
	}
	for i, e := range entries {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("memory: entry %d has empty id: %w", i, types.ErrValidation)
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("memory: entry %q has no vector: %w", e.ID, types.ErrValidation)
		}
	}
	return nil
}

// CheckFilter rejects an empty filter where one is required.
func CheckFilter(f Filter) error {
	if len(f) == 0 {
		return fmt.Errorf("memory: empty filter: %w", types.ErrValidation)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero norm have similarity 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortMatches orders matches by descending similarity, then ascending id.
func SortMatches(ms []Match) {
	slices.SortStableFunc(ms, func(a, b Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortEntries orders entries by ascending id.
func SortEntries(es []Entry) {
	slices.SortFunc(es, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
}

// FormatTime renders t the way every producer writes [KeyTimestamp].
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
