// Package recorder persists everything a conversation produces: chat turns,
// uploaded documents, the interaction audit log and shared knowledge.
//
// Every text is embedded before it is written so it can later be retrieved
// by similarity. Long texts are split into overlapping word windows by a
// [chunk.Policy]; each window becomes its own entry with a chunk_index.
// Writes are append-only except for documents, which are replaced as a
// whole when the same document id is recorded again.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/pkg/chunk"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Metadata keys specific to the interaction log.
const (
	KeyInteractionID   = "interaction_id"
	KeyInteractionType = "interaction_type"
)

// TurnInput describes one conversation message.
type TurnInput struct {
	UserID  string
	Persona agent.Persona
	Role    types.Role
	Content string

	// SessionID is optional.
	SessionID string

	// Metadata is copied onto every chunk. It cannot override the
	// well-known keys.
	Metadata map[string]string

	// At is the message time. Zero means now.
	At time.Time
}

// InteractionInput describes one completed exchange for the audit log.
type InteractionInput struct {
	UserID      string
	Persona     agent.Persona
	UserMessage string
	Response    string

	// Context is a JSON-encodable snapshot of what grounded the response.
	Context map[string]any

	// At is the exchange time. Zero means now.
	At time.Time
}

// Writer writes to the conversation_turns, documents, interaction_log and
// shared_knowledge collections. It is safe for concurrent use.
type Writer struct {
	store    memory.VectorStore
	embedder embeddings.Provider
	profiles *profile.Manager
	chunking atomic.Pointer[chunk.Policy]
	metrics  *observe.Metrics
	now      func() time.Time
	newID    func() string
}

// Option configures a [Writer].
type Option func(*Writer)

// WithChunking sets the chunking policy. Invalid policies are ignored.
func WithChunking(p chunk.Policy) Option {
	return func(w *Writer) {
		if p.Validate() == nil {
			w.chunking.Store(&p)
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithIDGenerator overrides the random UUID generator used for turn,
// interaction and knowledge ids.
func WithIDGenerator(gen func() string) Option {
	return func(w *Writer) { w.newID = gen }
}

// New returns a Writer. profiles may be nil, in which case interactions do
// not enrich profiles.
func New(store memory.VectorStore, embedder embeddings.Provider, profiles *profile.Manager, opts ...Option) *Writer {
	w := &Writer{
		store:    store,
		embedder: embedder,
		profiles: profiles,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	def := chunk.Default()
	w.chunking.Store(&def)
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// SetChunking swaps the chunking policy for subsequent writes.
func (w *Writer) SetChunking(p chunk.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	w.chunking.Store(&p)
	return nil
}

// Chunking returns the policy in effect.
func (w *Writer) Chunking() chunk.Policy {
	return *w.chunking.Load()
}

// RecordTurn stores one message and returns the ids written. Content that
// fits one chunk is stored as a single entry; longer content is chunked and
// every chunk id gets an _{i} suffix.
func (w *Writer) RecordTurn(ctx context.Context, in TurnInput) ([]string, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("recorder: record turn: empty content: %w", types.ErrValidation)
	}
	switch in.Role {
	case types.RoleUser, types.RoleAssistant, types.RoleSummary:
	default:
		return nil, fmt.Errorf("recorder: record turn: role %q: %w", in.Role, types.ErrValidation)
	}
	if in.Persona != "" && !in.Persona.IsValid() {
		return nil, fmt.Errorf("recorder: record turn: persona %q: %w", in.Persona, types.ErrValidation)
	}

	base := map[string]string{
		memory.KeyUserID:    in.UserID,
		memory.KeyRole:      string(in.Role),
		memory.KeyTimestamp: memory.FormatTime(w.at(in.At)),
	}
	if in.Persona != "" {
		base[memory.KeyPersona] = string(in.Persona)
	}
	if in.SessionID != "" {
		base[memory.KeySessionID] = in.SessionID
	}

	pol := w.Chunking()
	parts := []string{in.Content}
	if !pol.Fits(in.Content) {
		parts = pol.Split(in.Content)
	}
	id := w.newID()
	ids := make([]string, len(parts))
	for i := range parts {
		ids[i] = id
		if len(parts) > 1 {
			ids[i] = id + "_" + strconv.Itoa(i)
		}
	}
	if err := w.write(ctx, memory.ConversationTurns, ids, parts, in.Metadata, base); err != nil {
		return nil, fmt.Errorf("recorder: record turn for %q: %w", in.UserID, err)
	}
	return ids, nil
}

// RecordDocument chunks text and stores it under documentID, replacing any
// chunks userID previously stored for that document. Chunk ids are
// {userID}/{documentID}_{i}, so two users may reuse a document id without
// touching each other's chunks. An empty documentID gets a generated one.
// Empty text writes nothing and is not an error.
//
// The new chunks are written before the old tail is trimmed, so a failed
// write leaves the previous version readable.
func (w *Writer) RecordDocument(ctx context.Context, userID, documentID, text string, md map[string]string) ([]string, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(documentID) == "" {
		documentID = w.newID()
	}
	if strings.Contains(documentID, "/") {
		return nil, fmt.Errorf("recorder: record document: id %q contains '/': %w", documentID, types.ErrValidation)
	}
	parts := w.Chunking().Split(text)
	if len(parts) == 0 {
		return nil, nil
	}

	base := map[string]string{
		memory.KeyUserID:    userID,
		memory.KeyDocID:     documentID,
		memory.KeyTimestamp: memory.FormatTime(w.now()),
	}
	ids := make([]string, len(parts))
	for i := range parts {
		ids[i] = ChunkID(userID, documentID, i)
	}
	if err := w.write(ctx, memory.Documents, ids, parts, md, base); err != nil {
		return nil, fmt.Errorf("recorder: record document %q: %w", documentID, err)
	}
	if err := w.trimDocument(ctx, userID, documentID, ids); err != nil {
		return nil, fmt.Errorf("recorder: record document %q: %w", documentID, err)
	}
	return ids, nil
}

// ChunkID is the entry id of chunk i of userID's document.
func ChunkID(userID, documentID string, i int) string {
	return userID + "/" + documentID + "_" + strconv.Itoa(i)
}

// trimDocument deletes chunks of the document that are not in keep, left
// over from a longer earlier version.
func (w *Writer) trimDocument(ctx context.Context, userID, documentID string, keep []string) error {
	entries, err := w.store.List(ctx, memory.Documents, memory.Filter{
		memory.KeyUserID: userID,
		memory.KeyDocID:  documentID,
	})
	if err != nil {
		return fmt.Errorf("%w: list chunks: %w", types.ErrPersistenceFailure, err)
	}
	var stale []string
	for _, e := range entries {
		if !slices.Contains(keep, e.ID) {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	err = w.store.Delete(ctx, memory.Documents, stale...)
	w.metrics.RecordStoreOp(ctx, string(memory.Documents), "delete", err)
	if err != nil {
		return fmt.Errorf("%w: delete stale chunks: %w", types.ErrPersistenceFailure, err)
	}
	return nil
}

// DeleteDocument removes every chunk of userID's document and returns how
// many were removed.
func (w *Writer) DeleteDocument(ctx context.Context, userID, documentID string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, fmt.Errorf("recorder: delete document: empty document id: %w", types.ErrValidation)
	}
	n, err := w.store.DeleteWhere(ctx, memory.Documents, memory.Filter{
		memory.KeyUserID: userID,
		memory.KeyDocID:  documentID,
	})
	w.metrics.RecordStoreOp(ctx, string(memory.Documents), "delete", err)
	if err != nil {
		return 0, fmt.Errorf("recorder: delete document %q: %w: %w", documentID, types.ErrPersistenceFailure, err)
	}
	return n, nil
}

// RecordInteraction appends one exchange to the interaction log and then
// enriches the user's profile from it. Profile failures are logged, never
// returned.
func (w *Writer) RecordInteraction(ctx context.Context, in InteractionInput) (string, error) {
	if err := requireUser(in.UserID); err != nil {
		return "", err
	}
	if !in.Persona.IsValid() {
		return "", fmt.Errorf("recorder: record interaction: persona %q: %w", in.Persona, types.ErrValidation)
	}
	if strings.TrimSpace(in.UserMessage) == "" {
		return "", fmt.Errorf("recorder: record interaction: empty message: %w", types.ErrValidation)
	}

	id := w.newID()
	base := map[string]string{
		memory.KeyUserID:    in.UserID,
		memory.KeyPersona:   string(in.Persona),
		memory.KeyTimestamp: memory.FormatTime(w.at(in.At)),
		KeyInteractionID:    id,
		KeyInteractionType:  "agent_interaction",
	}
	text := InteractionText(in)
	if err := w.write(ctx, memory.InteractionLog, []string{id}, []string{text}, nil, base); err != nil {
		return "", fmt.Errorf("recorder: record interaction for %q: %w", in.UserID, err)
	}

	if w.profiles != nil {
		if _, err := w.profiles.Update(ctx, in.UserID, in.Persona, in.UserMessage); err != nil {
			observe.Logger(ctx).Warn("profile enrichment failed",
				"user_id", in.UserID,
				"persona", in.Persona,
				"error", err,
			)
		}
	}
	return id, nil
}

// InteractionText renders the searchable text of an interaction record.
func InteractionText(in InteractionInput) string {
	snapshot := []byte("{}")
	if len(in.Context) > 0 {
		if b, err := json.Marshal(in.Context); err == nil {
			snapshot = b
		}
	}
	return strings.Join([]string{
		"Agent: " + string(in.Persona),
		"User message: " + in.UserMessage,
		"Agent response: " + in.Response,
		"Context: " + string(snapshot),
	}, ". ")
}

// AddSharedKnowledge stores content readable by every persona and user and
// returns its knowledge id. Chunk ids are {knowledge_id}_{i}.
func (w *Writer) AddSharedKnowledge(ctx context.Context, content, category string, md map[string]string) (string, error) {
	parts := w.Chunking().Split(content)
	if len(parts) == 0 {
		return "", fmt.Errorf("recorder: add shared knowledge: empty content: %w", types.ErrValidation)
	}
	kid := w.newID()
	base := map[string]string{
		memory.KeyKnowledgeID: kid,
		memory.KeyTimestamp:   memory.FormatTime(w.now()),
	}
	if category != "" {
		base[memory.KeyCategory] = category
	}
	ids := make([]string, len(parts))
	for i := range parts {
		ids[i] = kid + "_" + strconv.Itoa(i)
	}
	if err := w.write(ctx, memory.SharedKnowledge, ids, parts, md, base); err != nil {
		return "", fmt.Errorf("recorder: add shared knowledge: %w", err)
	}
	return kid, nil
}

// write embeds texts and upserts them as entries ids into c. Every entry
// gets extra, then base, then its chunk_index.
func (w *Writer) write(ctx context.Context, c memory.Collection, ids, texts []string, extra, base map[string]string) error {
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embed: %w", types.ErrPersistenceFailure, err)
	}
	entries := make([]memory.Entry, len(texts))
	for i, t := range texts {
		md := make(map[string]string, len(extra)+len(base)+1)
		maps.Copy(md, extra)
		maps.Copy(md, base)
		md[memory.KeyChunkIndex] = strconv.Itoa(i)
		entries[i] = memory.Entry{ID: ids[i], Vector: vecs[i], Text: t, Metadata: md}
	}
	err = w.store.Upsert(ctx, c, entries...)
	w.metrics.RecordStoreOp(ctx, string(c), "upsert", err)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrPersistenceFailure, err)
	}
	return nil
}

func (w *Writer) at(t time.Time) time.Time {
	if t.IsZero() {
		return w.now()
	}
	return t
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("recorder: empty user id: %w", types.ErrValidation)
	}
	return nil
}
