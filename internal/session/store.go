package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/types"
)

// DefaultWindow is the number of recent messages a session keeps verbatim.
const DefaultWindow = 40

const keySession = "session"

// Session is the state of one conversation between a user and sarathi.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// Pinned, when set, overrides routing for every message of the session.
	Pinned      agent.Persona `json:"pinned,omitempty"`
	LastPersona agent.Persona `json:"last_persona,omitempty"`

	Turns      int       `json:"turns"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`

	// Summary condenses messages that fell out of Recent.
	Summary string          `json:"summary,omitempty"`
	Recent  []types.Message `json:"recent,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Recent = slices.Clone(s.Recent)
	return out
}

// Text is what gets embedded for a session entry.
func (s Session) Text() string {
	if s.Summary != "" {
		return s.Summary
	}
	var sb strings.Builder
	for _, m := range s.Recent {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Content)
	}
	if sb.Len() == 0 {
		return "session " + s.ID
	}
	return sb.String()
}

// Store persists sessions in the sessions collection keyed by session id.
// It is safe for concurrent use; concurrent saves of one session are last
// write wins.
type Store struct {
	store    memory.VectorStore
	embedder embeddings.Provider
	window   int
	now      func() time.Time
	newID    func() string
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithWindow sets how many recent messages Append keeps. n <= 0 keeps
// [DefaultWindow].
func WithWindow(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the uuid session id generator.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore returns a session Store over store.
func NewStore(store memory.VectorStore, embedder embeddings.Provider, opts ...StoreOption) *Store {
	s := &Store{
		store:    store,
		embedder: embedder,
		window:   DefaultWindow,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open loads the session with id, or starts a new one for userID when it
// does not exist yet. An empty id always starts a new session with a
// generated id. A session that belongs to another user is rejected with
// [types.ErrValidation]. New sessions are not saved until [Store.Save].
func (s *Store) Open(ctx context.Context, userID, id string) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, fmt.Errorf("session: open: empty user id: %w", types.ErrValidation)
	}
	if id != "" {
		sess, err := s.Load(ctx, id)
		switch {
		case err == nil:
			if sess.UserID != userID {
				return Session{}, fmt.Errorf("session: open %q: belongs to another user: %w", id, types.ErrValidation)
			}
			return sess, nil
		case !errors.Is(err, memory.ErrNotFound):
			return Session{}, err
		}
	} else {
		id = s.newID()
	}
	now := s.now()
	return Session{ID: id, UserID: userID, StartedAt: now, LastActive: now}, nil
}

// Load returns the stored session. A missing session yields an error
// wrapping [memory.ErrNotFound].
func (s *Store) Load(ctx context.Context, id string) (Session, error) {
	e, err := s.store.Get(ctx, memory.Sessions, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return Session{}, fmt.Errorf("session: load %q: %w", id, err)
		}
		return Session{}, fmt.Errorf("session: load %q: %w: %w", id, types.ErrRetrievalFailure, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(e.Metadata[keySession]), &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode %q: %w: %w", id, types.ErrRetrievalFailure, err)
	}
	return sess, nil
}

// Append adds msgs to the recent window, trims it to the configured size
// and bumps LastActive. It does not persist anything.
func (s *Store) Append(sess Session, persona agent.Persona, msgs ...types.Message) Session {
	out := sess.Clone()
	out.Recent = append(out.Recent, msgs...)
	if over := len(out.Recent) - s.window; over > 0 {
		out.Recent = slices.Clone(out.Recent[over:])
	}
	out.Turns++
	if persona != "" {
		out.LastPersona = persona
	}
	out.LastActive = s.now()
	return out
}

// Save writes sess to the sessions collection.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if sess.ID == "" || sess.UserID == "" {
		return fmt.Errorf("session: save: missing id or user: %w", types.ErrValidation)
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", sess.ID, err)
	}
	text := sess.Text()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("session: embed %q: %w", sess.ID, err)
	}
	md := map[string]string{
		memory.KeyUserID:    sess.UserID,
		memory.KeySessionID: sess.ID,
		memory.KeyTimestamp: memory.FormatTime(sess.LastActive),
		keySession:          string(doc),
	}
	if sess.LastPersona != "" {
		md[memory.KeyPersona] = string(sess.LastPersona)
	}
	err = s.store.Upsert(ctx, memory.Sessions, memory.Entry{ID: sess.ID, Vector: vec, Text: text, Metadata: md})
	if err != nil {
		return fmt.Errorf("session: save %q: %w: %w", sess.ID, types.ErrPersistenceFailure, err)
	}
	return nil
}

// Pin loads the session, pins persona (empty unpins) and saves it.
func (s *Store) Pin(ctx context.Context, id string, persona agent.Persona) (Session, error) {
	if persona != "" && !persona.IsValid() {
		return Session{}, fmt.Errorf("session: pin %q: persona %q: %w", id, persona, types.ErrValidation)
	}
	sess, err := s.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Pinned = persona
	if err := s.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Delete removes the session. Missing sessions are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, memory.Sessions, id); err != nil {
		return fmt.Errorf("session: delete %q: %w: %w", id, types.ErrPersistenceFailure, err)
	}
	return nil
}

// ListForUser returns userID's sessions, most recently active first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	entries, err := s.store.List(ctx, memory.Sessions, memory.Filter{memory.KeyUserID: userID})
	if err != nil {
		return nil, fmt.Errorf("session: list %q: %w: %w", userID, types.ErrRetrievalFailure, err)
	}
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		var sess Session
		if err := json.Unmarshal([]byte(e.Metadata[keySession]), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	slices.SortStableFunc(out, func(a, b Session) int {
		return b.LastActive.Compare(a.LastActive)
	})
	return out, nil
}
