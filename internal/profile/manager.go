package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Metadata keys written next to the JSON document so operators can filter
// and inspect profiles without decoding them.
const (
	keyProfile     = "profile"
	keyProfileType = "profile_type"
	keyName        = "name"
	keyInterests   = "interests"
	keyCareerGoal  = "career_goal"
	keyLanguage    = "preferred_language"
	keyLastActive  = "last_active"
)

// Manager reads and writes profiles in the user_profiles collection.
// It is safe for concurrent use.
type Manager struct {
	store    memory.VectorStore
	embedder embeddings.Provider
	policy   atomic.Pointer[Policy]
	now      func() time.Time
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPolicy replaces the default enrichment policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy.Store(&p) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager over store. embedder should never fail for
// non-empty input; wire a fallback chain in production.
func NewManager(store memory.VectorStore, embedder embeddings.Provider, opts ...Option) *Manager {
	m := &Manager{store: store, embedder: embedder, now: time.Now}
	def := DefaultPolicy()
	m.policy.Store(&def)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the enrichment policy in effect.
func (m *Manager) Policy() Policy {
	return *m.policy.Load()
}

// SetPolicy swaps the enrichment policy. Calls already in flight keep the
// old one.
func (m *Manager) SetPolicy(p Policy) {
	m.policy.Store(&p)
}

// Get returns userID's profile, or a profile with only UserID set when none
// exists. Store failures are logged and also yield that zero profile; only
// validation errors are returned.
func (m *Manager) Get(ctx context.Context, userID string) (Profile, error) {
	p, err := m.load(ctx, userID)
	if errors.Is(err, types.ErrValidation) {
		return Profile{}, err
	}
	if err != nil {
		observe.Logger(ctx).Warn("profile lookup failed, using empty profile",
			"user_id", userID,
			"error", err,
		)
		return Profile{UserID: userID}, nil
	}
	return p, nil
}

// load is Get without the degradation.
func (m *Manager) load(ctx context.Context, userID string) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, fmt.Errorf("profile: empty user id: %w", types.ErrValidation)
	}
	e, err := m.store.Get(ctx, memory.UserProfiles, EntryID(userID))
	if errors.Is(err, memory.ErrNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: get %q: %w: %w", userID, types.ErrRetrievalFailure, err)
	}
	return decode(ctx, userID, e), nil
}

// Upsert replaces userID's profile with p. The UserID field is forced to
// userID.
func (m *Manager) Upsert(ctx context.Context, userID string, p Profile) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("profile: empty user id: %w", types.ErrValidation)
	}
	p.UserID = userID

	text := p.Text()
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("profile: embed %q: %w", userID, err)
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: encode %q: %w", userID, err)
	}

	md := map[string]string{
		memory.KeyUserID:    userID,
		memory.KeyTimestamp: memory.FormatTime(m.now()),
		keyProfile:          string(doc),
		keyProfileType:      "user_profile",
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(keyName, p.Name)
	set(keyInterests, strings.Join(p.Interests, ", "))
	set(keyCareerGoal, p.CareerGoal)
	set(keyLanguage, p.PreferredLanguage)
	if !p.LastActive.IsZero() {
		set(keyLastActive, memory.FormatTime(p.LastActive))
	}

	err = m.store.Upsert(ctx, memory.UserProfiles, memory.Entry{
		ID:       EntryID(userID),
		Vector:   vec,
		Text:     text,
		Metadata: md,
	})
	if err != nil {
		return fmt.Errorf("profile: upsert %q: %w: %w", userID, types.ErrPersistenceFailure, err)
	}
	return nil
}

// Patch merges patch into the stored profile (see [Profile.Merge]).
func (m *Manager) Patch(ctx context.Context, userID string, patch Profile) (Profile, error) {
	cur, err := m.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	next := cur.Merge(patch)
	if err := m.Upsert(ctx, userID, next); err != nil {
		return Profile{}, err
	}
	next.UserID = userID
	return next, nil
}

// Update enriches userID's profile from one exchange with persona and stores
// it. A failed read aborts the update rather than overwriting the stored
// profile with an empty one.
func (m *Manager) Update(ctx context.Context, userID string, persona agent.Persona, message string) (Profile, error) {
	cur, err := m.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	next := m.Policy().Enrich(cur, persona, message, m.now())
	if err := m.Upsert(ctx, userID, next); err != nil {
		return Profile{}, err
	}
	return next, nil
}

// Reset deletes userID's profile. Deleting a missing profile is not an error.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("profile: empty user id: %w", types.ErrValidation)
	}
	if err := m.store.Delete(ctx, memory.UserProfiles, EntryID(userID)); err != nil {
		return fmt.Errorf("profile: reset %q: %w: %w", userID, types.ErrPersistenceFailure, err)
	}
	return nil
}

// Summary returns [Summarize] of userID's profile.
func (m *Manager) Summary(ctx context.Context, userID string) (string, error) {
	p, err := m.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return Summarize(p), nil
}

// decode reads the JSON document from e. Entries written without one (or
// with a damaged one) are rebuilt from the flattened metadata.
func decode(ctx context.Context, userID string, e memory.Entry) Profile {
	if raw, ok := e.Metadata[keyProfile]; ok {
		var p Profile
		err := json.Unmarshal([]byte(raw), &p)
		if err == nil {
			p.UserID = userID
			return p
		}
		observe.Logger(ctx).Warn("profile document unreadable, rebuilding from metadata",
			"user_id", userID,
			"error", err,
		)
	}

	p := Profile{
		UserID:            userID,
		Name:              e.Metadata[keyName],
		CareerGoal:        e.Metadata[keyCareerGoal],
		PreferredLanguage: e.Metadata[keyLanguage],
	}
	if s := e.Metadata[keyInterests]; s != "" {
		for _, i := range strings.Split(s, ",") {
			if i = strings.TrimSpace(i); i != "" {
				p.Interests = append(p.Interests, i)
			}
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, e.Metadata[keyLastActive]); err == nil {
		p.LastActive = ts
	}
	return p
}
