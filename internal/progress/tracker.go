package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/internal/session"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

// DefaultTimeout bounds the loads of one [Tracker.Progress] call.
const DefaultTimeout = 8 * time.Second

// SessionLister lists a user's sessions. [session.Store] implements it.
type SessionLister interface {
	ListForUser(ctx context.Context, userID string) ([]session.Session, error)
}

// ProfileReader reads a profile. [profile.Manager] implements it.
type ProfileReader interface {
	Get(ctx context.Context, userID string) (profile.Profile, error)
}

// Tracker loads a user's messages, sessions and profile counters and runs
// [Analyze] over them. It is safe for concurrent use.
type Tracker struct {
	store    memory.VectorStore
	sessions SessionLister
	profiles ProfileReader
	metrics  *observe.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker returns a Tracker. sessions and profiles may be nil.
func NewTracker(store memory.VectorStore, sessions SessionLister, profiles ProfileReader, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		sessions: sessions,
		profiles: profiles,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Progress analyses userID. Only an empty user id is an error; inputs that
// fail to load are left out and the result is marked degraded.
func (t *Tracker) Progress(ctx context.Context, userID string) (Progress, error) {
	if strings.TrimSpace(userID) == "" {
		return Progress{}, fmt.Errorf("progress: empty user id: %w", types.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	log := observe.Logger(ctx).With("user_id", userID)

	in := Input{UserID: userID}
	degraded := false

	turns, err := t.store.List(ctx, memory.ConversationTurns, memory.Filter{
		memory.KeyUserID: userID,
		memory.KeyRole:   string(types.RoleUser),
	})
	t.metrics.RecordStoreOp(ctx, string(memory.ConversationTurns), "list", err)
	if err != nil {
		log.Warn("progress: turns unavailable", "error", err)
		degraded = true
	}
	for _, e := range turns {
		in.Messages = append(in.Messages, Message{Text: e.Text, SessionID: e.Metadata[memory.KeySessionID]})
	}

	if t.sessions != nil {
		sessions, err := t.sessions.ListForUser(ctx, userID)
		if err != nil {
			log.Warn("progress: sessions unavailable", "error", err)
			degraded = true
		}
		for _, s := range sessions {
			in.Sessions = append(in.Sessions, SessionStat{
				ID:        s.ID,
				Persona:   s.LastPersona,
				StartedAt: s.StartedAt,
				Turns:     s.Turns,
			})
		}
	}

	if t.profiles != nil {
		p, err := t.profiles.Get(ctx, userID)
		if err != nil {
			log.Warn("progress: profile unavailable", "error", err)
			degraded = true
		}
		in.InteractionCounts = p.InteractionCounts
	}

	out := Analyze(in, t.now())
	out.Degraded = degraded
	return out, nil
}
