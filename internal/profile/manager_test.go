package profile

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *memmock.Store) {
	t.Helper()
	store := memmock.New()
	m := NewManager(store, &embmock.Provider{DimensionsValue: 16}, WithClock(func() time.Time { return t0 }))
	return m, store
}

func TestManager_GetMissing(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	p, err := m.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.UserID != "u1" || !p.IsZero() {
		t.Errorf("got %+v, want zero profile for u1", p)
	}
}

func TestManager_UpsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store := newTestManager(t)

	want := Profile{
		Name:              "Asha",
		Interests:         []string{"cricket", "technology"},
		CareerGoal:        "data scientist",
		InteractionCounts: map[string]int{"mentor": 3},
		LastActive:        t0,
		Attributes:        map[string]string{"upcoming_interviews": "TCS"},
	}
	if err := m.Upsert(ctx, "u1", want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != want.Name || got.CareerGoal != want.CareerGoal || !slices.Equal(got.Interests, want.Interests) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.InteractionCounts["mentor"] != 3 || got.Attributes["upcoming_interviews"] != "TCS" {
		t.Errorf("maps lost: %+v", got)
	}
	if !got.LastActive.Equal(t0) {
		t.Errorf("LastActive = %v", got.LastActive)
	}

	// One live entry with the fixed id and flattened metadata.
	n, err := store.Count(ctx, memory.UserProfiles, nil)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
	e, err := store.Get(ctx, memory.UserProfiles, "profile_u1")
	if err != nil {
		t.Fatalf("store Get: %v", err)
	}
	if e.Metadata[keyInterests] != "cricket, technology" {
		t.Errorf("flattened interests = %q", e.Metadata[keyInterests])
	}
	if e.Metadata[memory.KeyUserID] != "u1" {
		t.Errorf("user_id metadata = %q", e.Metadata[memory.KeyUserID])
	}
	stored := want
	stored.UserID = "u1"
	if e.Text != stored.Text() {
		t.Errorf("entry text = %q", e.Text)
	}
}

func TestManager_UpdateEnrichesAndCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store := newTestManager(t)

	if _, err := m.Update(ctx, "u1", agent.Interviewer, "mock interview for a job"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	p, err := m.Update(ctx, "u1", agent.Interviewer, "more interview practice")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.InteractionCounts["interviewer"] != 2 {
		t.Errorf("interviewer count = %d, want 2", p.InteractionCounts["interviewer"])
	}
	if !slices.Equal(p.Interests, []string{"career development", "interview preparation"}) {
		t.Errorf("Interests = %v", p.Interests)
	}

	got, _ := m.Get(ctx, "u1")
	if got.InteractionCounts["interviewer"] != 2 {
		t.Errorf("stored count = %d", got.InteractionCounts["interviewer"])
	}
	if n := store.CallCount("Upsert"); n != 2 {
		t.Errorf("Upsert calls = %d, want 2", n)
	}
}

func TestManager_UpdateAbortsOnReadFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store := newTestManager(t)
	if err := m.Upsert(ctx, "u1", Profile{Name: "Asha"}); err != nil {
		t.Fatal(err)
	}

	store.GetErr = errors.New("connection reset")
	_, err := m.Update(ctx, "u1", agent.Mentor, "career")
	if !errors.Is(err, types.ErrRetrievalFailure) {
		t.Fatalf("err = %v, want ErrRetrievalFailure", err)
	}
	if n := store.CallCount("Upsert"); n != 1 {
		t.Errorf("profile overwritten after failed read: %d upserts", n)
	}

	// Get degrades instead of failing.
	p, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("degraded Get = %+v, want zero", p)
	}
}

func TestManager_UpsertStoreFailure(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)
	store.UpsertErr = errors.New("disk full")
	err := m.Upsert(context.Background(), "u1", Profile{Name: "Asha"})
	if !errors.Is(err, types.ErrPersistenceFailure) {
		t.Errorf("err = %v, want ErrPersistenceFailure", err)
	}
}

func TestManager_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.Get(ctx, " "); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Get: err = %v", err)
	}
	if err := m.Upsert(ctx, "", Profile{}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Upsert: err = %v", err)
	}
	if _, err := m.Update(ctx, "", agent.Mentor, "x"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Update: err = %v", err)
	}
	if err := m.Reset(ctx, ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Reset: err = %v", err)
	}
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Upsert(ctx, "u1", Profile{Name: "Asha"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	p, _ := m.Get(ctx, "u1")
	if !p.IsZero() {
		t.Errorf("profile survived reset: %+v", p)
	}
	// Resetting again is fine.
	if err := m.Reset(ctx, "u1"); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}

func TestManager_PatchAndSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.Update(ctx, "u1", agent.Mentor, "teach me python"); err != nil {
		t.Fatal(err)
	}
	p, err := m.Patch(ctx, "u1", Profile{Name: "Asha", PreferredLanguage: "Marathi"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if p.InteractionCounts["mentor"] != 1 {
		t.Errorf("Patch lost counts: %+v", p)
	}

	s, err := m.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := "Name: Asha. Interests: technology. Most interactions with: mentor agent. Preferred language: Marathi"
	if s != want {
		t.Errorf("Summary = %q, want %q", s, want)
	}
}

func TestManager_SetPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t)
	m.SetPolicy(Policy{Rules: []Rule{{Tag: "music", Terms: []string{"sitar"}}}, InterestCap: 1})

	p, err := m.Update(ctx, "u1", agent.Companion, "I play the sitar and love my job")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(p.Interests, []string{"music"}) {
		t.Errorf("Interests = %v", p.Interests)
	}
	if m.Policy().InterestCap != 1 {
		t.Errorf("Policy not swapped")
	}
}

func TestDecode_FallsBackToMetadata(t *testing.T) {
	t.Parallel()

	e := memory.Entry{
		ID: "profile_u1",
		Metadata: map[string]string{
			keyProfile:    "{not json",
			keyName:       "Asha",
			keyInterests:  "cricket, chess",
			keyLastActive: "2026-03-01T09:30:00Z",
		},
	}
	p := decode(context.Background(), "u1", e)
	if p.Name != "Asha" || !slices.Equal(p.Interests, []string{"cricket", "chess"}) || !p.LastActive.Equal(t0) {
		t.Errorf("decode = %+v", p)
	}
}
