package hotctx_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// queryVec is what the embedder returns for every text. The seeded vectors
// below have cosine similarity 1, 0.8, 0.6 and 0 against it.
var queryVec = []float32{1, 0}

var (
	sim100 = []float32{1, 0}
	sim080 = []float32{0.8, 0.6}
	sim060 = []float32{0.6, 0.8}
	sim000 = []float32{0, 1}
)

type fixture struct {
	r        *hotctx.Retriever
	store    *memmock.Store
	embedder *embmock.Provider
	profiles *profile.Manager
	hits     *hotctx.HitTracker
}

func newFixture(t *testing.T, opts ...hotctx.Option) fixture {
	t.Helper()
	store := memmock.New()
	emb := &embmock.Provider{EmbedResult: queryVec, DimensionsValue: 2}
	profiles := profile.NewManager(store, emb, profile.WithClock(func() time.Time { return t0 }))
	hits := hotctx.NewHitTracker()
	opts = append([]hotctx.Option{
		hotctx.WithHitTracker(hits),
		hotctx.WithClock(func() time.Time { return t0 }),
	}, opts...)
	return fixture{
		r:        hotctx.NewRetriever(store, emb, profiles, opts...),
		store:    store,
		embedder: emb,
		profiles: profiles,
		hits:     hits,
	}
}

func turn(id, user string, persona agent.Persona, text string, vec []float32) memory.Entry {
	return memory.Entry{ID: id, Vector: vec, Text: text, Metadata: map[string]string{
		memory.KeyUserID:    user,
		memory.KeyPersona:   string(persona),
		memory.KeyRole:      "user",
		memory.KeyTimestamp: memory.FormatTime(t0),
	}}
}

func doc(id, user, title, text string, vec []float32) memory.Entry {
	return memory.Entry{ID: id, Vector: vec, Text: text, Metadata: map[string]string{
		memory.KeyUserID: user,
		memory.KeyDocID:  strings.Split(id, "_")[0],
		memory.KeyTitle:  title,
	}}
}

func seed(t *testing.T, s memory.VectorStore, c memory.Collection, entries ...memory.Entry) {
	t.Helper()
	if err := s.Upsert(context.Background(), c, entries...); err != nil {
		t.Fatalf("seed %s: %v", c, err)
	}
}

func ids(items []hotctx.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestGetContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	p := profile.Profile{Name: "Asha", CareerGoal: "backend engineer"}
	if err := f.profiles.Upsert(ctx, "u1", p); err != nil {
		t.Fatalf("Upsert profile: %v", err)
	}
	seed(t, f.store, memory.ConversationTurns,
		turn("t1", "u1", agent.Interviewer, "mock interview practice", sim100),
		turn("t2", "u1", agent.Interviewer, "system design round", sim060),
		turn("t3", "u1", agent.Mentor, "learn golang", sim080),
		turn("t4", "u2", agent.Interviewer, "someone else's interview", sim100),
	)
	seed(t, f.store, memory.Documents,
		doc("resume_0", "u1", "Resume", "five years of go", sim080),
		doc("resume_1", "u1", "Resume", "hobbies: chess", sim000),
		doc("other_0", "u2", "Other", "not mine", sim100),
	)

	tests := []struct {
		name      string
		persona   agent.Persona
		wantTurns []string
	}{
		{name: "any persona", wantTurns: []string{"t1", "t3", "t2"}},
		{name: "interviewer only", persona: agent.Interviewer, wantTurns: []string{"t1", "t2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.r.GetContext(ctx, "u1", "how do I prepare?", tt.persona, hotctx.Limits{})
			if err != nil {
				t.Fatalf("GetContext: %v", err)
			}
			want := p
			want.UserID = "u1"
			if got.ProfileSummary != profile.Summarize(want) {
				t.Errorf("ProfileSummary = %q, want %q", got.ProfileSummary, profile.Summarize(want))
			}
			if !slices.Equal(ids(got.Turns), tt.wantTurns) {
				t.Errorf("turns = %v, want %v", ids(got.Turns), tt.wantTurns)
			}
			if want := []string{"resume_0", "resume_1"}; !slices.Equal(ids(got.Documents), want) {
				t.Errorf("documents = %v, want %v", ids(got.Documents), want)
			}
			if got.Degraded {
				t.Error("Degraded = true with healthy backends")
			}
		})
	}

	if f.embedder.CallCount() != 3 {
		t.Errorf("embedder calls = %d, want one per GetContext plus the profile", f.embedder.CallCount())
	}
	if f.hits.Hits("t1") != 2 || f.hits.Hits("t3") != 1 || f.hits.Hits("resume_0") != 2 {
		t.Errorf("hits t1=%d t3=%d resume_0=%d", f.hits.Hits("t1"), f.hits.Hits("t3"), f.hits.Hits("resume_0"))
	}
}

func TestGetContext_TopK(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seed(t, f.store, memory.ConversationTurns,
		turn("t1", "u1", agent.Mentor, "a", sim100),
		turn("t2", "u1", agent.Mentor, "b", sim080),
		turn("t3", "u1", agent.Mentor, "c", sim060),
	)
	got, err := f.r.GetContext(context.Background(), "u1", "q", "", hotctx.Limits{Turns: 2, Documents: 1})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !slices.Equal(ids(got.Turns), []string{"t1", "t2"}) {
		t.Errorf("turns = %v, want top 2", ids(got.Turns))
	}
}

func TestGetContext_Budget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	if err := f.profiles.Upsert(ctx, "u1", profile.Profile{Name: "Asha"}); err != nil {
		t.Fatalf("Upsert profile: %v", err)
	}
	summary := "Name: Asha"
	seed(t, f.store, memory.ConversationTurns,
		turn("long", "u1", agent.Mentor, "fifteen chars!!", sim100),
		turn("fits", "u1", agent.Mentor, "8 chars!", sim080),
	)
	seed(t, f.store, memory.Documents,
		doc("d_0", "u1", "Notes", "five!", sim060),
	)

	got, err := f.r.GetContext(ctx, "u1", "q", "", hotctx.Limits{Budget: len(summary) + 10})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got.ProfileSummary != summary {
		t.Errorf("ProfileSummary = %q, want %q", got.ProfileSummary, summary)
	}
	if !slices.Equal(ids(got.Turns), []string{"fits"}) {
		t.Errorf("turns = %v, want only the item that fits", ids(got.Turns))
	}
	if len(got.Documents) != 0 {
		t.Errorf("documents = %v, want none (budget spent)", ids(got.Documents))
	}
	if got.Len() > len(summary)+10 {
		t.Errorf("Len() = %d exceeds budget", got.Len())
	}
	if f.hits.Hits("long") != 0 {
		t.Error("dropped item counted as a hit")
	}
}

func TestGetContext_Empty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	got, err := f.r.GetContext(context.Background(), "new-user", "hello", agent.Companion, hotctx.Limits{})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !got.IsEmpty() || got.Degraded {
		t.Errorf("got %+v, want empty and healthy", got)
	}
	if got.Turns == nil || got.Documents == nil {
		t.Error("empty sections should be empty slices, not nil")
	}
}

func TestGetContext_DegradesOnBackendFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail func(f fixture)
	}{
		{
			name: "query fails",
			fail: func(f fixture) { f.store.QueryErr = errors.New("connection reset") },
		},
		{
			name: "embedder fails",
			fail: func(f fixture) {
				f.embedder.SetErr(fmt.Errorf("refused: %w", types.ErrEmbeddingUnavailable))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			if err := f.profiles.Upsert(ctx, "u1", profile.Profile{Name: "Asha"}); err != nil {
				t.Fatalf("Upsert profile: %v", err)
			}
			seed(t, f.store, memory.ConversationTurns, turn("t1", "u1", agent.Mentor, "a", sim100))
			tt.fail(f)

			got, err := f.r.GetContext(ctx, "u1", "q", "", hotctx.Limits{})
			if err != nil {
				t.Fatalf("GetContext returned %v, want degraded context", err)
			}
			if !got.Degraded {
				t.Error("Degraded = false")
			}
			if len(got.Turns) != 0 {
				t.Errorf("turns = %v, want none", ids(got.Turns))
			}
			if got.ProfileSummary != "Name: Asha" {
				t.Errorf("ProfileSummary = %q, want it kept", got.ProfileSummary)
			}
		})
	}
}

func TestGetContext_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name    string
		user    string
		query   string
		persona agent.Persona
		lim     hotctx.Limits
	}{
		{name: "empty user", user: "", query: "q"},
		{name: "empty query", user: "u1", query: "  "},
		{name: "unknown persona", user: "u1", query: "q", persona: "oracle"},
		{name: "negative k", user: "u1", query: "q", lim: hotctx.Limits{Turns: -1}},
		{name: "negative budget", user: "u1", query: "q", lim: hotctx.Limits{Budget: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.r.GetContext(context.Background(), tt.user, tt.query, tt.persona, tt.lim)
			if !errors.Is(err, types.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if f.store.CallCount("Query") != 0 {
		t.Error("invalid request reached the store")
	}
}

func TestRetriever_SetLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hotctx.WithLimits(hotctx.Limits{Turns: 1}))
	if got := f.r.Limits(); got != (hotctx.Limits{Turns: 1, Documents: hotctx.DefaultDocuments, Budget: hotctx.DefaultBudget}) {
		t.Errorf("Limits() = %+v", got)
	}
	if err := f.r.SetLimits(hotctx.Limits{Documents: -1}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("SetLimits(negative) err = %v", err)
	}
	if err := f.r.SetLimits(hotctx.Limits{Turns: 7, Documents: 2, Budget: 500}); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}
	if got := f.r.Limits(); got.Turns != 7 || got.Budget != 500 {
		t.Errorf("Limits() = %+v after SetLimits", got)
	}
}
