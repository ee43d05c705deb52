package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/internal/recorder"
	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeHits map[string]int

func (h fakeHits) Hits(id string) int { return h[id] }

func (h fakeHits) Forget(ids ...string) {
	for _, id := range ids {
		delete(h, id)
	}
}

type fakeWriter struct {
	mu    sync.Mutex
	turns []recorder.TurnInput
	err   error
}

func (w *fakeWriter) RecordTurn(_ context.Context, in recorder.TurnInput) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.turns = append(w.turns, in)
	return []string{"summary"}, nil
}

func aged(id, user string, age time.Duration) memory.Entry {
	return memory.Entry{ID: id, Vector: []float32{1, 0}, Text: "text " + id, Metadata: map[string]string{
		memory.KeyUserID:    user,
		memory.KeyRole:      string(types.RoleUser),
		memory.KeyTimestamp: memory.FormatTime(now.Add(-age)),
	}}
}

// seedUsers gives u1 five turns (three past retention) and u2 two.
func seedUsers(t *testing.T, c memory.Collection) *memmock.Store {
	t.Helper()
	s := memmock.New()
	err := s.Upsert(context.Background(), c,
		aged("a", "u1", 72*time.Hour),
		aged("b", "u1", 96*time.Hour),
		aged("c", "u1", 48*time.Hour),
		aged("d", "u1", time.Hour),
		aged("e", "u1", 0),
		aged("x", "u2", 96*time.Hour),
		aged("y", "u2", 96*time.Hour),
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func remaining(t *testing.T, s memory.VectorStore, c memory.Collection, user string) []string {
	t.Helper()
	es, err := s.List(context.Background(), c, memory.Filter{memory.KeyUserID: user})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := make([]string, len(es))
	for i, e := range es {
		ids[i] = e.ID
	}
	return ids
}

func newTestConsolidator(s memory.VectorStore, hits HitCounter, sum Summariser, w TurnWriter) *Consolidator {
	return NewConsolidator(ConsolidatorConfig{
		Store:      s,
		Hits:       hits,
		Summariser: sum,
		Writer:     w,
		Threshold:  3,
		Retention:  24 * time.Hour,
		Now:        func() time.Time { return now },
	})
}

func TestConsolidator_PrunesLeastUsedThenOldest(t *testing.T) {
	t.Parallel()

	for _, col := range []memory.Collection{memory.ConversationTurns, memory.InteractionLog} {
		t.Run(string(col), func(t *testing.T) {
			t.Parallel()
			s := seedUsers(t, col)
			hits := fakeHits{"b": 2, "a": 0}
			c := newTestConsolidator(s, hits, nil, nil)

			rep, err := c.ConsolidateNow(context.Background())
			if err != nil {
				t.Fatalf("ConsolidateNow: %v", err)
			}
			if rep.Users != 1 || rep.Pruned[col] != 2 || rep.Summaries != 0 {
				t.Errorf("report = %+v", rep)
			}
			if got := remaining(t, s, col, "u1"); !slices.Equal(got, []string{"b", "d", "e"}) {
				t.Errorf("u1 kept %v, want the used and the recent entries", got)
			}
			if got := remaining(t, s, col, "u2"); len(got) != 2 {
				t.Errorf("u2 below threshold lost entries: %v", got)
			}
			if _, ok := hits["b"]; !ok {
				t.Error("hits of a kept entry were forgotten")
			}
		})
	}
}

func TestConsolidator_WritesSummaryTurn(t *testing.T) {
	t.Parallel()

	s := seedUsers(t, memory.ConversationTurns)
	sum := &mockSummariser{result: "They discussed interview prep."}
	w := &fakeWriter{}
	c := newTestConsolidator(s, fakeHits{"b": 2}, sum, w)

	rep, err := c.ConsolidateNow(context.Background())
	if err != nil {
		t.Fatalf("ConsolidateNow: %v", err)
	}
	if rep.Summaries != 1 || rep.Pruned[memory.ConversationTurns] != 3 {
		t.Errorf("report = %+v", rep)
	}
	if got := remaining(t, s, memory.ConversationTurns, "u1"); !slices.Equal(got, []string{"d", "e"}) {
		t.Errorf("u1 kept %v, want room left for the summary", got)
	}

	if len(w.turns) != 1 {
		t.Fatalf("summary turns = %d, want 1", len(w.turns))
	}
	in := w.turns[0]
	if in.UserID != "u1" || in.Role != types.RoleSummary || in.Content != sum.result || !in.At.Equal(now) {
		t.Errorf("summary turn = %+v", in)
	}
	var order []string
	for _, m := range sum.msgs[0] {
		order = append(order, m.Content)
	}
	if want := []string{"text b", "text a", "text c"}; !slices.Equal(order, want) {
		t.Errorf("summarised %v, want oldest first %v", order, want)
	}
}

func TestConsolidator_SummariesStayRetrievable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memmock.New()
	emb := &embmock.Provider{DimensionsValue: 16}
	profiles := profile.NewManager(store, emb)
	w := recorder.New(store, emb, profiles)

	seed := []struct {
		persona agent.Persona
		age     time.Duration
	}{
		{agent.Mentor, 72 * time.Hour},
		{agent.Mentor, 60 * time.Hour},
		{agent.Interviewer, 50 * time.Hour},
		{agent.Interviewer, 48 * time.Hour},
		{agent.Mentor, time.Hour},
	}
	for i, sd := range seed {
		_, err := w.RecordTurn(ctx, recorder.TurnInput{
			UserID:  "u1",
			Persona: sd.persona,
			Role:    types.RoleUser,
			Content: "old question " + string(rune('a'+i)),
			At:      now.Add(-sd.age),
		})
		if err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	sum := &mockSummariser{result: "Earlier they covered recursion and mock interviews."}
	c := newTestConsolidator(store, nil, sum, w)
	rep, err := c.ConsolidateNow(ctx)
	if err != nil {
		t.Fatalf("ConsolidateNow: %v", err)
	}
	if rep.Summaries != 2 || rep.Pruned[memory.ConversationTurns] != 4 {
		t.Errorf("report = %+v, want one summary per persona", rep)
	}

	r := hotctx.NewRetriever(store, emb, profiles)
	for _, p := range []agent.Persona{agent.Mentor, agent.Interviewer} {
		gc, err := r.GetContext(ctx, "u1", "what did we cover", p, hotctx.Limits{})
		if err != nil {
			t.Fatalf("GetContext(%s): %v", p, err)
		}
		found := false
		for _, it := range gc.Turns {
			if it.Metadata[memory.KeyRole] == string(types.RoleSummary) && it.Text == sum.result {
				found = true
			}
		}
		if !found {
			t.Errorf("%s grounding has no summary turn: %+v", p, gc.Turns)
		}
	}
}

func TestConsolidator_FailedSummaryDeletesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sum  *mockSummariser
		w    *fakeWriter
	}{
		{name: "summariser fails", sum: &mockSummariser{err: errors.New("llm down")}, w: &fakeWriter{}},
		{name: "empty summary", sum: &mockSummariser{}, w: &fakeWriter{}},
		{name: "writer fails", sum: &mockSummariser{result: "ok"}, w: &fakeWriter{err: types.ErrPersistenceFailure}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := seedUsers(t, memory.ConversationTurns)
			c := newTestConsolidator(s, nil, tt.sum, tt.w)

			rep, err := c.ConsolidateNow(context.Background())
			if err == nil {
				t.Error("expected an error")
			}
			if rep.Total() != 0 {
				t.Errorf("pruned %d entries", rep.Total())
			}
			if got := remaining(t, s, memory.ConversationTurns, "u1"); len(got) != 5 {
				t.Errorf("u1 has %d entries, want all 5", len(got))
			}
			if s.CallCount("Delete") != 0 {
				t.Error("Delete called")
			}
		})
	}
}

func TestConsolidator_StoreFailure(t *testing.T) {
	t.Parallel()

	s := seedUsers(t, memory.ConversationTurns)
	s.ListErr = errors.New("connection refused")
	c := newTestConsolidator(s, nil, nil, nil)

	_, err := c.ConsolidateNow(context.Background())
	if !errors.Is(err, types.ErrRetrievalFailure) {
		t.Errorf("err = %v, want ErrRetrievalFailure", err)
	}
}

func TestPrune_RetentionProtectsRecent(t *testing.T) {
	t.Parallel()

	entries := []memory.Entry{
		aged("a", "u1", time.Hour),
		aged("b", "u1", 2*time.Hour),
		aged("c", "u1", 100*time.Hour),
	}
	got := Prune(entries, 1, now.Add(-24*time.Hour), nil)
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("Prune = %v, want only the entry past retention", got)
	}
	if got := Prune(entries, 3, now, nil); got != nil {
		t.Errorf("Prune at threshold = %v, want nil", got)
	}
}

func TestConsolidator_StartStop(t *testing.T) {
	t.Parallel()

	s := seedUsers(t, memory.ConversationTurns)
	c := NewConsolidator(ConsolidatorConfig{
		Store:     s,
		Threshold: 3,
		Retention: time.Hour,
		Interval:  5 * time.Millisecond,
		Now:       func() time.Time { return now },
	})
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.CallCount("Delete") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("periodic consolidation never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	c.Stop()
}
