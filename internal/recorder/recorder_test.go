package recorder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/internal/resilience"
	"github.com/MrWong99/sarathi/pkg/chunk"
	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// tenWords splits into three chunks under smallChunks.
const tenWords = "one two three four five six seven eight nine ten"

var smallChunks = chunk.Policy{Size: 4, Overlap: 1}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id%d", n.Add(1)) }
}

type fixture struct {
	w        *Writer
	store    *memmock.Store
	embedder *embmock.Provider
	profiles *profile.Manager
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	store := memmock.New()
	emb := &embmock.Provider{DimensionsValue: 16}
	clock := func() time.Time { return t0 }
	profiles := profile.NewManager(store, emb, profile.WithClock(clock))
	opts = append([]Option{WithClock(clock), WithIDGenerator(sequentialIDs()), WithChunking(smallChunks)}, opts...)
	return fixture{
		w:        New(store, emb, profiles, opts...),
		store:    store,
		embedder: emb,
		profiles: profiles,
	}
}

func listAll(t *testing.T, s memory.VectorStore, c memory.Collection) []memory.Entry {
	t.Helper()
	entries, err := s.List(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("List(%s): %v", c, err)
	}
	return entries
}

func TestRecordTurn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantIDs []string
	}{
		{name: "short message", content: "hello there", wantIDs: []string{"id1"}},
		{name: "long message", content: tenWords, wantIDs: []string{"id1_0", "id1_1", "id1_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ids, err := f.w.RecordTurn(context.Background(), TurnInput{
				UserID:    "u1",
				Persona:   agent.Mentor,
				Role:      types.RoleUser,
				Content:   tt.content,
				SessionID: "s1",
				Metadata:  map[string]string{"source": "web", memory.KeyUserID: "spoofed"},
			})
			if err != nil {
				t.Fatalf("RecordTurn: %v", err)
			}
			if !slices.Equal(ids, tt.wantIDs) {
				t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
			}

			entries := listAll(t, f.store, memory.ConversationTurns)
			if len(entries) != len(tt.wantIDs) {
				t.Fatalf("stored %d entries, want %d", len(entries), len(tt.wantIDs))
			}
			for i, e := range entries {
				md := e.Metadata
				if md[memory.KeyUserID] != "u1" {
					t.Errorf("entry %d user_id = %q, want u1", i, md[memory.KeyUserID])
				}
				if md[memory.KeyRole] != "user" || md[memory.KeyPersona] != "mentor" || md[memory.KeySessionID] != "s1" {
					t.Errorf("entry %d metadata = %v", i, md)
				}
				if md["source"] != "web" {
					t.Errorf("entry %d lost caller metadata: %v", i, md)
				}
				if md[memory.KeyChunkIndex] != fmt.Sprint(i) {
					t.Errorf("entry %d chunk_index = %q", i, md[memory.KeyChunkIndex])
				}
				if !e.Timestamp().Equal(t0) {
					t.Errorf("entry %d timestamp = %v, want %v", i, e.Timestamp(), t0)
				}
				if len(e.Vector) != 16 {
					t.Errorf("entry %d vector has %d dims", i, len(e.Vector))
				}
			}
			texts := make([]string, len(entries))
			for i, e := range entries {
				texts[i] = e.Text
			}
			if got := smallChunks.Join(texts); got != chunk.Normalize(tt.content) {
				t.Errorf("rejoined chunks = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestRecordTurn_Validation(t *testing.T) {
	t.Parallel()

	valid := TurnInput{UserID: "u1", Role: types.RoleUser, Content: "hi"}
	tests := []struct {
		name   string
		mutate func(*TurnInput)
	}{
		{"empty user", func(in *TurnInput) { in.UserID = " " }},
		{"empty content", func(in *TurnInput) { in.Content = "\n\t" }},
		{"system role", func(in *TurnInput) { in.Role = types.RoleSystem }},
		{"unknown role", func(in *TurnInput) { in.Role = "narrator" }},
		{"unknown persona", func(in *TurnInput) { in.Persona = "oracle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			in := valid
			tt.mutate(&in)
			if _, err := f.w.RecordTurn(context.Background(), in); !errors.Is(err, types.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
			if f.store.CallCount("Upsert") != 0 {
				t.Error("invalid turn reached the store")
			}
		})
	}
}

func TestRecordTurn_Failures(t *testing.T) {
	t.Parallel()

	t.Run("store down", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.UpsertErr = errors.New("disk full")
		_, err := f.w.RecordTurn(context.Background(), TurnInput{UserID: "u1", Role: types.RoleUser, Content: "hi"})
		if !errors.Is(err, types.ErrPersistenceFailure) {
			t.Errorf("err = %v, want ErrPersistenceFailure", err)
		}
	})

	t.Run("embedder down", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.embedder.SetErr(fmt.Errorf("refused: %w", types.ErrEmbeddingUnavailable))
		_, err := f.w.RecordTurn(context.Background(), TurnInput{UserID: "u1", Role: types.RoleUser, Content: "hi"})
		if !errors.Is(err, types.ErrEmbeddingUnavailable) || !errors.Is(err, types.ErrPersistenceFailure) {
			t.Errorf("err = %v, want ErrEmbeddingUnavailable and ErrPersistenceFailure", err)
		}
		if f.store.CallCount("Upsert") != 0 {
			t.Error("store written without vectors")
		}
	})

	t.Run("embedder down with offline fallback", func(t *testing.T) {
		t.Parallel()
		store := memmock.New()
		primary := &embmock.Provider{
			DimensionsValue: 16,
			EmbedErr:        fmt.Errorf("refused: %w", types.ErrEmbeddingUnavailable),
		}
		emb := resilience.NewEmbeddingsFallback(primary, "primary", resilience.FallbackConfig{})
		emb.AddHashFallback()
		w := New(store, emb, nil, WithIDGenerator(sequentialIDs()))

		ids, err := w.RecordTurn(context.Background(), TurnInput{UserID: "u1", Role: types.RoleAssistant, Content: "Keep going!"})
		if err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
		e, err := store.Get(context.Background(), memory.ConversationTurns, ids[0])
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(e.Vector) != 16 {
			t.Errorf("fallback vector has %d dims, want 16", len(e.Vector))
		}
	})
}

func TestRecordDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	ids, err := f.w.RecordDocument(ctx, "u1", "resume", tenWords, map[string]string{memory.KeyTitle: "Resume"})
	if err != nil {
		t.Fatalf("RecordDocument: %v", err)
	}
	if want := []string{"u1/resume_0", "u1/resume_1", "u1/resume_2"}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for _, e := range listAll(t, f.store, memory.Documents) {
		if e.Metadata[memory.KeyDocID] != "resume" || e.Metadata[memory.KeyTitle] != "Resume" {
			t.Errorf("entry %s metadata = %v", e.ID, e.Metadata)
		}
	}

	// Re-uploading a shorter version replaces every old chunk.
	ids, err = f.w.RecordDocument(ctx, "u1", "resume", "short resume", nil)
	if err != nil {
		t.Fatalf("RecordDocument (replace): %v", err)
	}
	if !slices.Equal(ids, []string{"u1/resume_0"}) {
		t.Errorf("ids = %v, want [u1/resume_0]", ids)
	}
	entries := listAll(t, f.store, memory.Documents)
	if len(entries) != 1 || entries[0].Text != "short resume" {
		t.Errorf("after replace: %+v", entries)
	}

	// Another user's document is untouched.
	if _, err := f.w.RecordDocument(ctx, "u2", "cover-letter", "other letter", nil); err != nil {
		t.Fatalf("RecordDocument u2: %v", err)
	}
	n, err := f.w.DeleteDocument(ctx, "u1", "resume")
	if err != nil || n != 1 {
		t.Fatalf("DeleteDocument = %d, %v; want 1", n, err)
	}
	entries = listAll(t, f.store, memory.Documents)
	if len(entries) != 1 || entries[0].Metadata[memory.KeyUserID] != "u2" {
		t.Errorf("after delete: %+v", entries)
	}
}

func TestRecordDocument_EdgeCases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	ids, err := f.w.RecordDocument(ctx, "u1", "empty", "   ", nil)
	if err != nil || len(ids) != 0 {
		t.Errorf("empty text: ids = %v, err = %v", ids, err)
	}
	if f.store.CallCount("Upsert") != 0 {
		t.Error("empty document was written")
	}

	ids, err = f.w.RecordDocument(ctx, "u1", "", "notes", nil)
	if err != nil {
		t.Fatalf("generated id: %v", err)
	}
	if len(ids) != 1 || !strings.HasPrefix(ids[0], "u1/id") || !strings.HasSuffix(ids[0], "_0") {
		t.Errorf("ids = %v, want generated document id", ids)
	}

	if _, err := f.w.DeleteDocument(ctx, "u1", ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("DeleteDocument(empty id) err = %v, want ErrValidation", err)
	}
	if _, err := f.w.RecordDocument(ctx, "u1", "a/b", "notes", nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("RecordDocument(a/b) err = %v, want ErrValidation", err)
	}
}

func TestRecordDocument_SameIDTwoUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.w.RecordDocument(ctx, "alice", "resume", tenWords, nil); err != nil {
		t.Fatalf("RecordDocument alice: %v", err)
	}
	if _, err := f.w.RecordDocument(ctx, "bob", "resume", "short doc", nil); err != nil {
		t.Fatalf("RecordDocument bob: %v", err)
	}

	alice, err := f.store.List(ctx, memory.Documents, memory.Filter{memory.KeyUserID: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var idx []string
	for _, e := range alice {
		idx = append(idx, e.Metadata[memory.KeyChunkIndex])
	}
	slices.Sort(idx)
	if want := []string{"0", "1", "2"}; !slices.Equal(idx, want) {
		t.Errorf("alice chunk indices = %v, want %v", idx, want)
	}

	if _, err := f.w.DeleteDocument(ctx, "bob", "resume"); err != nil {
		t.Fatalf("DeleteDocument bob: %v", err)
	}
	if n := len(listAll(t, f.store, memory.Documents)); n != 3 {
		t.Errorf("documents after bob's delete = %d, want alice's 3", n)
	}
}

func TestRecordDocument_FailedReplaceKeepsPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.w.RecordDocument(ctx, "u1", "resume", tenWords, nil); err != nil {
		t.Fatalf("RecordDocument: %v", err)
	}
	f.embedder.SetErr(fmt.Errorf("refused: %w", types.ErrEmbeddingUnavailable))
	if _, err := f.w.RecordDocument(ctx, "u1", "resume", "short resume", nil); !errors.Is(err, types.ErrPersistenceFailure) {
		t.Fatalf("err = %v, want ErrPersistenceFailure", err)
	}
	if n := len(listAll(t, f.store, memory.Documents)); n != 3 {
		t.Errorf("documents after failed replace = %d, want the previous 3", n)
	}
}

func TestRecordInteraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	id, err := f.w.RecordInteraction(ctx, InteractionInput{
		UserID:      "u1",
		Persona:     agent.Interviewer,
		UserMessage: "Help me prepare for my interview",
		Response:    "Let's start with your background.",
		Context:     map[string]any{"route": "keywords"},
	})
	if err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	e, err := f.store.Get(ctx, memory.InteractionLog, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantText := `Agent: interviewer. User message: Help me prepare for my interview. ` +
		`Agent response: Let's start with your background.. Context: {"route":"keywords"}`
	if e.Text != wantText {
		t.Errorf("Text = %q\nwant   %q", e.Text, wantText)
	}
	if e.Metadata[KeyInteractionID] != id || e.Metadata[KeyInteractionType] != "agent_interaction" {
		t.Errorf("metadata = %v", e.Metadata)
	}

	p, err := f.profiles.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("profiles.Get: %v", err)
	}
	if !slices.Contains(p.Interests, "interview preparation") {
		t.Errorf("Interests = %v, want interview preparation", p.Interests)
	}
	if p.InteractionCounts[string(agent.Interviewer)] != 1 {
		t.Errorf("InteractionCounts = %v", p.InteractionCounts)
	}
}

func TestRecordInteraction_ProfileFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.GetErr = errors.New("profile read failed")

	id, err := f.w.RecordInteraction(context.Background(), InteractionInput{
		UserID:      "u1",
		Persona:     agent.Companion,
		UserMessage: "I feel lonely",
		Response:    "I'm here with you.",
	})
	if err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	if id == "" {
		t.Error("empty interaction id")
	}
	if n, _ := f.store.Count(context.Background(), memory.UserProfiles, nil); n != 0 {
		t.Errorf("profile written despite failed read: %d entries", n)
	}
}

func TestRecordInteraction_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, in := range []InteractionInput{
		{UserID: "", Persona: agent.Mentor, UserMessage: "hi"},
		{UserID: "u1", Persona: "", UserMessage: "hi"},
		{UserID: "u1", Persona: agent.Mentor, UserMessage: ""},
	} {
		if _, err := f.w.RecordInteraction(context.Background(), in); !errors.Is(err, types.ErrValidation) {
			t.Errorf("RecordInteraction(%+v) err = %v, want ErrValidation", in, err)
		}
	}
}

func TestInteractionText_NoContext(t *testing.T) {
	t.Parallel()

	got := InteractionText(InteractionInput{Persona: agent.Mentor, UserMessage: "q", Response: "a"})
	want := "Agent: mentor. User message: q. Agent response: a. Context: {}"
	if got != want {
		t.Errorf("InteractionText = %q, want %q", got, want)
	}
}

func TestAddSharedKnowledge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	kid, err := f.w.AddSharedKnowledge(ctx, tenWords, "faq", map[string]string{"source": "admin"})
	if err != nil {
		t.Fatalf("AddSharedKnowledge: %v", err)
	}
	entries := listAll(t, f.store, memory.SharedKnowledge)
	if len(entries) != 3 {
		t.Fatalf("stored %d chunks, want 3", len(entries))
	}
	for i, e := range entries {
		if e.ID != fmt.Sprintf("%s_%d", kid, i) {
			t.Errorf("entry %d id = %q", i, e.ID)
		}
		if e.Metadata[memory.KeyKnowledgeID] != kid || e.Metadata[memory.KeyCategory] != "faq" {
			t.Errorf("entry %d metadata = %v", i, e.Metadata)
		}
		if _, ok := e.Metadata[memory.KeyUserID]; ok {
			t.Errorf("shared knowledge carries a user id: %v", e.Metadata)
		}
	}

	if _, err := f.w.AddSharedKnowledge(ctx, " ", "faq", nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty content err = %v, want ErrValidation", err)
	}
}

func TestSetChunking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.w.SetChunking(chunk.Policy{Size: 3, Overlap: 3}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("invalid policy err = %v, want ErrValidation", err)
	}
	if f.w.Chunking() != smallChunks {
		t.Errorf("Chunking() = %+v, want unchanged %+v", f.w.Chunking(), smallChunks)
	}
	if err := f.w.SetChunking(chunk.Default()); err != nil {
		t.Fatalf("SetChunking: %v", err)
	}
	ids, err := f.w.RecordTurn(context.Background(), TurnInput{UserID: "u1", Role: types.RoleUser, Content: tenWords})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("ids = %v, want one entry under the default policy", ids)
	}
}
