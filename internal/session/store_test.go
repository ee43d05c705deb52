package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *memmock.Store) {
	t.Helper()
	mem := memmock.New()
	opts = append([]StoreOption{
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "generated" }),
	}, opts...)
	return NewStore(mem, &embmock.Provider{DimensionsValue: 8}, opts...), mem
}

func TestStore_OpenSaveLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, mem := newTestStore(t)

	sess, err := st.Open(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.ID != "s1" || sess.UserID != "u1" || !sess.StartedAt.Equal(now) {
		t.Errorf("new session = %+v", sess)
	}
	if mem.CallCount("Upsert") != 0 {
		t.Error("Open persisted a new session")
	}

	sess = st.Append(sess, agent.Mentor,
		types.Message{Role: types.RoleUser, Content: "how do I learn Go?"},
		types.Message{Role: types.RoleAssistant, Content: "Start with the tour."},
	)
	if err := st.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Open(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got.Turns != 1 || got.LastPersona != agent.Mentor || len(got.Recent) != 2 {
		t.Errorf("reloaded = %+v", got)
	}
	if got.Recent[1].Content != "Start with the tour." {
		t.Errorf("Recent = %+v", got.Recent)
	}

	e, err := mem.Get(ctx, memory.Sessions, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Metadata[memory.KeyUserID] != "u1" || e.Metadata[memory.KeySessionID] != "s1" || e.Metadata[memory.KeyPersona] != "mentor" {
		t.Errorf("metadata = %v", e.Metadata)
	}
}

func TestStore_OpenErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, mem := newTestStore(t)
	sess, _ := st.Open(ctx, "u1", "s1")
	if err := st.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := st.Open(ctx, "u2", "s1"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("other user's session: err = %v, want ErrValidation", err)
	}
	if _, err := st.Open(ctx, "", "s1"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty user: err = %v, want ErrValidation", err)
	}

	mem.GetErr = errors.New("timeout")
	if _, err := st.Open(ctx, "u1", "s1"); !errors.Is(err, types.ErrRetrievalFailure) {
		t.Errorf("store down: err = %v, want ErrRetrievalFailure", err)
	}
}

func TestStore_OpenGeneratesID(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	sess, err := st.Open(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.ID != "generated" {
		t.Errorf("ID = %q", sess.ID)
	}
}

func TestStore_AppendWindow(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t, WithWindow(4))
	sess := Session{ID: "s1", UserID: "u1"}
	for range 3 {
		sess = st.Append(sess, "", chatter(2)...)
	}
	if len(sess.Recent) != 4 || sess.Turns != 3 {
		t.Errorf("Recent = %d, Turns = %d", len(sess.Recent), sess.Turns)
	}
}

func TestStore_PinListDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _ := newTestStore(t)
	for i, id := range []string{"old", "new"} {
		sess, _ := st.Open(ctx, "u1", id)
		sess.LastActive = now.Add(time.Duration(i) * time.Hour)
		if err := st.Save(ctx, sess); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	pinned, err := st.Pin(ctx, "old", agent.Interviewer)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if pinned.Pinned != agent.Interviewer {
		t.Errorf("Pinned = %q", pinned.Pinned)
	}
	if _, err := st.Pin(ctx, "old", "oracle"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Pin(unknown) err = %v", err)
	}
	if _, err := st.Pin(ctx, "missing", agent.Mentor); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Pin(missing) err = %v, want ErrNotFound", err)
	}

	list, err := st.ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].Pinned != agent.Interviewer {
		t.Errorf("ListForUser = %+v", list)
	}

	if err := st.Delete(ctx, "old"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, "old"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := st.Load(ctx, "old"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Load after Delete err = %v", err)
	}
}
