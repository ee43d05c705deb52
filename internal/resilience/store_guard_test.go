package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/pkg/memory"
	memmock "github.com/MrWong99/sarathi/pkg/memory/mock"
	"github.com/MrWong99/sarathi/pkg/types"
)

func newTestGuard(clock *fakeClock) (*StoreGuard, *memmock.Store) {
	store := memmock.New()
	return NewStoreGuard(store, CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
		Clock:        clock.Now,
	}), store
}

func TestStoreGuard_PassesThrough(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(newFakeClock())
	ctx := context.Background()
	entry := memory.Entry{ID: "t1", Vector: []float32{1, 0}, Text: "hello", Metadata: map[string]string{memory.KeyUserID: "u1"}}
	if err := g.Upsert(ctx, memory.ConversationTurns, entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := g.Get(ctx, memory.ConversationTurns, "t1")
	if err != nil || got.Text != "hello" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := g.Get(ctx, memory.ConversationTurns, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	n, err := g.Count(ctx, memory.ConversationTurns, memory.Filter{memory.KeyUserID: "u1"})
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v", n, err)
	}
	if err := g.Healthy(); err != nil {
		t.Errorf("Healthy() = %v", err)
	}
}

func TestStoreGuard_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g, store := newTestGuard(clock)
	ctx := context.Background()

	store.QueryErr = errTest
	for range 2 {
		if _, err := g.Query(ctx, memory.Documents, []float32{1}, 3, nil); !errors.Is(err, errTest) {
			t.Fatalf("Query err = %v, want errTest", err)
		}
	}
	if g.State() != StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}
	if g.Healthy() == nil {
		t.Error("Healthy() = nil while store failing")
	}

	calls := store.CallCount("Query")
	_, err := g.Query(ctx, memory.Documents, []float32{1}, 3, nil)
	if !errors.Is(err, types.ErrRetrievalFailure) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open read err = %v, want ErrRetrievalFailure and ErrCircuitOpen", err)
	}
	if err := g.Upsert(ctx, memory.Documents); !errors.Is(err, types.ErrPersistenceFailure) {
		t.Errorf("open write err = %v, want ErrPersistenceFailure", err)
	}
	if store.CallCount("Query") != calls {
		t.Error("open guard reached the store")
	}

	store.QueryErr = nil
	clock.Advance(time.Minute)
	if _, err := g.Query(ctx, memory.Documents, []float32{1}, 3, nil); err != nil {
		t.Fatalf("trial Query: %v", err)
	}
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed", g.State())
	}
	if err := g.Healthy(); err != nil {
		t.Errorf("Healthy() after recovery = %v", err)
	}
}

func TestStoreGuard_NotFoundIsNotAFailure(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(newFakeClock())
	for range 5 {
		_, _ = g.Get(context.Background(), memory.UserProfiles, "nobody")
	}
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed", g.State())
	}
}
