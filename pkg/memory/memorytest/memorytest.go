// Package memorytest holds a behavioural test suite shared by every
// [memory.VectorStore] backend.
//
//	func TestConformance(t *testing.T) {
//	    memorytest.Run(t, func(t *testing.T) memory.VectorStore { return memstore.New() })
//	}
package memorytest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Dimensions is the vector length used by every fixture.
const Dimensions = 4

// Factory returns a fresh, empty store. It should register cleanup with t.
type Factory func(t *testing.T) memory.VectorStore

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("UpsertGetRoundTrip", func(t *testing.T) { testUpsertGet(t, newStore(t)) })
	t.Run("UpsertLastWriteWins", func(t *testing.T) { testLastWriteWins(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("QueryOrdering", func(t *testing.T) { testQueryOrdering(t, newStore(t)) })
	t.Run("QueryFilter", func(t *testing.T) { testQueryFilter(t, newStore(t)) })
	t.Run("QueryBounds", func(t *testing.T) { testQueryBounds(t, newStore(t)) })
	t.Run("CollectionsAreIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListCount(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteWhere", func(t *testing.T) { testDeleteWhere(t, newStore(t)) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore(t)) })
}

// Vec returns the unit vector along axis i (mod Dimensions).
func Vec(i int) []float32 {
	v := make([]float32, Dimensions)
	v[i%Dimensions] = 1
	return v
}

// Mix returns a normalised blend of axes i and j weighted a and b.
func Mix(i int, a float32, j int, b float32) []float32 {
	v := make([]float32, Dimensions)
	v[i%Dimensions] += a
	v[j%Dimensions] += b
	var n float32
	for _, x := range v {
		n += x * x
	}
	norm := float32(math.Sqrt(float64(n)))
	for k := range v {
		v[k] /= norm
	}
	return v
}

func entry(id, user string, vec []float32) memory.Entry {
	return memory.Entry{
		ID:       id,
		Vector:   vec,
		Text:     "text of " + id,
		Metadata: map[string]string{memory.KeyUserID: user},
	}
}

func mustUpsert(t *testing.T, s memory.VectorStore, c memory.Collection, es ...memory.Entry) {
	t.Helper()
	if err := s.Upsert(context.Background(), c, es...); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func ids(ms []memory.Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func testUpsertGet(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	e := entry("turn-1", "u1", Vec(0))
	e.Metadata[memory.KeyPersona] = "mentor"
	mustUpsert(t, s, memory.ConversationTurns, e)

	got, err := s.Get(ctx, memory.ConversationTurns, "turn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != e.ID || got.Text != e.Text {
		t.Errorf("Get = %+v, want %+v", got, e)
	}
	if got.Metadata[memory.KeyPersona] != "mentor" || got.Metadata[memory.KeyUserID] != "u1" {
		t.Errorf("metadata not preserved: %v", got.Metadata)
	}
	if len(got.Vector) != Dimensions {
		t.Errorf("want %d-dim vector, got %d", Dimensions, len(got.Vector))
	}
}

func testLastWriteWins(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	mustUpsert(t, s, memory.UserProfiles, entry("profile_u1", "u1", Vec(0)))
	second := entry("profile_u1", "u1", Vec(1))
	second.Text = "updated"
	mustUpsert(t, s, memory.UserProfiles, second)

	n, err := s.Count(ctx, memory.UserProfiles, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("want exactly 1 entry after re-upsert, got %d", n)
	}
	got, _ := s.Get(ctx, memory.UserProfiles, "profile_u1")
	if got.Text != "updated" {
		t.Errorf("want last write, got %q", got.Text)
	}
}

func testGetMissing(t *testing.T, s memory.VectorStore) {
	_, err := s.Get(context.Background(), memory.Sessions, "nope")
	if !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testQueryOrdering(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	mustUpsert(t, s, memory.Documents,
		entry("far", "u1", Vec(2)),
		entry("near", "u1", Mix(0, 0.9, 1, 0.1)),
		entry("tie-b", "u1", Mix(0, 0.5, 1, 0.5)),
		entry("tie-a", "u1", Mix(0, 0.5, 1, 0.5)),
		entry("exact", "u1", Vec(0)),
	)

	got, err := s.Query(ctx, memory.Documents, Vec(0), 10, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []string{"exact", "near", "tie-a", "tie-b", "far"}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("similarity increases at %d: %v > %v", i, got[i].Similarity, got[i-1].Similarity)
		}
	}
	if got[0].Text != "text of exact" {
		t.Errorf("match text = %q", got[0].Text)
	}

	top, err := s.Query(ctx, memory.Documents, Vec(0), 2, nil)
	if err != nil {
		t.Fatalf("Query k=2: %v", err)
	}
	if len(top) != 2 || top[0].ID != "exact" || top[1].ID != "near" {
		t.Errorf("k=2 = %v", ids(top))
	}
}

func testQueryFilter(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	a := entry("a", "u1", Vec(0))
	a.Metadata[memory.KeyPersona] = "companion"
	b := entry("b", "u1", Vec(0))
	b.Metadata[memory.KeyPersona] = "mentor"
	c := entry("c", "u2", Vec(0))
	c.Metadata[memory.KeyPersona] = "mentor"
	mustUpsert(t, s, memory.ConversationTurns, a, b, c)

	got, err := s.Query(ctx, memory.ConversationTurns, Vec(0), 5, memory.Filter{memory.KeyUserID: "u1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fmt.Sprint(ids(got)) != "[a b]" {
		t.Errorf("user filter = %v, want [a b]", ids(got))
	}

	got, _ = s.Query(ctx, memory.ConversationTurns, Vec(0), 5, memory.Filter{memory.KeyUserID: "u1", memory.KeyPersona: "mentor"})
	if fmt.Sprint(ids(got)) != "[b]" {
		t.Errorf("user+persona filter = %v, want [b]", ids(got))
	}

	got, err = s.Query(ctx, memory.ConversationTurns, Vec(0), 5, memory.Filter{memory.KeyUserID: "nobody"})
	if err != nil {
		t.Fatalf("Query with no matches: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want no matches, got %v", ids(got))
	}
}

func testQueryBounds(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()

	got, err := s.Query(ctx, memory.Documents, Vec(0), 3, nil)
	if err != nil {
		t.Fatalf("Query on empty collection: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want empty result, got %v", ids(got))
	}

	mustUpsert(t, s, memory.Documents, entry("only", "u1", Vec(1)))
	got, err = s.Query(ctx, memory.Documents, Vec(0), 50, nil)
	if err != nil {
		t.Fatalf("Query with k > count: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("want 1 result, got %d", len(got))
	}

	got, err = s.Query(ctx, memory.Documents, Vec(0), 0, nil)
	if err != nil || len(got) != 0 {
		t.Errorf("k=0: got %v, %v", ids(got), err)
	}

	if _, err := s.Query(ctx, memory.Documents, Vec(0), -1, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("k<0: want ErrValidation, got %v", err)
	}
}

func testIsolation(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	mustUpsert(t, s, memory.Documents, entry("x", "u1", Vec(0)))
	mustUpsert(t, s, memory.SharedKnowledge, entry("y", "u1", Vec(0)))

	got, _ := s.Query(ctx, memory.Documents, Vec(0), 5, nil)
	if fmt.Sprint(ids(got)) != "[x]" {
		t.Errorf("documents = %v, want [x]", ids(got))
	}
	if _, err := s.Get(ctx, memory.Documents, "y"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("entry leaked across collections: %v", err)
	}
}

func testListCount(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	mustUpsert(t, s, memory.InteractionLog,
		entry("c", "u1", Vec(0)),
		entry("a", "u1", Vec(1)),
		entry("b", "u2", Vec(2)),
	)

	all, err := s.List(ctx, memory.InteractionLog, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, e := range all {
		got = append(got, e.ID)
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("List order = %v, want [a b c]", got)
	}

	u1, _ := s.List(ctx, memory.InteractionLog, memory.Filter{memory.KeyUserID: "u1"})
	if len(u1) != 2 {
		t.Errorf("List(u1) = %d entries, want 2", len(u1))
	}

	if n, _ := s.Count(ctx, memory.InteractionLog, nil); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	if n, _ := s.Count(ctx, memory.InteractionLog, memory.Filter{memory.KeyUserID: "u2"}); n != 1 {
		t.Errorf("Count(u2) = %d, want 1", n)
	}
	if n, _ := s.Count(ctx, memory.Sessions, nil); n != 0 {
		t.Errorf("Count(empty) = %d, want 0", n)
	}
}

func testDelete(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	mustUpsert(t, s, memory.Documents, entry("d1", "u1", Vec(0)), entry("d2", "u1", Vec(1)))

	if err := s.Delete(ctx, memory.Documents, "d1", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, memory.Documents, "d1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("d1 still present: %v", err)
	}
	if n, _ := s.Count(ctx, memory.Documents, nil); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	if err := s.Delete(ctx, memory.Documents); err != nil {
		t.Errorf("Delete with no ids: %v", err)
	}
}

func testDeleteWhere(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	doc := func(id, docID string) memory.Entry {
		e := entry(id, "u1", Vec(0))
		e.Metadata[memory.KeyDocID] = docID
		return e
	}
	mustUpsert(t, s, memory.Documents, doc("r_0", "r"), doc("r_1", "r"), doc("s_0", "s"))

	n, err := s.DeleteWhere(ctx, memory.Documents, memory.Filter{memory.KeyDocID: "r"})
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if left, _ := s.Count(ctx, memory.Documents, nil); left != 1 {
		t.Errorf("left %d, want 1", left)
	}
	if _, err := s.DeleteWhere(ctx, memory.Documents, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty filter: want ErrValidation, got %v", err)
	}
}

func testValidation(t *testing.T, s memory.VectorStore) {
	ctx := context.Background()
	if err := s.Upsert(ctx, "bogus", entry("x", "u", Vec(0))); !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown collection: want ErrValidation, got %v", err)
	}
	if err := s.Upsert(ctx, memory.Documents, memory.Entry{ID: "", Vector: Vec(0)}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty id: want ErrValidation, got %v", err)
	}
	if err := s.Upsert(ctx, memory.Documents, memory.Entry{ID: "x"}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("missing vector: want ErrValidation, got %v", err)
	}
}
