package vectorindex

import (
	"context"
	"math"
	"testing"

	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLite(s.DB())
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, 1.5, -2.25, float32(math.Pi)}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, []Entry{{ID: "1", Values: []float32{1, 0}, Metadata: Metadata{Category: "Bug", Sentiment: "negative"}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, []Entry{{ID: "1", Values: []float32{0, 1}, Metadata: Metadata{Category: "UI", Sentiment: "positive"}}}); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	e, err := idx.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Metadata.Category != "UI" || e.Metadata.Sentiment != "positive" || e.Values[1] != 1 {
		t.Errorf("entry = %+v, want replaced values", e)
	}
}

func TestUpsert_RejectsEmpty(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	if err := idx.Upsert(ctx, []Entry{{ID: "1"}}); err == nil {
		t.Error("expected error for empty values")
	}
	if err := idx.Upsert(ctx, []Entry{{Values: []float32{1}}}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestQuery_OrdersBySimilarity(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	entries := []Entry{
		{ID: "a", Values: []float32{1, 0, 0}, Metadata: Metadata{Category: "Bug"}},
		{ID: "b", Values: []float32{0.8, 0.2, 0}, Metadata: Metadata{Category: "Bug"}},
		{ID: "c", Values: []float32{0, 0, 1}, Metadata: Metadata{Category: "Feature"}},
	}
	if err := idx.Upsert(ctx, entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "a" || matches[1].ID != "b" {
		t.Errorf("order = %s,%s; want a,b", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score < 0.999 {
		t.Errorf("self-similarity = %v, want ~1", matches[0].Score)
	}
}

func TestQuery_EdgeCases(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if m, err := idx.Query(ctx, []float32{1}, 5); err != nil || m != nil {
		t.Errorf("empty index: %v, %v", m, err)
	}
	if err := idx.Upsert(ctx, []Entry{{ID: "x", Values: []float32{1, 1}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if m, _ := idx.Query(ctx, []float32{1, 1}, 0); m != nil {
		t.Errorf("topK=0 returned %v", m)
	}
	if m, _ := idx.Query(ctx, []float32{0, 0}, 1); m != nil {
		t.Errorf("zero query vector returned %v", m)
	}
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	if err := idx.Upsert(ctx, []Entry{{ID: "7", Values: []float32{1}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Delete(ctx, "7"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := idx.Get(ctx, "7"); err != ErrNotFound {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if err := idx.Delete(ctx, "7"); err != ErrNotFound {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}
