package store

import (
	"context"
	"math"
	"testing"

	"engram/internal/types"
)

func TestVectorUpsertSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := s.Vectors()

	recs := []types.VectorRecord{
		{ID: "a", UserID: "user-1", Embedding: []float32{1, 0, 0, 0}},
		{ID: "b", UserID: "user-1", Embedding: []float32{0, 1, 0, 0}},
		{ID: "c", UserID: "user-1", Embedding: []float32{0.9, 0.1, 0, 0}},
		{ID: "other", UserID: "user-2", Embedding: []float32{1, 0, 0, 0}},
	}
	if err := v.Upsert(ctx, types.NamespaceEntity, recs); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	hits, err := v.Search(ctx, types.NamespaceEntity, "user-1", []float32{1, 0, 0, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits above 0.5, got %d", len(hits))
	}
	if hits[0].ID != "a" || math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("Best hit should be a at 1.0, got %+v", hits[0])
	}
	for _, h := range hits {
		if h.ID == "other" {
			t.Errorf("Cross-user vector leaked into results")
		}
	}
}

func TestVectorScoreBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := s.Vectors()

	v.Upsert(ctx, types.NamespaceStatement, []types.VectorRecord{
		{ID: "x", UserID: "user-1", Embedding: []float32{0, 0, 1, 0}},
		{ID: "y", UserID: "user-1", Embedding: []float32{0, 0, 0, 1}},
	})

	scores, err := v.ScoreBatch(ctx, types.NamespaceStatement, "user-1",
		[]float32{0, 0, 1, 0}, []string{"x", "y", "missing"})
	if err != nil {
		t.Fatalf("ScoreBatch failed: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("Expected 2 scored ids, got %d", len(scores))
	}
	if math.Abs(scores["x"]-1.0) > 1e-6 {
		t.Errorf("Expected x score 1.0, got %f", scores["x"])
	}
	if math.Abs(scores["y"]) > 1e-6 {
		t.Errorf("Expected y score 0, got %f", scores["y"])
	}
	if _, ok := scores["missing"]; ok {
		t.Errorf("Missing id should be absent from result")
	}
}

func TestVectorDeleteAndListIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := s.Vectors()

	v.Upsert(ctx, types.NamespaceEpisode, []types.VectorRecord{
		{ID: "a", UserID: "user-1", Embedding: []float32{1, 0, 0, 0}},
		{ID: "b", UserID: "user-1", Embedding: []float32{0, 1, 0, 0}},
	})

	ids, err := v.ListIDs(ctx, types.NamespaceEpisode, "user-1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ListIDs failed: %v (%d)", err, len(ids))
	}

	if err := v.Delete(ctx, types.NamespaceEpisode, []string{"a"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ids, _ = v.ListIDs(ctx, types.NamespaceEpisode, "user-1")
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Expected only b, got %v", ids)
	}
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("Element %d mismatch: %f vs %f", i, in[i], out[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Errorf("Expected error for misaligned blob")
	}
}
