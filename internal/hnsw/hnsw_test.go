package hnsw

import "testing"

func TestDistanceEuclideanZeroForIdentical(t *testing.T) {
	t.Parallel()
	a := []float32{1, 2, 3}
	if d := Distance(Euclidean, a, a); d != 0 {
		t.Fatalf("Distance(identical) = %v, want 0", d)
	}
}

func TestInsertAndSearchFindsNearest(t *testing.T) {
	t.Parallel()
	g := New(DefaultParams(2))
	points := map[uint64][]float32{
		1: {0, 0},
		2: {10, 10},
		3: {0.1, 0.1},
		4: {20, 20},
	}
	for _, id := range []uint64{1, 2, 3, 4} {
		if err := g.Insert(id, points[id]); err != nil {
			t.Fatal(err)
		}
	}

	out := g.Search([]float32{0, 0}, 2)
	if len(out.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(out.Results))
	}
	top := out.Results[0].ID
	if top != 1 && top != 3 {
		t.Fatalf("expected nearest result to be id 1 or 3, got %d", top)
	}
}

func TestInsertDuplicateIDFails(t *testing.T) {
	t.Parallel()
	g := New(DefaultParams(2))
	if err := g.Insert(1, []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := g.Insert(1, []float32{1, 1}); err == nil {
		t.Fatal("expected error inserting a duplicate id")
	}
}

func TestSearchEmptyGraphReturnsNoResults(t *testing.T) {
	t.Parallel()
	g := New(DefaultParams(2))
	out := g.Search([]float32{0, 0}, 5)
	if len(out.Results) != 0 {
		t.Fatalf("expected no results on an empty graph, got %d", len(out.Results))
	}
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()
	g := New(DefaultParams(2))
	if err := g.Delete(99); err == nil {
		t.Fatal("expected error deleting an unknown id")
	}
}

func TestDeleteThenLenUnchanged(t *testing.T) {
	t.Parallel()
	g := New(DefaultParams(2))
	if err := g.Insert(1, []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := g.Delete(1); err != nil {
		t.Fatal(err)
	}
	// tombstoning doesn't remove the node outright, only marks it
	if got := g.Len(); got != 1 {
		t.Fatalf("Len() after tombstone delete = %d, want 1", got)
	}
}

func TestInsertIsDeterministicGivenSameSeed(t *testing.T) {
	t.Parallel()
	build := func() []Result {
		g := New(Params{M: 4, MMax0: 8, EfConstruction: 32, EfSearch: 16, Metric: Euclidean, Seed: 7})
		for i := uint64(0); i < 20; i++ {
			v := []float32{float32(i), float32(i * 2)}
			if err := g.Insert(i, v); err != nil {
				t.Fatal(err)
			}
		}
		return g.Search([]float32{5, 10}, 3).Results
	}
	a := build()
	b := build()
	if len(a) != len(b) {
		t.Fatalf("result count differs between runs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("result %d differs between identically-seeded runs: %d vs %d", i, a[i].ID, b[i].ID)
		}
	}
}
