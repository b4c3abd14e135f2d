package vcache

import (
	"errors"
	"testing"
)

func fixedLoader(vecs map[uint64][]float32) Loader {
	return func(vectorID uint64) ([]float32, error) {
		v, ok := vecs[vectorID]
		if !ok {
			return nil, errors.New("no such vector")
		}
		return v, nil
	}
}

func TestGetMissLoadsAndCachesThenHits(t *testing.T) {
	t.Parallel()
	load := fixedLoader(map[uint64][]float32{1: {1, 2, 3}})
	c := New(1<<20, 100, EvictLRU, PrefetchNone, CoherenceWriteThrough, load)

	got, err := c.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("unexpected vector: %v", got)
	}
	if m := c.Metrics(); m.Misses != 1 || m.Hits != 0 {
		t.Fatalf("unexpected metrics after miss: %+v", m)
	}

	if _, err := c.Get(1); err != nil {
		t.Fatal(err)
	}
	if m := c.Metrics(); m.Hits != 1 {
		t.Fatalf("expected a hit on the second Get, got %+v", m)
	}
}

func TestPutThenInvalidateRemoves(t *testing.T) {
	t.Parallel()
	c := New(1<<20, 100, EvictLRU, PrefetchNone, CoherenceWriteThrough, fixedLoader(nil))
	c.Put(1, []float32{9})
	c.Invalidate(1)

	load := fixedLoader(map[uint64][]float32{1: {1}})
	c2 := New(1<<20, 100, EvictLRU, PrefetchNone, CoherenceWriteThrough, load)
	c2.Put(1, []float32{9})
	c2.Invalidate(1)
	if _, err := c2.Get(1); err != nil {
		t.Fatal(err)
	}
	if m := c2.Metrics(); m.Misses != 1 {
		t.Fatalf("expected invalidate to force a reload miss, got %+v", m)
	}
	_ = c
}

func TestEvictLRUEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	load := fixedLoader(map[uint64][]float32{1: {1}, 2: {2}, 3: {3}})
	c := New(1<<20, 2, EvictLRU, PrefetchNone, CoherenceWriteThrough, load)

	c.Put(1, []float32{1})
	c.Put(2, []float32{2})
	if _, err := c.Get(1); err != nil {
		t.Fatal(err)
	}
	c.Put(3, []float32{3}) // should evict 2 (least recently touched), not 1

	if m := c.Metrics(); m.Evictions == 0 {
		t.Fatal("expected at least one eviction once over maxEntries")
	}
}

func TestSetValueAffectsValueBasedEviction(t *testing.T) {
	t.Parallel()
	load := fixedLoader(map[uint64][]float32{1: {1}, 2: {2}, 3: {3}})
	c := New(1<<20, 2, EvictValueBased, PrefetchNone, CoherenceWriteThrough, load)

	c.Put(1, []float32{1})
	c.SetValue(1, 100)
	c.Put(2, []float32{2})
	c.SetValue(2, 1)
	c.Put(3, []float32{3}) // should evict 2, the lowest-value entry

	if m := c.Metrics(); m.Evictions == 0 {
		t.Fatal("expected an eviction once over maxEntries")
	}
}
