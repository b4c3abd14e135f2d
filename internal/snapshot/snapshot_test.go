package snapshot

import "testing"

type fakeCoW struct {
	shared      map[uint64]bool
	decremented map[uint64]int
}

func newFakeCoW() *fakeCoW {
	return &fakeCoW{shared: make(map[uint64]bool), decremented: make(map[uint64]int)}
}

func (f *fakeCoW) MarkShared(original uint64) error {
	f.shared[original] = true
	return nil
}
func (f *fakeCoW) Increment(original uint64) {}
func (f *fakeCoW) Decrement(original uint64) { f.decremented[original]++ }

func TestCreateMarksLiveExtentsShared(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return []uint64{10, 20} })

	s, err := m.Create("snap1", 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !cow.shared[10] || !cow.shared[20] {
		t.Fatal("expected live extents to be marked shared on create")
	}
	got, ok := m.ByName("snap1")
	if !ok || got.ID != s.ID {
		t.Fatalf("ByName lookup failed: %+v", got)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return nil })
	if _, err := m.Create("snap1", 1, 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("snap1", 1, 0, false); err == nil {
		t.Fatal("expected error creating a duplicate-named snapshot")
	}
}

func TestDeleteDecrementsDeltaRefcounts(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return nil })
	s, err := m.Create("snap1", 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	s.RecordRemap(1, 100, 200)

	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if cow.decremented[100] != 1 {
		t.Fatalf("expected original block 100 decremented once, got %d", cow.decremented[100])
	}
	if !s.Tombstoned() {
		t.Fatal("expected snapshot to be tombstoned after delete")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Fatal("expected snapshot removed from namespace after delete")
	}
}

func TestReclaimableRequiresNoReaders(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return nil })
	s, _ := m.Create("snap1", 1, 0, false)
	s.AcquireReader()
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if s.Reclaimable() {
		t.Fatal("expected not reclaimable while a reader is in flight")
	}
	s.ReleaseReader()
	if !s.Reclaimable() {
		t.Fatal("expected reclaimable once the last reader releases")
	}
}

func TestChainWalksParentage(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return nil })
	root, _ := m.Create("root", 1, 0, false)
	child, _ := m.Create("child", 1, root.ID, true)

	chain := m.Chain(child)
	if len(chain) != 2 || chain[0].ID != child.ID || chain[1].ID != root.ID {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestResolveExtentFallsBackToOriginal(t *testing.T) {
	t.Parallel()
	cow := newFakeCoW()
	m := NewManager(cow, func() []uint64 { return nil })
	s, _ := m.Create("snap1", 1, 0, false)

	if got := m.ResolveExtent(s, 1, 100); got != 100 {
		t.Fatalf("expected unchanged extent when no remap recorded, got %d", got)
	}
	s.RecordRemap(1, 100, 200)
	if got := m.ResolveExtent(s, 1, 100); got != 200 {
		t.Fatalf("expected remapped extent 200, got %d", got)
	}
}
