package cow

import (
	"bytes"
	"testing"
)

type fakeAlloc struct {
	next uint64
}

func (a *fakeAlloc) AllocateBlock() (uint64, uint64, error) {
	a.next++
	return 0, a.next, nil
}

func newTestEngine() (*Engine, map[uint64][]byte) {
	store := map[uint64][]byte{
		1: bytes.Repeat([]byte{0xAA}, 16),
	}
	read := func(b uint64) ([]byte, error) {
		buf := make([]byte, len(store[b]))
		copy(buf, store[b])
		return buf, nil
	}
	write := func(b uint64, buf []byte) error {
		store[b] = append([]byte(nil), buf...)
		return nil
	}
	toFlat := func(group, idx uint64) uint64 { return 100 + idx }
	return New(&fakeAlloc{}, toFlat, read, write), store
}

func TestWriteInPlaceWhenNotShared(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine()
	block, err := e.Write(1, 0, []byte{0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if block != 1 {
		t.Fatalf("expected in-place write to return original block, got %d", block)
	}
	if store[1][0] != 0xFF {
		t.Fatalf("expected in-place mutation, got %v", store[1])
	}
}

func TestWriteRemapsWhenShared(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine()
	if err := e.MarkShared(1); err != nil {
		t.Fatal(err)
	}
	if !e.NeedsCoW(1) {
		t.Fatal("expected block to need CoW after MarkShared")
	}

	newBlock, err := e.Write(1, 0, []byte{0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if newBlock == 1 {
		t.Fatal("expected write on a shared block to remap to a new block")
	}
	if store[1][0] == 0xFF {
		t.Fatal("expected original block to remain unchanged after CoW remap")
	}
	if store[newBlock][0] != 0xFF {
		t.Fatalf("expected shadow block to carry the new data, got %v", store[newBlock])
	}

	rec, ok := e.Record(1)
	if !ok || rec.CoWBlock != newBlock {
		t.Fatalf("unexpected record after remap: %+v", rec)
	}
}

func TestIncrementDecrementAndZeroRefcount(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	if err := e.MarkShared(1); err != nil {
		t.Fatal(err)
	}
	e.Increment(1)
	e.Decrement(1)
	e.Decrement(1)

	zero := e.ZeroRefcountRecords()
	if len(zero) != 1 || zero[0].Original != 1 {
		t.Fatalf("expected exactly one zero-refcount record for block 1, got %+v", zero)
	}
}

func TestDecrementNeverGoesNegative(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	if err := e.MarkShared(1); err != nil {
		t.Fatal(err)
	}
	e.Decrement(1)
	e.Decrement(1)
	e.Decrement(1)
	rec, _ := e.Record(1)
	if rec.Refcount != 0 {
		t.Fatalf("expected refcount to floor at 0, got %d", rec.Refcount)
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	if err := e.MarkShared(1); err != nil {
		t.Fatal(err)
	}
	e.Remove(1)
	if _, ok := e.Record(1); ok {
		t.Fatal("expected record to be gone after Remove")
	}
}
