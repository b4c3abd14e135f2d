package gc

import (
	"context"
	"testing"

	"github.com/vexfs/vexfs/internal/cow"
)

type fakeCoW struct {
	records []cow.Record
	removed []uint64
}

func (f *fakeCoW) ZeroRefcountRecords() []cow.Record { return f.records }
func (f *fakeCoW) Remove(original uint64)            { f.removed = append(f.removed, original) }

func TestIncrementalRespectsBudget(t *testing.T) {
	t.Parallel()
	src := &fakeCoW{records: []cow.Record{
		{Original: 1, CoWBlock: 101},
		{Original: 2, CoWBlock: 102},
		{Original: 3, CoWBlock: 103},
	}}
	var freed []uint64
	c := New(src, func(block uint64) error { freed = append(freed, block); return nil }, 0, nil, nil)

	metrics, err := c.Incremental(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Reclaimed != 2 {
		t.Fatalf("Reclaimed = %d, want 2", metrics.Reclaimed)
	}
	if len(freed) != 2 {
		t.Fatalf("freed %d blocks, want 2", len(freed))
	}
}

func TestFullReclaimsEverything(t *testing.T) {
	t.Parallel()
	src := &fakeCoW{records: []cow.Record{
		{Original: 1, CoWBlock: 101},
		{Original: 2, CoWBlock: 102},
	}}
	c := New(src, func(block uint64) error { return nil }, 0, nil, nil)

	metrics, err := c.Full(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Reclaimed != 2 {
		t.Fatalf("Reclaimed = %d, want 2", metrics.Reclaimed)
	}
	if len(src.removed) != 2 {
		t.Fatalf("expected both records removed from the CoW source, got %d", len(src.removed))
	}
}

func TestMaybeCompactTriggersAboveThreshold(t *testing.T) {
	t.Parallel()
	src := &fakeCoW{}
	compacted := false
	c := New(src, func(uint64) error { return nil }, 0.5,
		func() float64 { return 0.9 },
		func() error { compacted = true; return nil },
	)
	if _, err := c.Incremental(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if !compacted {
		t.Fatal("expected compaction to trigger when density exceeds the threshold")
	}
	if c.Metrics().Compactions != 1 {
		t.Fatalf("Compactions = %d, want 1", c.Metrics().Compactions)
	}
}

func TestMaybeCompactSkipsBelowThreshold(t *testing.T) {
	t.Parallel()
	src := &fakeCoW{}
	compacted := false
	c := New(src, func(uint64) error { return nil }, 0.9,
		func() float64 { return 0.1 },
		func() error { compacted = true; return nil },
	)
	if _, err := c.Incremental(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if compacted {
		t.Fatal("expected compaction to be skipped below the fragmentation threshold")
	}
}
