package txn

import (
	"bytes"
	"testing"
)

func TestReadWriteCommitIsVisible(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	tx := m.Begin(ReadCommitted, 0)
	m.Write(tx, key, []byte("v1"))
	if err := m.Commit(tx); err != nil {
		t.Fatal(err)
	}

	reader := m.Begin(ReadCommitted, 0)
	got, ok := m.Read(reader, key)
	if !ok {
		t.Fatal("expected committed write to be visible")
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestRepeatableReadDoesNotSeeLaterCommit(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	first := m.Begin(ReadCommitted, 0)
	m.Write(first, key, []byte("v1"))
	if err := m.Commit(first); err != nil {
		t.Fatal(err)
	}

	reader := m.Begin(RepeatableRead, 0)
	second := m.Begin(ReadCommitted, 0)
	m.Write(second, key, []byte("v2"))
	if err := m.Commit(second); err != nil {
		t.Fatal(err)
	}

	got, ok := m.Read(reader, key)
	if !ok {
		t.Fatal("expected a visible version")
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("repeatable-read saw %q, want pinned snapshot v1", got)
	}
}

func TestSerializableConflictAborts(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	base := m.Begin(ReadCommitted, 0)
	m.Write(base, key, []byte("v0"))
	if err := m.Commit(base); err != nil {
		t.Fatal(err)
	}

	tx := m.Begin(Serializable, 0)
	m.Read(tx, key)

	other := m.Begin(ReadCommitted, 0)
	m.Write(other, key, []byte("v1"))
	if err := m.Commit(other); err != nil {
		t.Fatal(err)
	}

	m.Write(tx, key, []byte("v2"))
	if err := m.Commit(tx); err == nil {
		t.Fatal("expected serializable conflict on commit")
	}
	if tx.State() != StateAborted {
		t.Fatalf("expected txn aborted after conflict, got %v", tx.State())
	}
}

func TestAcquireLockSharedCompatibility(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	a := m.Begin(ReadCommitted, 0)
	b := m.Begin(ReadCommitted, 0)
	if err := m.AcquireLock(a, key, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := m.AcquireLock(b, key, LockShared); err != nil {
		t.Fatal(err)
	}
	m.Abort(a)
	m.Abort(b)
}

func TestGCVersionsReclaimsSupersededVersions(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	first := m.Begin(ReadCommitted, 0)
	m.Write(first, key, []byte("v1"))
	if err := m.Commit(first); err != nil {
		t.Fatal(err)
	}
	second := m.Begin(ReadCommitted, 0)
	m.Write(second, key, []byte("v2"))
	if err := m.Commit(second); err != nil {
		t.Fatal(err)
	}

	if n := m.GCVersions(); n == 0 {
		t.Fatal("expected at least one superseded version reclaimed")
	}
}

func TestAbortDiscardsWrites(t *testing.T) {
	t.Parallel()
	m := NewManager(DeadlockWaitFor, VictimYoungest, DurabilityNone, nil)
	key := ResourceKey{Kind: "inode", ID: 1}

	tx := m.Begin(ReadCommitted, 0)
	m.Write(tx, key, []byte("never-committed"))
	m.Abort(tx)

	reader := m.Begin(ReadCommitted, 0)
	if _, ok := m.Read(reader, key); ok {
		t.Fatal("expected no visible version after abort")
	}
}
