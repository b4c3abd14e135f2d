package inode

import "testing"

func TestLinkUnlinkAndDeletable(t *testing.T) {
	t.Parallel()
	in := &Inode{Type: Regular, NLink: 0}
	if !in.Deletable() {
		t.Fatal("expected deletable with nlink 0 and no refs")
	}
	if err := in.Link(); err != nil {
		t.Fatal(err)
	}
	if in.Deletable() {
		t.Fatal("expected not deletable once linked")
	}
	in.Ref()
	in.Unlink()
	if in.Deletable() {
		t.Fatal("expected not deletable while an open handle remains")
	}
	if in.Unref() != 0 {
		t.Fatal("expected refcount to reach 0")
	}
	if !in.Deletable() {
		t.Fatal("expected deletable once unlinked with no open handles")
	}
}

func TestLinkSaturationReturnsError(t *testing.T) {
	t.Parallel()
	in := &Inode{Type: Regular, NLink: MaxNLink}
	if err := in.Link(); err == nil {
		t.Fatal("expected error linking past MaxNLink")
	}
}

func TestCheckOwnerGroupOther(t *testing.T) {
	t.Parallel()
	in := &Inode{Type: Regular, Mode: 0o640, UID: 1, GID: 2}
	if !in.Check(1, 2, false, AccessRead) {
		t.Fatal("expected owner read access under 0640")
	}
	if in.Check(1, 2, false, AccessWrite|AccessExec) {
		// owner has rw- so exec should fail
		t.Fatal("expected owner exec access to fail under 0640")
	}
	if !in.Check(9, 2, false, AccessRead) {
		t.Fatal("expected group read access under 0640")
	}
	if in.Check(9, 9, false, AccessRead) {
		t.Fatal("expected other to have no access under 0640")
	}
}

func TestCheckSuperuserBypassesBitsButNotExec(t *testing.T) {
	t.Parallel()
	in := &Inode{Type: Regular, Mode: 0o600}
	if !in.Check(0, 0, true, AccessRead|AccessWrite) {
		t.Fatal("expected superuser read/write regardless of mode bits")
	}
	if in.Check(0, 0, true, AccessExec) {
		t.Fatal("expected superuser exec to still require an exec bit for regular files")
	}
}

func TestCheckDeletableStickyBit(t *testing.T) {
	t.Parallel()
	dir := &Inode{Mode: ModeSticky | 0o777, UID: 10}
	entry := &Inode{UID: 20}
	if CheckDeletable(dir, entry, 30, false) {
		t.Fatal("expected sticky bit to block a non-owning, non-directory-owning uid")
	}
	if !CheckDeletable(dir, entry, 20, false) {
		t.Fatal("expected the entry owner to be allowed to delete under the sticky bit")
	}
	if !CheckDeletable(dir, entry, 30, true) {
		t.Fatal("expected superuser to bypass the sticky bit")
	}
}

func TestAllowSetUIDGIDForbidsOnDirectoriesUnlessSuper(t *testing.T) {
	t.Parallel()
	if !AllowSetUIDGID(Regular, false) {
		t.Fatal("expected setuid/setgid allowed on regular files")
	}
	if AllowSetUIDGID(Directory, false) {
		t.Fatal("expected setuid/setgid forbidden on directories for non-superusers")
	}
	if !AllowSetUIDGID(Directory, true) {
		t.Fatal("expected superuser allowed to set setuid/setgid on directories")
	}
}

func TestDirEntryEncodeDecodeRoundTrips(t *testing.T) {
	t.Parallel()
	e := DirEntry{Inode: 42, Name: "hello.txt"}
	buf := EncodeEntry(e)
	entries, err := DecodeEntries(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Inode != 42 || entries[0].Name != "hello.txt" {
		t.Fatalf("unexpected decoded entries: %+v", entries)
	}
}

func TestDecodeEntriesSkipsTombstones(t *testing.T) {
	t.Parallel()
	a := EncodeEntry(DirEntry{Inode: 1, Name: "a"})
	b := EncodeEntry(DirEntry{Inode: 2, Name: "bb"})
	block := append(append([]byte{}, a...), b...)
	// tombstone the first entry by zeroing its inode field
	for i := 0; i < 8; i++ {
		block[i] = 0
	}
	entries, err := DecodeEntries(block)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "bb" {
		t.Fatalf("expected only the live entry, got %+v", entries)
	}
}

func TestDirectoryLookupInsertRemove(t *testing.T) {
	t.Parallel()
	d, err := NewDirectory(nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Insert(0, DirEntry{Inode: 1, Name: "foo"})
	if _, ok := d.Lookup("foo"); !ok {
		t.Fatal("expected to find inserted entry")
	}
	if len(d.List()) != 1 {
		t.Fatalf("expected 1 entry in List(), got %d", len(d.List()))
	}
	if !d.Remove("foo") {
		t.Fatal("expected Remove to report success")
	}
	if _, ok := d.Lookup("foo"); ok {
		t.Fatal("expected entry gone after Remove")
	}
}

func TestNewDirectoryRebuildsIndexFromBlocks(t *testing.T) {
	t.Parallel()
	block := EncodeEntry(DirEntry{Inode: 5, Name: "existing"})
	d, err := NewDirectory([][]byte{block})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := d.Lookup("existing")
	if !ok || got.Inode != 5 {
		t.Fatalf("expected to find rebuilt entry, got %+v ok=%v", got, ok)
	}
}
