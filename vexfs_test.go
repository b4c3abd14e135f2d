package vexfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/vfs"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	dev, err := blockdev.NewMem(blockdev.Size4K, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	fs, err := New(dev, MountOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	return fs
}

var owner = vfs.Credentials{UID: 1, GID: 1}

func TestMkdirLookupAndReadDir(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Mkdir(ctx, rootInodeNumber, "sub", 0o755, owner)
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs.Lookup(ctx, rootInodeNumber, "sub")
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != st.Number {
		t.Fatalf("Lookup returned inode %d, want %d", got.Number, st.Number)
	}

	h, err := fs.OpenDir(ctx, rootInodeNumber, owner)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := fs.ReadDir(ctx, h, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "sub" {
		t.Fatalf("unexpected root entries: %+v", entries)
	}
}

func TestCreateWriteReadRoundTrips(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Create(ctx, rootInodeNumber, "file.txt", 0o644, owner)
	if err != nil {
		t.Fatal(err)
	}
	h, err := fs.Open(ctx, st.Number, owner)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Release(ctx, h)

	payload := []byte("hello, vexfs")
	if n, err := fs.Write(ctx, h, 0, payload); err != nil || n != len(payload) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	got, err := fs.Read(ctx, h, 0, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read() = %q, want %q", got, payload)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Create(ctx, rootInodeNumber, "gone.txt", 0o644, owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(ctx, rootInodeNumber, "gone.txt", owner); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Lookup(ctx, rootInodeNumber, "gone.txt"); err == nil {
		t.Fatal("expected lookup to fail after unlink")
	}
	if _, err := fs.GetAttr(ctx, st.Number); err == nil {
		t.Fatal("expected inode to be gone once nlink and refs both reach zero")
	}
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	dir, err := fs.Mkdir(ctx, rootInodeNumber, "dst", 0o755, owner)
	if err != nil {
		t.Fatal(err)
	}
	file, err := fs.Create(ctx, rootInodeNumber, "a.txt", 0o644, owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(ctx, rootInodeNumber, "a.txt", dir.Number, "b.txt", owner); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Lookup(ctx, rootInodeNumber, "a.txt"); err == nil {
		t.Fatal("expected old name gone after rename")
	}
	got, err := fs.Lookup(ctx, dir.Number, "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != file.Number {
		t.Fatalf("renamed entry points at inode %d, want %d", got.Number, file.Number)
	}
}

func TestSymlinkReadlinkRoundTrips(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Symlink(ctx, rootInodeNumber, "link", "/target/path", owner)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fs.Readlink(ctx, st.Number)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/target/path" {
		t.Fatalf("Readlink() = %q, want /target/path", got)
	}
}

func TestCreateVectorAndSearchVectors(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	near := []float32{1, 1, 1, 1}
	far := []float32{100, 100, 100, 100}
	nearStat, err := fs.CreateVector(ctx, rootInodeNumber, "near.vec", 4, near, owner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.CreateVector(ctx, rootInodeNumber, "far.vec", 4, far, owner); err != nil {
		t.Fatal(err)
	}

	hits, err := fs.SearchVectors(ctx, []float32{1, 1, 1, 2}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Inode != nearStat.Number {
		t.Fatalf("SearchVectors() = %+v, want nearest to be inode %d", hits, nearStat.Number)
	}

	got, err := fs.ReadVector(ctx, nearStat.Number)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(near) {
		t.Fatalf("ReadVector() = %v, want length %d", got, len(near))
	}
}

func TestMkdirDuplicateNameFails(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()
	if _, err := fs.Mkdir(ctx, rootInodeNumber, "dup", 0o755, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mkdir(ctx, rootInodeNumber, "dup", 0o755, owner); err == nil {
		t.Fatal("expected error creating a duplicate directory name")
	}
}

func TestSetAttrAppliesPatchAndChecksOwnership(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	ctx := context.Background()

	st, err := fs.Create(ctx, rootInodeNumber, "attr.txt", 0o644, owner)
	if err != nil {
		t.Fatal(err)
	}

	stranger := vfs.Credentials{UID: 99, GID: 99}
	if _, err := fs.SetAttr(ctx, st.Number, inode.AttrPatch{}, stranger); err == nil {
		t.Fatal("expected a non-owning, non-super uid to be denied")
	}

	mode := uint16(0o600)
	size := uint64(4096)
	got, err := fs.SetAttr(ctx, st.Number, inode.AttrPatch{Mode: &mode, Size: &size}, owner)
	if err != nil {
		t.Fatal(err)
	}
	want := *st
	want.Mode = mode
	want.Size = size
	if got.Ctime.Before(st.Ctime) {
		t.Fatalf("SetAttr() moved ctime backwards: %v before %v", got.Ctime, st.Ctime)
	}
	want.Ctime = got.Ctime // setattr stamps ctime
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("SetAttr() result mismatch (-want +got):\n%s", diff)
	}

	refetched, err := fs.GetAttr(ctx, st.Number)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(*got, *refetched); diff != "" {
		t.Fatalf("GetAttr() after SetAttr() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatFSReportsFreeSpace(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t)
	st, err := fs.StatFS(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalBlocks == 0 || st.FreeBlocks == 0 {
		t.Fatalf("unexpected statfs result: %+v", st)
	}
}
