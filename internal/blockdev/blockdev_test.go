package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSizeValid(t *testing.T) {
	t.Parallel()
	if !Size4K.Valid() {
		t.Fatal("expected 4K to be a valid block size")
	}
	if Size(3000).Valid() {
		t.Fatal("expected a non-power-of-two size to be invalid")
	}
}

func TestMemDeviceReadWriteRoundTrips(t *testing.T) {
	t.Parallel()
	dev, err := NewMem(Size4K, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	buf := bytes.Repeat([]byte{0x5A}, int(Size4K))
	if err := dev.WriteBlock(1, buf); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, Size4K)
	if err := dev.ReadBlock(1, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read back bytes differ from what was written")
	}
}

func TestMemDeviceOutOfRangeBlock(t *testing.T) {
	t.Parallel()
	dev, err := NewMem(Size4K, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	buf := make([]byte, Size4K)
	if err := dev.ReadBlock(5, buf); err == nil {
		t.Fatal("expected out-of-range block read to fail")
	}
}

func TestMemDeviceSyncCount(t *testing.T) {
	t.Parallel()
	dev, err := NewMem(Size4K, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.SyncCount() != 0 {
		t.Fatalf("expected 0 syncs initially, got %d", dev.SyncCount())
	}
	if err := dev.Sync(); err != nil {
		t.Fatal(err)
	}
	if dev.SyncCount() != 1 {
		t.Fatalf("expected 1 sync, got %d", dev.SyncCount())
	}
}

func TestOpenFileRequiresPreexistingCorrectSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "image")

	if _, err := OpenFile(path, Size4K, 4); err == nil {
		t.Fatal("expected OpenFile to fail against a nonexistent file")
	}

	if err := os.WriteFile(path, make([]byte, int(Size4K)*4), 0o644); err != nil {
		t.Fatal(err)
	}
	dev, err := OpenFile(path, Size4K, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	buf := bytes.Repeat([]byte{0x7E}, int(Size4K))
	if err := dev.WriteBlock(2, buf); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, Size4K)
	if err := dev.ReadBlock(2, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read back bytes differ from what was written")
	}
}

func TestOpenFileRejectsUndersizedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "image")
	if err := os.WriteFile(path, make([]byte, int(Size4K)), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path, Size4K, 4); err == nil {
		t.Fatal("expected OpenFile to reject an undersized file")
	}
}
