package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSparseImageMaterializesRequestedSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.vex")

	const size = 4 << 20
	if err := createSparseImage(path, size); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != size {
		t.Fatalf("image size = %d, want %d", fi.Size(), size)
	}
}

func TestCreateSparseImageOverwritesExisting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.vex")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	const size = 1 << 20
	if err := createSparseImage(path, size); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != size {
		t.Fatalf("image size = %d, want %d", fi.Size(), size)
	}
}
