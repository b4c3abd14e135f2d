// Command mkfs.vexfs formats a block device or regular file with a vexfs
// superblock and block-group layout. It uses a flag.FlagSet with a Usage
// function and a funcmain()-style entry point that returns an error for
// main to report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/layout"
)

const help = `mkfs.vexfs [-flags] <image-path>

Create a vexfs file system image.

Example:
  % mkfs.vexfs -size=1073741824 /var/lib/vexfs/image.vex
`

func funcmain() error {
	fset := flag.NewFlagSet("mkfs.vexfs", flag.ExitOnError)
	var (
		sizeBytes    = fset.Int64("size", 256<<20, "size of the image to create, in bytes")
		blockSize    = fset.Uint("blocksize", 4096, "block size in bytes (1024..65536, power of two)")
		inodeRatio   = fset.Uint64("inode-ratio", 16384, "bytes per inode (lower = more inodes)")
		vectorEnable = fset.Bool("vector", true, "reserve a dedicated vector area")
		label        = fset.String("label", "", "volume label, max 64 bytes")
		force        = fset.Bool("force", false, "overwrite an existing file at the image path")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintln(os.Stderr, "Flags:")
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])
	if fset.NArg() != 1 {
		fset.Usage()
		return xerrors.Errorf("syntax: mkfs.vexfs <image-path>")
	}
	path := fset.Arg(0)

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return xerrors.Errorf("mkfs.vexfs: %s already exists (use -force to overwrite)", path)
		}
	}

	bs := blockdev.Size(*blockSize)
	if !bs.Valid() {
		return xerrors.Errorf("mkfs.vexfs: invalid block size %d", *blockSize)
	}

	if err := createSparseImage(path, *sizeBytes); err != nil {
		return xerrors.Errorf("mkfs.vexfs: creating image: %w", err)
	}

	dev, err := blockdev.OpenFile(path, bs, uint64(*sizeBytes)/uint64(bs))
	if err != nil {
		return xerrors.Errorf("mkfs.vexfs: opening image: %w", err)
	}
	defer dev.Close()

	calc := layout.Calculator{InodeRatio: *inodeRatio, VectorEnabled: *vectorEnable}
	lay, err := calc.Calculate(dev.Size()*uint64(bs), bs)
	if err != nil {
		return xerrors.Errorf("mkfs.vexfs: computing layout: %w", err)
	}

	sb := &layout.Superblock{
		Magic:          layout.Magic,
		VersionMajor:   layout.VersionMajor,
		VersionMinor:   layout.VersionMinor,
		BlockSize:      uint32(bs),
		TotalBlocks:    lay.TotalBlocks,
		BlocksPerGroup: lay.BlocksPerGroup,
		InodesPerGroup: lay.InodesPerGroup,
		JournalStart:   lay.JournalStart,
		JournalBlocks:  lay.JournalBlocks,
		VectorStart:    lay.VectorStart,
		VectorBlocks:   lay.VectorBlocks,
		VectorEnabled:  *vectorEnable,
	}
	for i := 0; i < len(sb.Label) && i < len(*label); i++ {
		sb.Label[i] = (*label)[i]
	}
	for _, g := range lay.Groups {
		sb.TotalInodes += lay.InodesPerGroup
		sb.FreeInodes += lay.InodesPerGroup
		sb.FreeBlocks += g.FreeBlocks // every group starts fully free
	}

	buf, err := sb.Encode(bs)
	if err != nil {
		return xerrors.Errorf("mkfs.vexfs: encoding superblock: %w", err)
	}
	if err := dev.WriteBlock(0, buf); err != nil {
		return xerrors.Errorf("mkfs.vexfs: writing primary superblock: %w", err)
	}
	for _, g := range lay.Groups {
		if !layout.HasBackup(g.Group) {
			continue
		}
		groupStart := g.Group * lay.BlocksPerGroup
		if err := dev.WriteBlock(groupStart, buf); err != nil {
			return xerrors.Errorf("mkfs.vexfs: writing backup superblock (group %d): %w", g.Group, err)
		}
	}
	if err := dev.Sync(); err != nil {
		return xerrors.Errorf("mkfs.vexfs: sync: %w", err)
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("mkfs.vexfs: %s: %d blocks (%d bytes), %d groups, %d inodes\n",
			path, lay.TotalBlocks, dev.Size()*uint64(bs), len(lay.Groups), sb.TotalInodes)
	}
	return nil
}

// createSparseImage atomically materializes a zero-filled (sparse) file of
// the requested size at path, using renameio so a crash mid-creation never
// leaves a half-written image visible at the final path — the same
// create-temp-then-rename idiom cp package uses for package
// store writes.
func createSparseImage(path string, size int64) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if err := t.Truncate(size); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs.vexfs:", err)
		os.Exit(1)
	}
}
