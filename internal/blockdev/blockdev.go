// Package blockdev implements the raw block device abstraction: fixed-size
// block read/write over either a real device file or an in-memory backing,
// for tests.
package blockdev

import (
	"io"
	"os"
	"sync"

	"github.com/orcaman/writerseeker"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Size is the on-disk block size in bytes: one of {1024 .. 65536}, power
// of two.
type Size uint32

const (
	Size1K  Size = 1 << 10
	Size2K  Size = 1 << 11
	Size4K  Size = 1 << 12
	Size8K  Size = 1 << 13
	Size16K Size = 1 << 14
	Size32K Size = 1 << 15
	Size64K Size = 1 << 16
)

// Valid reports whether s is one of the supported block sizes.
func (s Size) Valid() bool {
	switch s {
	case Size1K, Size2K, Size4K, Size8K, Size16K, Size32K, Size64K:
		return true
	}
	return false
}

// Device is the block device trait surface consumed by every higher layer.
// Both implementations below satisfy it.
type Device interface {
	ReadBlock(n uint64, buf []byte) error
	WriteBlock(n uint64, buf []byte) error
	Sync() error
	Size() uint64 // total blocks
	BlockSize() Size
	Close() error
}

// FileDevice backs a Device with a regular file or block special file,
// addressed with pread/pwrite (golang.org/x/sys/unix) rather than a single
// shared cursor, so concurrent reads and writes never race over Seek.
type FileDevice struct {
	mu        sync.Mutex
	f         *os.File
	blockSize Size
	nblocks   uint64
}

// OpenFile opens path (which must already exist and be at least
// nblocks*blockSize bytes) as a Device.
func OpenFile(path string, blockSize Size, nblocks uint64) (*FileDevice, error) {
	if !blockSize.Valid() {
		return nil, xerrors.Errorf("blockdev: %w: block size %d", vexerr.ErrInvalidArgument, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("blockdev: opening %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("blockdev: stat %s: %w", path, err)
	}
	if got, want := uint64(fi.Size()), nblocks*uint64(blockSize); got < want {
		f.Close()
		return nil, xerrors.Errorf("blockdev: %s is %d bytes, want at least %d", path, got, want)
	}
	return &FileDevice{f: f, blockSize: blockSize, nblocks: nblocks}, nil
}

func (d *FileDevice) ReadBlock(n uint64, buf []byte) error {
	if n >= d.nblocks {
		return xerrors.Errorf("blockdev: block %d: %w", n, vexerr.ErrOutOfRange)
	}
	if len(buf) != int(d.blockSize) {
		return xerrors.Errorf("blockdev: %w: buf len %d != block size %d", vexerr.ErrInvalidArgument, len(buf), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(n) * int64(d.blockSize)
	nr, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return xerrors.Errorf("blockdev: pread block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	if nr != len(buf) {
		return xerrors.Errorf("blockdev: short read of block %d (%d/%d bytes): %w", n, nr, len(buf), vexerr.ErrDeviceError)
	}
	return nil
}

func (d *FileDevice) WriteBlock(n uint64, buf []byte) error {
	if n >= d.nblocks {
		return xerrors.Errorf("blockdev: block %d: %w", n, vexerr.ErrOutOfRange)
	}
	if len(buf) != int(d.blockSize) {
		return xerrors.Errorf("blockdev: %w: buf len %d != block size %d", vexerr.ErrInvalidArgument, len(buf), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(n) * int64(d.blockSize)
	nw, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return xerrors.Errorf("blockdev: pwrite block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	if nw != len(buf) {
		return xerrors.Errorf("blockdev: short write of block %d (%d/%d bytes): %w", n, nw, len(buf), vexerr.ErrDeviceError)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return xerrors.Errorf("blockdev: sync: %w: %v", vexerr.ErrDeviceError, err)
	}
	return nil
}

func (d *FileDevice) Size() uint64      { return d.nblocks }
func (d *FileDevice) BlockSize() Size   { return d.blockSize }
func (d *FileDevice) Close() error      { return d.f.Close() }

// MemDevice is an in-memory Device for tests, backed by a
// writerseeker.WriterSeeker — an in-memory io.ReadWriteSeeker — addressed by
// block offset exactly as FileDevice addresses the real file, so the two
// implementations share the same read/write-at-offset shape.
type MemDevice struct {
	mu        sync.Mutex
	blockSize Size
	nblocks   uint64
	backing   *writerseeker.WriterSeeker
	synced    int // count of Sync() calls, exposed for tests asserting barrier ordering
}

// NewMem allocates an in-memory device of nblocks blocks of blockSize bytes,
// zero-filled.
func NewMem(blockSize Size, nblocks uint64) (*MemDevice, error) {
	if !blockSize.Valid() {
		return nil, xerrors.Errorf("blockdev: %w: block size %d", vexerr.ErrInvalidArgument, blockSize)
	}
	ws := &writerseeker.WriterSeeker{}
	zero := make([]byte, blockSize)
	for i := uint64(0); i < nblocks; i++ {
		if _, err := ws.Write(zero); err != nil {
			return nil, xerrors.Errorf("blockdev: zero-filling mem device: %w", err)
		}
	}
	return &MemDevice{blockSize: blockSize, nblocks: nblocks, backing: ws}, nil
}

func (d *MemDevice) ReadBlock(n uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= d.nblocks {
		return xerrors.Errorf("blockdev: block %d: %w", n, vexerr.ErrOutOfRange)
	}
	if len(buf) != int(d.blockSize) {
		return xerrors.Errorf("blockdev: %w: buf len %d != block size %d", vexerr.ErrInvalidArgument, len(buf), d.blockSize)
	}
	br := d.backing.BytesReader()
	if _, err := br.Seek(int64(n)*int64(d.blockSize), io.SeekStart); err != nil {
		return xerrors.Errorf("blockdev: seek block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	if _, err := io.ReadFull(br, buf); err != nil {
		return xerrors.Errorf("blockdev: read block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	return nil
}

func (d *MemDevice) WriteBlock(n uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= d.nblocks {
		return xerrors.Errorf("blockdev: block %d: %w", n, vexerr.ErrOutOfRange)
	}
	if len(buf) != int(d.blockSize) {
		return xerrors.Errorf("blockdev: %w: buf len %d != block size %d", vexerr.ErrInvalidArgument, len(buf), d.blockSize)
	}
	if _, err := d.backing.Seek(int64(n)*int64(d.blockSize), io.SeekStart); err != nil {
		return xerrors.Errorf("blockdev: seek block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	if _, err := d.backing.Write(buf); err != nil {
		return xerrors.Errorf("blockdev: write block %d: %w: %v", n, vexerr.ErrDeviceError, err)
	}
	return nil
}

func (d *MemDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synced++
	return nil
}

func (d *MemDevice) SyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.synced
}

func (d *MemDevice) Size() uint64    { return d.nblocks }
func (d *MemDevice) BlockSize() Size { return d.blockSize }
func (d *MemDevice) Close() error    { return nil }

var _ io.Closer = (*MemDevice)(nil)
var _ io.Closer = (*FileDevice)(nil)
var _ Device = (*FileDevice)(nil)
var _ Device = (*MemDevice)(nil)
