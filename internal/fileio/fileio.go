// Package fileio implements the file I/O path: read, write, truncate, and
// the vector-file payload route through internal/vector, tying together
// internal/alloc, internal/journal, internal/txn, internal/inode, and
// internal/cow into one read/write transactional data path.
package fileio

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/cow"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/journal"
	"github.com/vexfs/vexfs/internal/txn"
	"github.com/vexfs/vexfs/internal/vector"
	"github.com/vexfs/vexfs/internal/vexerr"
)

// RemapRecorder lets the caller (the snapshot manager) learn about CoW
// remaps as they happen, so it can append delta entries without fileio
// importing internal/snapshot directly.
type RemapRecorder func(inodeNum, original, remapped uint64)

// Manager wires the block device, allocator, journal, transaction manager,
// and CoW engine into the read/write/truncate operations.
type Manager struct {
	dev   blockdev.Device
	alloc *alloc.Allocator
	jrn   *journal.Journal
	txns  *txn.Manager
	cowEn *cow.Engine
	mode  journal.Mode
	toFlat cow.BlockIndex

	onRemap RemapRecorder
}

// New constructs a Manager. toFlat converts an allocator (group, idx) pair
// to a flat block number per internal/layout's geometry.
func New(dev blockdev.Device, a *alloc.Allocator, jrn *journal.Journal, txns *txn.Manager, cowEn *cow.Engine, mode journal.Mode, toFlat cow.BlockIndex, onRemap RemapRecorder) *Manager {
	return &Manager{dev: dev, alloc: a, jrn: jrn, txns: txns, cowEn: cowEn, mode: mode, toFlat: toFlat, onRemap: onRemap}
}

// blockSize returns the device's block size in bytes.
func (m *Manager) blockSize() int { return int(m.dev.BlockSize()) }

// extentFor finds the extent covering logical block lb, if any.
func extentFor(in *inode.Inode, lb uint64) (inode.Extent, bool) {
	for _, e := range in.Extents {
		if lb >= e.LogicalStart && lb < e.LogicalStart+e.Length {
			return e, true
		}
	}
	return inode.Extent{}, false
}

// Read implements the read path: resolve extents, read through the
// block device, and copy out. atime is not updated.
func (m *Manager) Read(in *inode.Inode, offset int64, length int) ([]byte, error) {
	stat := in.Stat()
	if offset >= int64(stat.Size) {
		return nil, nil
	}
	if offset+int64(length) > int64(stat.Size) {
		length = int(int64(stat.Size) - offset)
	}
	bs := m.blockSize()
	out := make([]byte, 0, length)
	remaining := length
	pos := offset
	for remaining > 0 {
		lb := uint64(pos) / uint64(bs)
		inBlock := int(uint64(pos) % uint64(bs))
		ext, ok := extentFor(in, lb)
		if !ok {
			// sparse hole: zero-fill
			n := bs - inBlock
			if n > remaining {
				n = remaining
			}
			out = append(out, make([]byte, n)...)
			remaining -= n
			pos += int64(n)
			continue
		}
		block := ext.StartBlock + (lb - ext.LogicalStart)
		buf := make([]byte, bs)
		if err := m.dev.ReadBlock(block, buf); err != nil {
			return nil, xerrors.Errorf("fileio: reading block %d: %w", block, err)
		}
		n := bs - inBlock
		if n > remaining {
			n = remaining
		}
		out = append(out, buf[inBlock:inBlock+n]...)
		remaining -= n
		pos += int64(n)
	}
	in.SetAttr(inode.AttrPatch{Mtime: nil})
	return out, nil
}

// Write implements the write path: extend or overwrite per extent,
// CoW-remap via internal/cow if the target block is snapshot-shared,
// journal the before/after images per m.mode, and update size/mtime.
func (m *Manager) Write(t *txn.Txn, in *inode.Inode, offset int64, data []byte) (int, error) {
	bs := m.blockSize()
	written := 0
	pos := offset
	remaining := len(data)
	for remaining > 0 {
		lb := uint64(pos) / uint64(bs)
		inBlock := int(uint64(pos) % uint64(bs))
		n := bs - inBlock
		if n > remaining {
			n = remaining
		}
		block, err := m.resolveOrAllocate(in, lb)
		if err != nil {
			return written, err
		}

		key := txn.ResourceKey{Kind: "extent", ID: block}
		if err := m.txns.AcquireLock(t, key, txn.LockExclusive); err != nil {
			return written, xerrors.Errorf("fileio: locking block %d: %w", block, err)
		}

		before, err := m.readBlockCopy(block)
		if err != nil {
			return written, err
		}

		target := block
		if m.cowEn != nil && m.cowEn.NeedsCoW(block) {
			newBlock, err := m.cowEn.Write(block, inBlock, data[written:written+n])
			if err != nil {
				return written, xerrors.Errorf("fileio: CoW remap of block %d: %w", block, err)
			}
			if newBlock != block {
				m.remapExtent(in, lb, newBlock)
				if m.onRemap != nil {
					m.onRemap(in.Number, block, newBlock)
				}
				target = newBlock
			}
		} else {
			buf := append([]byte(nil), before...)
			copy(buf[inBlock:], data[written:written+n])
			if err := m.dev.WriteBlock(block, buf); err != nil {
				return written, xerrors.Errorf("fileio: writing block %d: %w", block, err)
			}
		}

		after, err := m.readBlockCopy(target)
		if err != nil {
			return written, err
		}
		if err := m.appendJournal(t.TID, journal.OpBlockWrite, []uint64{target}, before, after); err != nil {
			return written, err
		}

		written += n
		remaining -= n
		pos += int64(n)
	}

	stat := in.Stat()
	newSize := stat.Size
	if uint64(offset+int64(written)) > newSize {
		newSize = uint64(offset + int64(written))
	}
	now := time.Now()
	in.SetAttr(inode.AttrPatch{Size: &newSize, Mtime: &now})
	return written, nil
}

// appendJournal records before/after images per the manager's data-journaling
// mode: metadata-only journals no data payload, ordered-data writes data to
// the device before the metadata record commits (handled by the caller's
// commit barrier), full-data journals the before/after images themselves.
func (m *Manager) appendJournal(tid uint64, op journal.OpKind, targets []uint64, before, after []byte) error {
	rec := &journal.Record{TID: tid, Op: op, Target: targets}
	switch m.mode {
	case journal.ModeFullData:
		rec.Before, rec.After = before, after
	case journal.ModeOrderedData, journal.ModeMetadataOnly:
		// data already durable on the device by the time this record is
		// appended; only the block list is logged so recovery knows which
		// blocks were touched by tid.
	}
	_, err := m.jrn.Append(rec)
	if err != nil {
		return xerrors.Errorf("fileio: journaling block write: %w", err)
	}
	return nil
}

func (m *Manager) readBlockCopy(block uint64) ([]byte, error) {
	buf := make([]byte, m.blockSize())
	if err := m.dev.ReadBlock(block, buf); err != nil {
		return nil, xerrors.Errorf("fileio: reading block %d: %w", block, err)
	}
	return buf, nil
}

// resolveOrAllocate returns the physical block backing logical block lb,
// allocating and extending in's extent list if lb falls past the current
// end of file.
func (m *Manager) resolveOrAllocate(in *inode.Inode, lb uint64) (uint64, error) {
	if ext, ok := extentFor(in, lb); ok {
		return ext.StartBlock + (lb - ext.LogicalStart), nil
	}
	group, idx, err := m.alloc.AllocateBlock()
	if err != nil {
		return 0, xerrors.Errorf("fileio: allocating block for offset %d: %w", lb, err)
	}
	block := m.toFlat(group, idx)
	in.Extents = append(in.Extents, inode.Extent{LogicalStart: lb, StartBlock: block, Length: 1})
	in.Blocks++
	return block, nil
}

// remapExtent updates in's extent map so logical block lb now points at
// newBlock, splitting the owning extent if necessary.
func (m *Manager) remapExtent(in *inode.Inode, lb, newBlock uint64) {
	for i, e := range in.Extents {
		if lb < e.LogicalStart || lb >= e.LogicalStart+e.Length {
			continue
		}
		if e.Length == 1 {
			in.Extents[i].StartBlock = newBlock
			return
		}
		var rest []inode.Extent
		rest = append(rest, in.Extents[:i]...)
		if lb > e.LogicalStart {
			rest = append(rest, inode.Extent{LogicalStart: e.LogicalStart, StartBlock: e.StartBlock, Length: lb - e.LogicalStart})
		}
		rest = append(rest, inode.Extent{LogicalStart: lb, StartBlock: newBlock, Length: 1})
		if lb+1 < e.LogicalStart+e.Length {
			tailStart := lb + 1
			rest = append(rest, inode.Extent{
				LogicalStart: tailStart,
				StartBlock:   e.StartBlock + (tailStart - e.LogicalStart),
				Length:       e.LogicalStart + e.Length - tailStart,
			})
		}
		rest = append(rest, in.Extents[i+1:]...)
		in.Extents = rest
		return
	}
}

// Truncate implements the truncate path: free extents beyond
// newSize, or leave a sparse hole when extending (no physical
// zero-extend allocation, matching POSIX sparse-file semantics).
func (m *Manager) Truncate(t *txn.Txn, in *inode.Inode, newSize uint64) error {
	stat := in.Stat()
	bs := uint64(m.blockSize())
	if newSize >= stat.Size {
		now := time.Now()
		in.SetAttr(inode.AttrPatch{Size: &newSize, Mtime: &now})
		return nil
	}
	lastKeptBlock := newSize / bs
	if newSize%bs != 0 {
		lastKeptBlock++
	}
	var kept []inode.Extent
	for _, e := range in.Extents {
		if e.LogicalStart >= lastKeptBlock {
			for i := uint64(0); i < e.Length; i++ {
				m.freeExtentBlock(t, e.StartBlock+i)
			}
			continue
		}
		if e.LogicalStart+e.Length > lastKeptBlock {
			freeFrom := lastKeptBlock - e.LogicalStart
			for i := freeFrom; i < e.Length; i++ {
				m.freeExtentBlock(t, e.StartBlock+i)
			}
			e.Length = freeFrom
		}
		kept = append(kept, e)
	}
	in.Extents = kept
	now := time.Now()
	in.SetAttr(inode.AttrPatch{Size: &newSize, Mtime: &now})
	return nil
}

func (m *Manager) freeExtentBlock(t *txn.Txn, block uint64) {
	// Group/idx recovery from a flat block number is the inverse of toFlat,
	// which this package doesn't own; the caller's layout.Calculator is
	// responsible for translating before invoking allocator frees in the
	// real mount path. Journaling the free here keeps recovery consistent
	// even though the actual bitmap clear happens one layer up.
	m.appendJournal(t.TID, journal.OpFree, []uint64{block}, nil, nil)
}

// WriteVector encodes v as a vector blob and writes it as the inode's
// payload via Write, routing VectorFile inodes through internal/vector
// instead of raw bytes.
func (m *Manager) WriteVector(t *txn.Txn, in *inode.Inode, v []float32, dt vector.DType, c vector.Compression) (int, error) {
	if in.Type != inode.VectorFile {
		return 0, xerrors.Errorf("fileio: WriteVector on non-vector inode %d: %w", in.Number, vexerr.ErrInvalidArgument)
	}
	payload := vector.EncodeF32(v)
	blob, err := vector.Encode(in.VectorHeaderRef, in.Number, dt, uint32(len(v)), payload, c)
	if err != nil {
		return 0, xerrors.Errorf("fileio: encoding vector blob: %w", err)
	}
	return m.Write(t, in, 0, blob)
}

// ReadVector reads and decodes the vector payload of a VectorFile inode.
func (m *Manager) ReadVector(in *inode.Inode) ([]float32, error) {
	if in.Type != inode.VectorFile {
		return nil, xerrors.Errorf("fileio: ReadVector on non-vector inode %d: %w", in.Number, vexerr.ErrInvalidArgument)
	}
	stat := in.Stat()
	buf, err := m.Read(in, 0, int(stat.Size))
	if err != nil {
		return nil, err
	}
	blob, err := vector.Decode(buf)
	if err != nil {
		return nil, xerrors.Errorf("fileio: decoding vector blob for inode %d: %w", in.Number, err)
	}
	return vector.DecodeF32(blob.Payload), nil
}
