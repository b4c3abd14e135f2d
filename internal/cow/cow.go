// Package cow implements extent-level copy-on-write for both file data and
// vector data: allocating a shadow extent, copying unchanged
// bytes, remapping the inode's extent map, and refcounting the original.
package cow

import (
	"hash/crc32"
	"sync"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Record is one CoW extent record: refcount>0 implies both blocks exist and
// their checksums match their recorded values; refcount==0 marks it a GC
// candidate.
type Record struct {
	Original         uint64
	CoWBlock         uint64
	Refcount         int64
	OriginalChecksum uint32
	CoWChecksum      uint32
}

// Valid checks that refcount>0 implies both blocks' live checksums match
// the recorded ones. readBlock is provided by the caller (the
// allocator/block-device layer).
func (r Record) Valid(readBlock func(block uint64) ([]byte, error)) (bool, error) {
	if r.Refcount <= 0 {
		return true, nil // refcount==0 is a GC candidate, not an invariant violation
	}
	orig, err := readBlock(r.Original)
	if err != nil {
		return false, err
	}
	if crc32.ChecksumIEEE(orig) != r.OriginalChecksum {
		return false, nil
	}
	cow, err := readBlock(r.CoWBlock)
	if err != nil {
		return false, err
	}
	return crc32.ChecksumIEEE(cow) == r.CoWChecksum, nil
}

// Allocator is the subset of internal/alloc.Allocator the CoW engine needs:
// one free block per CoW remap.
type Allocator interface {
	AllocateBlock() (group uint64, idx uint64, err error)
}

// BlockIndex maps a (group, idx) pair from the allocator to a flat block
// number, matching internal/layout's group geometry. The CoW engine only
// needs flat numbers, so it takes this as a function to stay decoupled
// from internal/layout.
type BlockIndex func(group, idx uint64) uint64

// Engine tracks CoW records keyed by original block number.
type Engine struct {
	mu      sync.Mutex
	alloc   Allocator
	toFlat  BlockIndex
	records map[uint64]*Record // original block -> record

	readBlock  func(block uint64) ([]byte, error)
	writeBlock func(block uint64, buf []byte) error
}

// New constructs an Engine. readBlock/writeBlock are the raw block-device
// accessors (already routed through any cache the caller wants).
func New(alloc Allocator, toFlat BlockIndex, readBlock func(uint64) ([]byte, error), writeBlock func(uint64, []byte) error) *Engine {
	return &Engine{
		alloc: alloc, toFlat: toFlat, records: make(map[uint64]*Record),
		readBlock: readBlock, writeBlock: writeBlock,
	}
}

// NeedsCoW reports whether original is referenced by any live snapshot
// (i.e., has a refcount>0 CoW record, or the caller's snapshot manager says
// so — here we key purely off an existing record, with refcount semantics
// managed by internal/snapshot calling MarkShared below).
func (e *Engine) NeedsCoW(original uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[original]
	return ok && r.Refcount > 0
}

// MarkShared lazily materializes a refcount==1 record for original the
// first time a snapshot captures it: the record is created here, on first
// write after the snapshot, not at snapshot-create time, keeping snapshot
// creation O(1).
func (e *Engine) MarkShared(original uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[original]; ok {
		r.Refcount++
		return nil
	}
	buf, err := e.readBlock(original)
	if err != nil {
		return xerrors.Errorf("cow: reading original block %d: %w", original, err)
	}
	e.records[original] = &Record{
		Original: original, Refcount: 1, OriginalChecksum: crc32.ChecksumIEEE(buf),
	}
	return nil
}

// Write performs the CoW remap: if original is snapshot-shared,
// allocate a new extent, copy the unchanged bytes, apply newData at
// [offset:offset+len(newData)], and return the new block number the
// inode's extent map must be updated to point at. If original is not
// shared, it writes in place and returns original unchanged.
func (e *Engine) Write(original uint64, offset int, newData []byte) (uint64, error) {
	e.mu.Lock()
	r, shared := e.records[original]
	e.mu.Unlock()
	if !shared || r.Refcount <= 0 {
		orig, err := e.readBlock(original)
		if err != nil {
			return 0, err
		}
		if offset+len(newData) > len(orig) {
			return 0, xerrors.Errorf("cow: write past block end: %w", vexerr.ErrInvalidArgument)
		}
		copy(orig[offset:], newData)
		if err := e.writeBlock(original, orig); err != nil {
			return 0, err
		}
		return original, nil
	}

	orig, err := e.readBlock(original)
	if err != nil {
		return 0, xerrors.Errorf("cow: reading original for remap: %w", err)
	}
	shadow := make([]byte, len(orig))
	copy(shadow, orig)
	if offset+len(newData) > len(shadow) {
		return 0, xerrors.Errorf("cow: write past block end: %w", vexerr.ErrInvalidArgument)
	}
	copy(shadow[offset:], newData)

	group, idx, err := e.alloc.AllocateBlock()
	if err != nil {
		return 0, xerrors.Errorf("cow: allocating shadow block: %w", err)
	}
	newBlock := e.toFlat(group, idx)
	if err := e.writeBlock(newBlock, shadow); err != nil {
		return 0, xerrors.Errorf("cow: writing shadow block: %w", err)
	}

	e.mu.Lock()
	r.CoWBlock = newBlock
	r.CoWChecksum = crc32.ChecksumIEEE(shadow)
	e.mu.Unlock()
	return newBlock, nil
}

// Increment bumps a record's refcount (a new snapshot captures the extent).
func (e *Engine) Increment(original uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[original]; ok {
		r.Refcount++
	}
}

// Decrement drops a record's refcount (snapshot deletion, or overwrite in
// the snapshot's absence); refcount never goes below 0.
func (e *Engine) Decrement(original uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[original]; ok && r.Refcount > 0 {
		r.Refcount--
	}
}

// Record returns the CoW record for original, if any.
func (e *Engine) Record(original uint64) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[original]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ZeroRefcountRecords returns every record whose refcount has reached 0 —
// candidates for the garbage collector.
func (e *Engine) ZeroRefcountRecords() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Record
	for _, r := range e.records {
		if r.Refcount == 0 {
			out = append(out, *r)
		}
	}
	return out
}

// Remove deletes a zero-refcount record after its block has been reclaimed
// (called by internal/gc).
func (e *Engine) Remove(original uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.records, original)
}
