// Package alloc implements the block and inode allocators: per-group
// bitmaps with a rotating first-free cursor. Allocation and free
// both execute inside the caller's transaction — this package only mutates
// bitmap state and free counters; journaling is the caller's (internal/txn)
// responsibility.
package alloc

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Bitmap is a simple zero-means-free bitmap over a fixed number of bits;
// popcount(¬bitmap) always equals the free count.
type Bitmap struct {
	bits []byte
	n    uint64
}

// NewBitmap allocates a bitmap for n bits, all initially free (zero).
func NewBitmap(n uint64) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8), n: n}
}

// LoadBitmap wraps an existing byte slice (e.g. read from the block device)
// as a Bitmap over n bits.
func LoadBitmap(buf []byte, n uint64) *Bitmap {
	return &Bitmap{bits: buf, n: n}
}

func (b *Bitmap) Bytes() []byte { return b.bits }

func (b *Bitmap) test(i uint64) bool {
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *Bitmap) set(i uint64) {
	b.bits[i/8] |= 1 << (i % 8)
}

func (b *Bitmap) clear(i uint64) {
	b.bits[i/8] &^= 1 << (i % 8)
}

// FreeCount returns popcount(¬bitmap).
func (b *Bitmap) FreeCount() uint64 {
	var free uint64
	for i := uint64(0); i < b.n; i++ {
		if !b.test(i) {
			free++
		}
	}
	return free
}

// firstFreeFrom scans for the first clear bit at or after start, wrapping
// once. Returns (0, false) if the bitmap is full.
func (b *Bitmap) firstFreeFrom(start uint64) (uint64, bool) {
	for i := uint64(0); i < b.n; i++ {
		idx := (start + i) % b.n
		if !b.test(idx) {
			return idx, true
		}
	}
	return 0, false
}

// Group tracks one block group's (or the inode table's) bitmap plus a
// rotating cursor and low-water threshold: when a group's free count
// falls below the threshold, the cursor advances to the next non-full
// group.
type Group struct {
	mu        sync.Mutex
	bitmap    *Bitmap
	free      uint64
	cursor    uint64
	threshold uint64 // fraction-of-total low-water mark, in bits
}

// NewGroup wraps bitmap with an allocation cursor. lowWaterFrac (e.g. 0.05)
// sets the threshold below which the cursor prefers the next group.
func NewGroup(bitmap *Bitmap, total uint64, lowWaterFrac float64) *Group {
	return &Group{
		bitmap:    bitmap,
		free:      bitmap.FreeCount(),
		threshold: uint64(float64(total) * lowWaterFrac),
	}
}

func (g *Group) Free() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.free
}

// LowWater reports whether this group's free count has fallen below its
// threshold and a fresher group should be tried first.
func (g *Group) LowWater() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.free < g.threshold
}

// Allocate finds and marks the first free bit at or after the rotating
// cursor, returning its index. Returns vexerr.ErrNoSpace (or ErrNoInodes,
// via the caller) if the group is full.
func (g *Group) Allocate() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.bitmap.firstFreeFrom(g.cursor)
	if !ok {
		return 0, vexerr.ErrNoSpace
	}
	g.bitmap.set(idx)
	g.free--
	g.cursor = idx + 1
	return idx, nil
}

// Free clears bit idx and increments the free counter. Freeing an
// already-free bit is a caller bug and returns vexerr.ErrInvalidArgument.
func (g *Group) Free(idx uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.bitmap.test(idx) {
		return xerrors.Errorf("alloc: bit %d already free: %w", idx, vexerr.ErrInvalidArgument)
	}
	g.bitmap.clear(idx)
	g.free++
	return nil
}

// Allocator spans all block groups' bitmaps plus the inode bitmaps,
// implementing the rotating multi-group search.
type Allocator struct {
	mu          sync.Mutex
	blockGroups []*Group
	inodeGroups []*Group
	activeBlock int // index into blockGroups preferred for the next allocation
	activeInode int
}

// New constructs an Allocator over the given per-group block and inode
// bitmap groups (one pair per block group, in group order).
func New(blockGroups, inodeGroups []*Group) *Allocator {
	return &Allocator{blockGroups: blockGroups, inodeGroups: inodeGroups}
}

// AllocateBlock returns (group, blockIndexWithinGroup).
func (a *Allocator) AllocateBlock() (group uint64, idx uint64, err error) {
	return a.allocate(a.blockGroups, &a.activeBlock, vexerr.ErrNoSpace)
}

// FreeBlock clears the bit for (group, idx) in the block bitmap.
func (a *Allocator) FreeBlock(group, idx uint64) error {
	return a.free(a.blockGroups, group, idx)
}

// AllocateInode returns (group, inodeIndexWithinGroup).
func (a *Allocator) AllocateInode() (group uint64, idx uint64, err error) {
	return a.allocate(a.inodeGroups, &a.activeInode, vexerr.ErrNoInodes)
}

// FreeInode clears the bit for (group, idx) in the inode bitmap.
func (a *Allocator) FreeInode(group, idx uint64) error {
	return a.free(a.inodeGroups, group, idx)
}

func (a *Allocator) allocate(groups []*Group, active *int, noSpace error) (uint64, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(groups) == 0 {
		return 0, 0, noSpace
	}
	// advance past low-water groups first
	start := *active
	for i := 0; i < len(groups); i++ {
		g := (start + i) % len(groups)
		if groups[g].LowWater() {
			continue
		}
		if idx, err := groups[g].Allocate(); err == nil {
			*active = g
			return uint64(g), idx, nil
		}
	}
	// every non-low-water group is full (or none qualified): fall back to
	// exhaustive scan so we still honor any remaining free bit.
	for i := 0; i < len(groups); i++ {
		g := (start + i) % len(groups)
		if idx, err := groups[g].Allocate(); err == nil {
			*active = g
			return uint64(g), idx, nil
		}
	}
	return 0, 0, noSpace
}

func (a *Allocator) free(groups []*Group, group, idx uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if group >= uint64(len(groups)) {
		return xerrors.Errorf("alloc: group %d out of range: %w", group, vexerr.ErrInvalidArgument)
	}
	return groups[group].Free(idx)
}

// TotalFreeBlocks sums free bits across all block groups, for statfs.
func (a *Allocator) TotalFreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, g := range a.blockGroups {
		total += g.Free()
	}
	return total
}

// TotalFreeInodes sums free bits across all inode groups.
func (a *Allocator) TotalFreeInodes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, g := range a.inodeGroups {
		total += g.Free()
	}
	return total
}
