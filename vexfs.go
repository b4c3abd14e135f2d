// Package vexfs wires internal/{blockdev,layout,alloc,journal,txn,inode,
// fileio,vector,hnsw,vcache,cow,snapshot,gc,semantic} into the Filesystem
// root type, combining all mounted-filesystem state into one value every
// operation operates on.
package vexfs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/agentipc"
	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/cow"
	"github.com/vexfs/vexfs/internal/fileio"
	"github.com/vexfs/vexfs/internal/gc"
	"github.com/vexfs/vexfs/internal/hnsw"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/journal"
	"github.com/vexfs/vexfs/internal/layout"
	"github.com/vexfs/vexfs/internal/semantic"
	"github.com/vexfs/vexfs/internal/snapshot"
	"github.com/vexfs/vexfs/internal/txn"
	"github.com/vexfs/vexfs/internal/vcache"
	"github.com/vexfs/vexfs/internal/vexerr"
	"github.com/vexfs/vexfs/internal/vfs"
)

const rootInodeNumber = 1

// defaultVectorDim is passed to hnsw.DefaultParams, whose M/efConstruction
// defaults do not depend on it; actual
// per-vector dimensionality is carried in each vector's own header
// (internal/vector.Header), not enforced globally.
const defaultVectorDim = 128

// dirNode is an in-memory directory: its inode plus the live entry set. No
// directory blocks are written to disk for it; DESIGN.md records this as the
// chosen simplification of the open directory-index question (linear/hash
// today, not persisted H-tree).
type dirNode struct {
	in  *inode.Inode
	dir *inode.Directory
}

// MountOptions configures a Filesystem at mount time.
type MountOptions struct {
	JournalMode journal.Mode
	ReadOnly    bool
}

// Filesystem is the root value tying every subsystem together.
type Filesystem struct {
	mu sync.RWMutex

	dev    blockdev.Device
	layout *layout.Layout
	alloc  *alloc.Allocator
	jrn    *journal.Journal
	txns   *txn.Manager
	cowEn  *cow.Engine
	snaps  *snapshot.Manager
	collector *gc.Collector
	fio    *fileio.Manager
	index  *hnsw.Graph
	cache  *vcache.Cache
	events *semantic.Journal
	agents *agentipc.Registry

	opts MountOptions

	nextInode uint64
	inodes    map[uint64]*inode.Inode
	dirs      map[uint64]*dirNode
	handles   map[vfs.Handle]uint64
	nextHandle vfs.Handle

	mounted bool
}

// toFlat converts an allocator (group, idx) pair to a flat device block
// number using the computed layout's per-group block count and that
// group's descriptor-relative data offset.
func (fs *Filesystem) toFlat(group, idx uint64) uint64 {
	groupStart := group * fs.layout.BlocksPerGroup
	return groupStart + fs.layout.Groups[group].DataStart + idx
}

// totalInodes sums every group's inode capacity, for statfs.
func (fs *Filesystem) totalInodes() uint64 {
	return fs.layout.InodesPerGroup * uint64(len(fs.layout.Groups))
}

// New constructs a Filesystem over dev, computing layout fresh (mkfs path)
// rather than reading an existing superblock — the mount(2) path that
// reads an on-disk superblock is a straightforward Decode+rehydrate the
// caller can add once persistence round-trips are needed end to end.
func New(dev blockdev.Device, opts MountOptions) (*Filesystem, error) {
	calc := layout.Calculator{VectorEnabled: true}
	lay, err := calc.Calculate(dev.Size()*uint64(dev.BlockSize()), dev.BlockSize())
	if err != nil {
		return nil, xerrors.Errorf("vexfs: computing layout: %w", err)
	}

	var blockGroups, inodeGroups []*alloc.Group
	for range lay.Groups {
		blockGroups = append(blockGroups, alloc.NewGroup(alloc.NewBitmap(lay.BlocksPerGroup), lay.BlocksPerGroup, 0.05))
		inodeGroups = append(inodeGroups, alloc.NewGroup(alloc.NewBitmap(lay.InodesPerGroup), lay.InodesPerGroup, 0.05))
	}
	allocator := alloc.New(blockGroups, inodeGroups)

	jrn := journal.Open(dev, lay.JournalStart, lay.JournalBlocks, opts.JournalMode)

	events := semantic.New(semantic.DefaultConfig(), semantic.NewRateLimiter(semantic.DefaultRateLimitConfig(), time.Now))

	txns := txn.NewManager(txn.DeadlockWaitFor, txn.VictimYoungest, txn.DurabilityFull, dev.Sync)

	fs := &Filesystem{
		dev: dev, layout: lay, alloc: allocator, jrn: jrn, txns: txns,
		opts: opts, inodes: make(map[uint64]*inode.Inode), dirs: make(map[uint64]*dirNode),
		handles: make(map[vfs.Handle]uint64), events: events,
		index: hnsw.New(hnsw.DefaultParams(defaultVectorDim)),
	}

	fs.cowEn = cow.New(allocator, fs.toFlat, fs.readBlock, fs.writeBlock)
	fs.snaps = snapshot.NewManager(fs.cowEn, fs.liveExtents)
	fs.collector = gc.New(fs.cowEn, fs.freeBlock, 0.3, nil, nil)
	fs.fio = fileio.New(dev, allocator, jrn, txns, fs.cowEn, opts.JournalMode, fs.toFlat, fs.recordRemap)
	fs.cache = vcache.New(64<<20, 4096, vcache.EvictLRU, vcache.PrefetchSpatial, vcache.CoherenceWriteThrough, fs.loadVector)
	fs.agents = agentipc.New(agentipc.DefaultConfig(), semantic.NewRateLimiter(semantic.DefaultRateLimitConfig(), time.Now), time.Now)

	root := &inode.Inode{Number: rootInodeNumber, Type: inode.Directory, Mode: 0o755, NLink: 2, Mtime: time.Now(), Ctime: time.Now(), Atime: time.Now()}
	d, _ := inode.NewDirectory(nil)
	fs.inodes[rootInodeNumber] = root
	fs.dirs[rootInodeNumber] = &dirNode{in: root, dir: d}
	fs.nextInode = rootInodeNumber

	return fs, nil
}

func (fs *Filesystem) readBlock(block uint64) ([]byte, error) {
	buf := make([]byte, fs.dev.BlockSize())
	if err := fs.dev.ReadBlock(block, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs *Filesystem) writeBlock(block uint64, buf []byte) error {
	return fs.dev.WriteBlock(block, buf)
}

// freeBlock inverts toFlat: it recovers the (group, idx) pair a flat device
// block number was allocated under and returns it to the allocator. Called
// by the GC collector once a CoW record's refcount reaches zero.
func (fs *Filesystem) freeBlock(block uint64) error {
	fs.mu.RLock()
	group := block / fs.layout.BlocksPerGroup
	if group >= uint64(len(fs.layout.Groups)) {
		fs.mu.RUnlock()
		return xerrors.Errorf("vexfs: freeBlock: block %d out of range", block)
	}
	groupStart := group * fs.layout.BlocksPerGroup
	dataStart := fs.layout.Groups[group].DataStart
	fs.mu.RUnlock()

	idx := block - groupStart - dataStart
	return fs.alloc.FreeBlock(group, idx)
}

func (fs *Filesystem) liveExtents() []uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []uint64
	for _, in := range fs.inodes {
		for _, e := range in.Extents {
			out = append(out, e.StartBlock)
		}
	}
	return out
}

func (fs *Filesystem) recordRemap(inodeNum, original, remapped uint64) {
	fs.events.Emit(semantic.Event{Type: semantic.KindCoWRemap, Flags: semantic.FlagAtomic}, "")
}

func (fs *Filesystem) loadVector(vectorID uint64) ([]float32, error) {
	fs.mu.RLock()
	in, ok := fs.inodes[vectorID]
	fs.mu.RUnlock()
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	return fs.fio.ReadVector(in)
}

func (fs *Filesystem) allocInodeNumber() uint64 {
	fs.nextInode++
	return fs.nextInode
}

// Mount brings the filesystem online.
func (fs *Filesystem) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.jrn.Recover(); err != nil {
		return xerrors.Errorf("vexfs: journal recovery: %w", err)
	}
	fs.mounted = true
	fs.events.Emit(semantic.Event{Type: semantic.KindMount, Flags: semantic.FlagAtomic}, "")
	return nil
}

// Unmount takes the filesystem offline and syncs the device; it does not
// checkpoint the journal.
func (fs *Filesystem) Unmount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mounted = false
	fs.events.Emit(semantic.Event{Type: semantic.KindUnmount, Flags: semantic.FlagAtomic}, "")
	return fs.dev.Sync()
}

// StatFS reports aggregate space/inode usage.
func (fs *Filesystem) StatFS(ctx context.Context) (vfs.StatFS, error) {
	return vfs.StatFS{
		BlockSize:   uint32(fs.dev.BlockSize()),
		TotalBlocks: fs.dev.Size(),
		FreeBlocks:  fs.alloc.TotalFreeBlocks(),
		TotalInodes: fs.totalInodes(),
		FreeInodes:  fs.alloc.TotalFreeInodes(),
	}, nil
}

// Events exposes the semantic event journal for out-of-band consumers
// (the FUSE adapter's readiness notifications, an agent IPC bridge).
func (fs *Filesystem) Events() *semantic.Journal { return fs.events }

// Index exposes the HNSW vector index for SearchVectors and maintenance.
func (fs *Filesystem) Index() *hnsw.Graph { return fs.index }

// Agents exposes the embedding-service registry for a caller
// wiring up internal/agentipc's net.Listener front end.
func (fs *Filesystem) Agents() *agentipc.Registry { return fs.agents }
