// Package snapshot implements a named immutable-view manager: O(1) nominal
// creation via lazy refcount materialization in internal/cow, parent
// chains, and lazy tombstoning of deleted snapshots: deletion marks a
// snapshot tombstoned and decrements its delta refcounts at once, and
// Reclaimable reports when its reader count has reached zero. Delete does
// not wait for in-flight readers.
package snapshot

import (
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// ExtentRemap records one inode's extent remap between two snapshots'
// delta table.
type ExtentRemap struct {
	Inode      uint64
	Original   uint64
	Remapped   uint64
}

// Snapshot is a named immutable view.
type Snapshot struct {
	ID       uint64
	Parent   uint64 // 0 == no parent
	HasParent bool
	Name     string
	CreatedAt time.Time
	RootInode uint64
	Delta    []ExtentRemap

	mu        sync.Mutex
	tombstoned bool
	readers    int
}

// Engine decrements/increments CoW refcounts via this interface, kept
// narrow so internal/snapshot doesn't import internal/cow's full surface.
type CoWRefCounter interface {
	MarkShared(original uint64) error
	Increment(original uint64)
	Decrement(original uint64)
}

// Manager owns the snapshot namespace and parent chain.
type Manager struct {
	mu       sync.Mutex
	nextID   uint64
	byID     map[uint64]*Snapshot
	byName   map[string]uint64
	cow      CoWRefCounter

	// liveExtents lists the extents currently backing the filesystem's live
	// view, supplied by the caller at Create time (e.g. every inode's
	// current extent list) so refcounts can be bumped lazily on first
	// touch.
	liveExtents func() []uint64
}

// NewManager constructs a Manager. liveExtents returns the current set of
// live block numbers whose refcount should be considered shared once this
// snapshot exists (materialized lazily, not eagerly, preserving O(1)
// nominal creation).
func NewManager(cow CoWRefCounter, liveExtents func() []uint64) *Manager {
	return &Manager{byID: make(map[uint64]*Snapshot), byName: make(map[string]uint64), cow: cow, liveExtents: liveExtents}
}

// Create implements the create(name): allocate an id, record the
// root-inode pointer, and mark every currently-live extent as
// snapshot-shared. Materializing the CoW record is itself lazy inside
// internal/cow (the record is only created on first write), so this step
// is O(extents) in bookkeeping but O(1) in actual block I/O.
func (m *Manager) Create(name string, rootInode uint64, parent uint64, hasParent bool) (*Snapshot, error) {
	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return nil, xerrors.Errorf("snapshot: %q: %w", name, vexerr.ErrAlreadyExists)
	}
	m.nextID++
	s := &Snapshot{ID: m.nextID, Parent: parent, HasParent: hasParent, Name: name, CreatedAt: time.Now(), RootInode: rootInode}
	m.byID[s.ID] = s
	m.byName[name] = s.ID
	m.mu.Unlock()

	for _, block := range m.liveExtents() {
		if err := m.cow.MarkShared(block); err != nil {
			return nil, xerrors.Errorf("snapshot: marking extent %d shared: %w", block, err)
		}
	}
	return s, nil
}

// Get looks up a snapshot by id.
func (m *Manager) Get(id uint64) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// ByName looks up a snapshot by name.
func (m *Manager) ByName(name string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.byID[id], true
}

// AcquireReader marks a read as in-flight against s; Reclaimable reports
// false until the read is released.
func (s *Snapshot) AcquireReader() {
	s.mu.Lock()
	s.readers++
	s.mu.Unlock()
}

// ReleaseReader ends an in-flight read.
func (s *Snapshot) ReleaseReader() {
	s.mu.Lock()
	s.readers--
	s.mu.Unlock()
}

// Tombstoned reports whether s has been deleted but may still be read by
// readers that acquired it before deletion.
func (s *Snapshot) Tombstoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tombstoned
}

// Delete decrements refcounts for every extent this snapshot shared and
// tombstones it. The snapshot is removed from the namespace immediately (no
// new reader can acquire it) and the decrements happen at once, whether or
// not readers are in flight; Reclaimable reports when the reader count has
// reached zero.
func (m *Manager) Delete(id uint64) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return vexerr.ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byName, s.Name)
	m.mu.Unlock()

	s.mu.Lock()
	s.tombstoned = true
	s.mu.Unlock()

	for _, remap := range s.Delta {
		m.cow.Decrement(remap.Original)
	}
	return nil
}

// Reclaimable reports whether a tombstoned snapshot has no in-flight
// readers and may have its referenced extents' refcounts finally handed to
// GC.
func (s *Snapshot) Reclaimable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tombstoned && s.readers == 0
}

// Chain walks the parent chain of s up to its terminal (parent-less)
// ancestor, returning snapshots from s to the root, inclusive.
func (m *Manager) Chain(s *Snapshot) []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := []*Snapshot{s}
	cur := s
	for cur.HasParent {
		parent, ok := m.byID[cur.Parent]
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain
}

// ResolveExtent walks s's delta chain to find the terminal live extent or
// CoW copy backing logical block `original` for inode.
func (m *Manager) ResolveExtent(s *Snapshot, inode, original uint64) uint64 {
	for _, chainSnap := range m.Chain(s) {
		for _, remap := range chainSnap.Delta {
			if remap.Inode == inode && remap.Original == original {
				return remap.Remapped
			}
		}
	}
	return original // no remap recorded anywhere in the chain: unchanged since snapshot
}

// RecordRemap appends a delta entry the next time original is CoW-remapped
// for inode while s is the most recent snapshot — called by the file I/O
// path after internal/cow.Engine.Write returns a new block number.
func (s *Snapshot) RecordRemap(inode, original, remapped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delta = append(s.Delta, ExtentRemap{Inode: inode, Original: original, Remapped: remapped})
}
