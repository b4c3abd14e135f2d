// Package txn implements the ACID transaction manager: MVCC version
// chains, strict two-phase locking, a deadlock detector, and configurable
// durability barriers. The wait-for graph is built with
// gonum/graph/simple.DirectedGraph and walked for cycles with
// gonum/graph/topo: the graph's nodes are transactions, and an edge
// t1->t2 means "t1 waits for a lock held by t2"; a cycle is a deadlock.
package txn

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Isolation is the isolation level requested at Begin.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// Durability selects the commit barrier policy.
type Durability int

const (
	DurabilityFull         Durability = iota // data-and-metadata barrier (default)
	DurabilityMetadataOnly
	DurabilityNone // tests only
)

// State is a transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateAborted
)

// LockMode is shared or exclusive, scoped per-inode or per-extent.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// DeadlockPolicy selects the detector strategy.
type DeadlockPolicy int

const (
	DeadlockWaitFor DeadlockPolicy = iota
	DeadlockTimeout
	DeadlockHybrid
)

// VictimPolicy selects which transaction in a cycle is aborted. Victim
// choice is deterministic given an identical wait-for graph.
type VictimPolicy int

const (
	VictimYoungest VictimPolicy = iota
	VictimOldest
	VictimLowestPriority
)

// version is one entry in a block's MVCC chain.
type version struct {
	creatorTID uint64
	beginTS    uint64
	endTS      uint64 // 0 == still current
	payload    []byte
}

// lockEntry tracks the holders and waiters of one resource's lock.
type lockEntry struct {
	mu      sync.Mutex
	holders map[uint64]LockMode // tid -> mode; multiple shared holders allowed
	waiters []uint64            // tids blocked on this resource, in arrival order
}

// ResourceKey identifies a lockable unit: a per-inode or per-extent scope.
type ResourceKey struct {
	Kind string // "inode" or "extent"
	ID   uint64
}

// Txn is a single transaction handle.
type Txn struct {
	TID        uint64
	Isolation  Isolation
	StartTS    uint64
	SnapshotTS uint64 // pinned at first read for RepeatableRead/Serializable
	Priority   int
	startedAt  time.Time

	mu       sync.Mutex
	state    State
	readSet  map[ResourceKey]bool
	writeSet map[ResourceKey][]byte // resource -> after-image staged for commit
	locks    map[ResourceKey]LockMode
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Manager coordinates all live transactions over a set of MVCC version
// chains keyed by ResourceKey.
type Manager struct {
	mu         sync.Mutex
	nextTID    uint64
	nextTS     uint64
	txns       map[uint64]*Txn
	chains     map[ResourceKey][]*version
	locks      map[ResourceKey]*lockEntry
	deadlock   DeadlockPolicy
	victim     VictimPolicy
	durability Durability
	barrier    func() error // flush/full-barrier hook, wired to the journal by the caller
}

// NewManager constructs a Manager. barrier is invoked on commit per the
// chosen Durability.
func NewManager(deadlock DeadlockPolicy, victim VictimPolicy, durability Durability, barrier func() error) *Manager {
	return &Manager{
		txns: make(map[uint64]*Txn), chains: make(map[ResourceKey][]*version),
		locks: make(map[ResourceKey]*lockEntry), deadlock: deadlock, victim: victim,
		durability: durability, barrier: barrier,
	}
}

// Begin starts a new transaction. RepeatableRead and Serializable pin a
// snapshot timestamp immediately; since no reads precede Begin, pinning
// here is equivalent to pinning at first read.
func (m *Manager) Begin(isolation Isolation, priority int) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTID++
	m.nextTS++
	t := &Txn{
		TID: m.nextTID, Isolation: isolation, StartTS: m.nextTS, SnapshotTS: m.nextTS,
		Priority: priority, startedAt: time.Now(),
		readSet: make(map[ResourceKey]bool), writeSet: make(map[ResourceKey][]byte),
		locks: make(map[ResourceKey]LockMode), state: StateActive,
	}
	m.txns[t.TID] = t
	return t
}

func (m *Manager) lockFor(key ResourceKey) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.locks[key]
	if !ok {
		le = &lockEntry{holders: make(map[uint64]LockMode)}
		m.locks[key] = le
	}
	return le
}

// AcquireLock performs strict two-phase locking: the lock is held until
// commit/abort. If the resource is held incompatibly by another active
// transaction, it runs the deadlock detector; on a detected cycle, the
// policy-selected victim is aborted and ErrDeadlockAborted is returned to
// it specifically.
func (m *Manager) AcquireLock(t *Txn, key ResourceKey, mode LockMode) error {
	le := m.lockFor(key)
	for {
		le.mu.Lock()
		if compatible(le.holders, t.TID, mode) {
			le.holders[t.TID] = mode
			le.mu.Unlock()
			t.mu.Lock()
			t.locks[key] = mode
			t.mu.Unlock()
			return nil
		}
		// record as waiting, then check for a cycle in the wait-for graph
		waitingOn := make([]uint64, 0, len(le.holders))
		for holder := range le.holders {
			if holder != t.TID {
				waitingOn = append(waitingOn, holder)
			}
		}
		le.mu.Unlock()

		if m.hasCycle(t.TID, waitingOn) {
			victim := m.selectVictim(append(waitingOn, t.TID))
			if victim == t.TID {
				m.abortLocked(t)
				return vexerr.ErrDeadlockAborted
			}
			if vt := m.lookupTxn(victim); vt != nil {
				m.abortLocked(vt)
			}
			continue // retry acquisition now that the victim released its locks
		}
		// no cycle yet: brief backoff then retry. This is what
		// DeadlockPolicy==DeadlockTimeout degrades to absent a real cycle.
		time.Sleep(time.Millisecond)
	}
}

func compatible(holders map[uint64]LockMode, tid uint64, mode LockMode) bool {
	if len(holders) == 0 {
		return true
	}
	if len(holders) == 1 {
		if m, ok := holders[tid]; ok {
			return mode == LockShared || m == LockExclusive
		}
	}
	if mode == LockExclusive {
		return false
	}
	for h, m := range holders {
		if h != tid && m == LockExclusive {
			return false
		}
	}
	return true
}

func (m *Manager) lookupTxn(tid uint64) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[tid]
}

// hasCycle builds the wait-for graph from t waiting on waitingOn, plus every
// other active transaction's recorded locks, and reports whether adding
// this wait edge closes a cycle, using simple.NewDirectedGraph + topo for
// cycle detection.
func (m *Manager) hasCycle(t uint64, waitingOn []uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := simple.NewDirectedGraph()
	nodeOf := func(id uint64) graph.Node {
		n := g.Node(int64(id))
		if n == nil {
			n = simple.Node(int64(id))
			g.AddNode(n)
		}
		return n
	}
	nodeOf(t)
	for _, w := range waitingOn {
		nodeOf(w)
		g.SetEdge(g.NewEdge(nodeOf(t), nodeOf(w)))
	}
	// Fold in every other active transaction's own wait edges so a cycle
	// spanning more than t and its immediate holders is still detected.
	for tid, other := range m.txns {
		if tid == t || other.State() != StateActive {
			continue
		}
		other.mu.Lock()
		locks := make([]ResourceKey, 0, len(other.locks))
		for key := range other.locks {
			locks = append(locks, key)
		}
		other.mu.Unlock()
		for _, key := range locks {
			le, ok := m.locks[key]
			if !ok {
				continue
			}
			le.mu.Lock()
			for holder := range le.holders {
				if holder != tid {
					nodeOf(tid)
					nodeOf(holder)
					g.SetEdge(g.NewEdge(nodeOf(tid), nodeOf(holder)))
				}
			}
			le.mu.Unlock()
		}
	}
	_, err := topo.Sort(g)
	return err != nil // topo.Sort fails with an Unorderable error iff a cycle exists
}

// selectVictim deterministically picks one of candidates per m.victim.
func (m *Manager) selectVictim(candidates []uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := candidates[0]
	for _, c := range candidates[1:] {
		bt, ct := m.txns[best], m.txns[c]
		if bt == nil || ct == nil {
			continue
		}
		switch m.victim {
		case VictimYoungest:
			if ct.startedAt.After(bt.startedAt) {
				best = c
			}
		case VictimOldest:
			if ct.startedAt.Before(bt.startedAt) {
				best = c
			}
		case VictimLowestPriority:
			if ct.Priority < bt.Priority || (ct.Priority == bt.Priority && ct.TID < bt.TID) {
				best = c
			}
		}
	}
	return best
}

// Read returns the payload visible to t for key: the latest version whose
// beginTS <= t.SnapshotTS and whose endTS is either 0 or > t.SnapshotTS
// (ReadCommitted reads the latest committed version regardless of snapshot).
func (m *Manager) Read(t *Txn, key ResourceKey) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.mu.Lock()
	t.readSet[key] = true
	t.mu.Unlock()

	chain := m.chains[key]
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]
		if t.Isolation == ReadCommitted {
			return v.payload, true
		}
		if v.beginTS <= t.SnapshotTS && (v.endTS == 0 || v.endTS > t.SnapshotTS) {
			return v.payload, true
		}
	}
	return nil, false
}

// Write stages payload into t's write-set; it becomes visible to other
// transactions only at Commit.
func (m *Manager) Write(t *Txn, key ResourceKey, payload []byte) {
	t.mu.Lock()
	t.writeSet[key] = payload
	t.mu.Unlock()
}

// Commit validates (Serializable only), stamps new versions with the
// commit timestamp, issues the durability barrier, and releases locks.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return xerrors.Errorf("txn: tid %d not active: %w", t.TID, vexerr.ErrInvalidArgument)
	}
	t.state = StatePreparing
	writeSet := t.writeSet
	t.mu.Unlock()

	if t.Isolation == Serializable {
		if err := m.validateSerializable(t); err != nil {
			m.abortLocked(t)
			return err
		}
	}

	m.mu.Lock()
	m.nextTS++
	commitTS := m.nextTS
	for key, payload := range writeSet {
		chain := m.chains[key]
		if len(chain) > 0 {
			chain[len(chain)-1].endTS = commitTS
		}
		m.chains[key] = append(chain, &version{creatorTID: t.TID, beginTS: commitTS, payload: payload})
	}
	m.mu.Unlock()

	if err := m.runBarrier(); err != nil {
		return xerrors.Errorf("txn: commit barrier: %w", err)
	}

	t.mu.Lock()
	t.state = StateCommitted
	locks := t.locks
	t.mu.Unlock()
	m.releaseLocks(t.TID, locks)
	return nil
}

func (m *Manager) runBarrier() error {
	if m.durability == DurabilityNone || m.barrier == nil {
		return nil
	}
	return m.barrier()
}

// validateSerializable checks t's read-set against every version created by
// a transaction committed after t.SnapshotTS.
func (m *Manager) validateSerializable(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.readSet {
		chain := m.chains[key]
		for _, v := range chain {
			if v.creatorTID != t.TID && v.beginTS > t.SnapshotTS {
				return vexerr.ErrTransactionConflict
			}
		}
	}
	return nil
}

// Abort rolls the write-set back (it was never published) and releases locks.
func (m *Manager) Abort(t *Txn) {
	m.abortLocked(t)
}

func (m *Manager) abortLocked(t *Txn) {
	t.mu.Lock()
	if t.state == StateCommitted || t.state == StateAborted {
		t.mu.Unlock()
		return
	}
	t.state = StateAborted
	locks := t.locks
	t.mu.Unlock()
	m.releaseLocks(t.TID, locks)
}

func (m *Manager) releaseLocks(tid uint64, locks map[ResourceKey]LockMode) {
	for key := range locks {
		le := m.lockFor(key)
		le.mu.Lock()
		delete(le.holders, tid)
		le.mu.Unlock()
	}
}

// GCVersions reclaims MVCC versions whose end-ts predates every live
// reader's snapshot ts.
func (m *Manager) GCVersions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldestLive := m.nextTS + 1 // the snapshot ts the next Begin would get
	for _, t := range m.txns {
		if t.State() == StateActive && t.SnapshotTS < oldestLive {
			oldestLive = t.SnapshotTS
		}
	}
	reclaimed := 0
	for key, chain := range m.chains {
		kept := chain[:0]
		for _, v := range chain {
			if v.endTS != 0 && v.endTS < oldestLive {
				reclaimed++
				continue
			}
			kept = append(kept, v)
		}
		m.chains[key] = kept
	}
	return reclaimed
}
