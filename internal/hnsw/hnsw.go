// Package hnsw implements a layered proximity graph ANN index:
// deterministic insert/search/delete over a persisted graph. Distance
// metrics are computed with gonum.org/v1/gonum/floats, the same numeric
// package this module's dependency graph (go.mod) already pulls in for
// batch-scheduling math elsewhere. Any code path reachable from the FUSE
// main loop must bound its stack use below 6 KiB, so every graph walk
// here is iterative over an explicit container/heap priority queue or
// slice-backed stack — there is no recursion anywhere in this package.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/floats"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Metric selects the distance function.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
	InnerProduct
	Hamming
)

// Distance computes the configured metric between a and b. Lower is always
// "closer" — Cosine is converted to a distance (1-sim) and InnerProduct
// to the negated dot product, so the search code has one comparison
// direction.
func Distance(metric Metric, a, b []float32) float64 {
	switch metric {
	case Euclidean:
		return euclidean(a, b)
	case Cosine:
		return 1 - cosineSim(a, b)
	case InnerProduct:
		return -dot64(a, b)
	case Hamming:
		return hamming(a, b)
	default:
		return euclidean(a, b)
	}
}

func toF64(a []float32) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = float64(v)
	}
	return out
}

func euclidean(a, b []float32) float64 {
	fa, fb := toF64(a), toF64(b)
	diff := make([]float64, len(fa))
	copy(diff, fa)
	floats.Sub(diff, fb)
	return math.Sqrt(floats.Dot(diff, diff))
}

func dot64(a, b []float32) float64 {
	return floats.Dot(toF64(a), toF64(b))
}

func cosineSim(a, b []float32) float64 {
	fa, fb := toF64(a), toF64(b)
	na := math.Sqrt(floats.Dot(fa, fa))
	nb := math.Sqrt(floats.Dot(fb, fb))
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(fa, fb) / (na * nb)
}

func hamming(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var d float64
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}

// Params configures graph construction.
type Params struct {
	M             int // max neighbors per layer > 0
	MMax0         int // max neighbors at layer 0 (commonly 2M)
	EfConstruction int
	EfSearch      int
	Metric        Metric
	Seed          int64
}

// DefaultParams mirrors commonly cited HNSW defaults, with MMax0 = 2*M.
func DefaultParams(dim int) Params {
	m := 16
	return Params{M: m, MMax0: 2 * m, EfConstruction: 200, EfSearch: 64, Metric: Euclidean, Seed: 42}
}

// node is one HNSW graph node.
type node struct {
	id        uint64
	vector    []float32
	maxLayer  int
	neighbors [][]uint64 // per layer
	tombstone bool
}

// Graph is the full layered index, persisted by (de)serialization in
// persist.go.
type Graph struct {
	mu       sync.RWMutex
	params   Params
	nodes    map[uint64]*node
	entry    uint64
	hasEntry bool
	rng      *rand.Rand
	mL       float64
}

// New constructs an empty Graph. Given the same Params.Seed and an
// identical ordered insertion trace, Insert calls produce a bit-identical
// graph.
func New(p Params) *Graph {
	if p.M <= 0 {
		p.M = 16
	}
	if p.MMax0 <= 0 {
		p.MMax0 = 2 * p.M
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 64
	}
	return &Graph{
		params: p, nodes: make(map[uint64]*node),
		rng: rand.New(rand.NewSource(p.Seed)),
		mL:  1 / math.Log(float64(p.M)),
	}
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// candidate is a (id, distance) pair used by both the bounded max-heap
// (nearest retained) and min-heap (frontier) priority queues below.
type candidate struct {
	id   uint64
	dist float64
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool { return h.minHeap[i].dist > h.minHeap[j].dist }

// sampleLayer draws the top layer for a new node: floor(-ln(U(0,1)) * mL),
// exactly the formula.
func (g *Graph) sampleLayer() int {
	u := g.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * g.mL))
}

// Insert adds vector id/vec to the graph. It is iterative: the
// greedy descent and the per-layer best-first search both run over explicit
// heaps rather than recursive calls.
func (g *Graph) Insert(id uint64, vec []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[id]; exists {
		return xerrors.Errorf("hnsw: vector %d: %w", id, vexerr.ErrAlreadyExists)
	}
	layer := g.sampleLayer()
	n := &node{id: id, vector: vec, maxLayer: layer, neighbors: make([][]uint64, layer+1)}
	g.nodes[id] = n

	if !g.hasEntry {
		g.entry = id
		g.hasEntry = true
		return nil
	}

	ep := g.entry
	epDist := Distance(g.params.Metric, g.nodes[ep].vector, vec)
	topLayer := g.nodes[g.entry].maxLayer

	// Greedy descent from the current top layer down to layer+1.
	for l := topLayer; l > layer; l-- {
		ep, epDist = g.greedyClosest(ep, epDist, vec, l)
	}

	// Best-first search with ef_construction candidates, layer by layer
	// down to 0, connecting up to M (or MMax0 at layer 0) neighbors.
	for l := min(layer, topLayer); l >= 0; l-- {
		candidates := g.searchLayer(vec, ep, g.params.EfConstruction, l)
		maxConn := g.params.M
		if l == 0 {
			maxConn = g.params.MMax0
		}
		selected := g.selectNeighborsHeuristic(vec, candidates, maxConn)
		n.neighbors[l] = selected
		for _, nb := range selected {
			g.addNeighbor(nb, id, l, maxConn, vec)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
			epDist = candidates[0].dist
		}
	}
	_ = epDist

	if layer > topLayer {
		g.entry = id
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// greedyClosest walks layer l from ep toward vec, one hop at a time,
// stopping when no neighbor improves on the current closest (the
// single-best-first descent used above layer 0).
func (g *Graph) greedyClosest(ep uint64, epDist float64, vec []float32, l int) (uint64, float64) {
	improved := true
	for improved {
		improved = false
		cur := g.nodes[ep]
		if l > cur.maxLayer || l >= len(cur.neighbors) {
			break
		}
		for _, nb := range cur.neighbors[l] {
			nn := g.nodes[nb]
			if nn == nil || nn.tombstone {
				continue
			}
			d := Distance(g.params.Metric, nn.vector, vec)
			if d < epDist {
				ep, epDist = nb, d
				improved = true
			}
		}
	}
	return ep, epDist
}

// searchLayer runs bounded best-first search at layer l from entry ep,
// returning up to ef candidates sorted by ascending distance. Tombstoned
// nodes are skipped but their neighbor lists are still traversed, so a
// deleted node still routes search through to its live neighbors.
func (g *Graph) searchLayer(vec []float32, ep uint64, ef int, l int) []candidate {
	visited := map[uint64]bool{ep: true}
	epDist := Distance(g.params.Metric, g.nodes[ep].vector, vec)

	frontier := &minHeap{{ep, epDist}}
	heap.Init(frontier)

	var result maxHeap
	if !g.nodes[ep].tombstone {
		result.minHeap = append(result.minHeap, candidate{ep, epDist})
	}
	heap.Init(&result)

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if result.Len() >= ef && c.dist > result.minHeap[0].dist {
			break
		}
		cur := g.nodes[c.id]
		if cur == nil || l >= len(cur.neighbors) {
			continue
		}
		for _, nbID := range cur.neighbors[l] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := g.nodes[nbID]
			if nb == nil {
				continue
			}
			d := Distance(g.params.Metric, nb.vector, vec)
			if result.Len() < ef || d < result.minHeap[0].dist {
				heap.Push(frontier, candidate{nbID, d})
				if !nb.tombstone {
					heap.Push(&result, candidate{nbID, d})
					if result.Len() > ef {
						heap.Pop(&result)
					}
				}
			}
		}
	}

	out := make([]candidate, result.Len())
	copy(out, result.minHeap)
	slices.SortFunc(out, func(a, b candidate) bool { return a.dist < b.dist })
	return out
}

// selectNeighborsHeuristic applies a "keep-pruned" diversity rule: a
// candidate is kept only if it is closer to the query than to every
// neighbor already selected, preferring diverse neighbors over purely
// closest ones; if fewer than maxConn pass, the closest remaining
// candidates fill the rest.
func (g *Graph) selectNeighborsHeuristic(vec []float32, candidates []candidate, maxConn int) []uint64 {
	var selected []candidate
	var pruned []candidate
	for _, c := range candidates {
		if len(selected) >= maxConn {
			break
		}
		keep := true
		for _, s := range selected {
			if Distance(g.params.Metric, g.nodes[c.id].vector, g.nodes[s.id].vector) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(selected) >= maxConn {
			break
		}
		selected = append(selected, c)
	}
	ids := make([]uint64, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	return ids
}

// addNeighbor adds a bidirectional edge id->to at layer l, re-pruning to's
// neighbor list down to maxConn using the same heuristic if it overflows.
func (g *Graph) addNeighbor(to, id uint64, l, maxConn int, newVec []float32) {
	n := g.nodes[to]
	if n == nil || l >= len(n.neighbors) {
		return
	}
	n.neighbors[l] = append(n.neighbors[l], id)
	if len(n.neighbors[l]) <= maxConn {
		return
	}
	cands := make([]candidate, 0, len(n.neighbors[l]))
	for _, nb := range n.neighbors[l] {
		if g.nodes[nb] == nil {
			continue
		}
		cands = append(cands, candidate{nb, Distance(g.params.Metric, n.vector, g.nodes[nb].vector)})
	}
	slices.SortFunc(cands, func(a, b candidate) bool { return a.dist < b.dist })
	n.neighbors[l] = g.selectNeighborsHeuristic(n.vector, cands, maxConn)
}

// Delete tombstones id; its neighbors are repaired lazily when next
// encountered during search.
func (g *Graph) Delete(id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return vexerr.ErrNotFound
	}
	n.tombstone = true
	return nil
}

// Result is one search hit.
type Result struct {
	ID       uint64
	Distance float64
}

// Search returns the top-k nearest neighbors of query. If ef_search < k
//, it returns up to ef_search best-effort results and sets
// Warning.
type SearchOutcome struct {
	Results []Result
	Warning bool
}

func (g *Graph) Search(query []float32, k int) SearchOutcome {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.hasEntry || len(g.nodes) == 0 {
		return SearchOutcome{} // empty index: zero results, not an error
	}
	ef := g.params.EfSearch

	ep := g.entry
	epDist := Distance(g.params.Metric, g.nodes[ep].vector, query)
	topLayer := g.nodes[g.entry].maxLayer
	for l := topLayer; l > 0; l-- {
		ep, epDist = g.greedyClosest(ep, epDist, query, l)
	}
	_ = epDist

	candidates := g.searchLayer(query, ep, ef, 0)
	warning := g.params.EfSearch < k
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return SearchOutcome{Results: out, Warning: warning}
}
