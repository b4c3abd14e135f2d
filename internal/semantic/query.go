package semantic

import (
	"sort"

	"github.com/gobwas/glob"
)

// Query is a filter over the event journal, scoped to the facets an event
// actually carries; graph/vector-traversal queries are handled separately
// by internal/hnsw and a future graph package, not duplicated here.
type Query struct {
	Kinds         []Kind   // empty == any
	Flags         Flags    // must have ALL of these set; 0 == no requirement
	MinPriority   Priority
	Since         uint64 // GlobalSeq lower bound, exclusive
	Until         uint64 // GlobalSeq upper bound, inclusive; 0 == no bound
	TransactionID uint64 // 0 == any
	SessionID     string // "" == any
	AgentMask     uint64 // caller's agent visibility bit; 0 == no restriction
	PathPattern   string // glob pattern (github.com/gobwas/glob syntax); "" == any
	Tags          []string // event must carry every one of these tags
	MinRelevance  float64
	Limit         int // 0 == unlimited
	Ordering      Ordering
}

// compiledPath compiles PathPattern once for repeated matches() calls; "" or
// a pattern that fails to compile disables path filtering rather than
// erroring a whole Run/Subscribe.
func (q Query) compiledPath() glob.Glob {
	if q.PathPattern == "" {
		return nil
	}
	g, err := glob.Compile(q.PathPattern, '/')
	if err != nil {
		return nil
	}
	return g
}

// Ordering selects how Run sorts matches.
type Ordering int

const (
	OrderBySeq Ordering = iota
	OrderByPriorityThenSeq
)

// Run evaluates q against j's retained ring, returning matches in the
// requested order.
func (j *Journal) Run(q Query) []Event {
	candidates := j.Since(q.Since)
	pathGlob := q.compiledPath()
	out := candidates[:0:0]
	for _, e := range candidates {
		if !matches(e, q, pathGlob) {
			continue
		}
		out = append(out, e)
	}
	switch q.Ordering {
	case OrderByPriorityThenSeq:
		sort.SliceStable(out, func(i, k int) bool {
			if out[i].Priority != out[k].Priority {
				return out[i].Priority > out[k].Priority
			}
			return out[i].GlobalSeq < out[k].GlobalSeq
		})
	default:
		sort.SliceStable(out, func(i, k int) bool { return out[i].GlobalSeq < out[k].GlobalSeq })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(e Event, q Query, pathGlob glob.Glob) bool {
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if e.Type == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Flags != 0 && e.Flags&q.Flags != q.Flags {
		return false
	}
	if e.Priority < q.MinPriority {
		return false
	}
	if q.Until != 0 && e.GlobalSeq > q.Until {
		return false
	}
	if q.TransactionID != 0 && e.Context.TransactionID != q.TransactionID {
		return false
	}
	if q.SessionID != "" && e.Context.SessionID != q.SessionID {
		return false
	}
	if q.AgentMask != 0 && e.AgentVisibility != 0 && e.AgentVisibility&q.AgentMask == 0 {
		return false
	}
	if pathGlob != nil && !pathGlob.Match(e.Path) {
		return false
	}
	if len(q.Tags) > 0 && !hasAllTags(e.Tags, q.Tags) {
		return false
	}
	if e.RelevanceScore < q.MinRelevance {
		return false
	}
	return true
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
