package semantic

import (
	"sort"

	"golang.org/x/xerrors"
)

// Replayer drives a deterministic replay of retained events through a
// caller-supplied Apply function, honoring CausalityLinks order: an event
// is only applied once every event it lists as a cause has itself been
// applied (or has aged out of the retention window, in which case it's
// treated as already-satisfied per Journal.Causes' best-effort contract).
type Replayer struct {
	Apply func(Event) error
}

// Replay runs events (typically the result of Journal.Since(0) or a
// checkpoint cursor) through r.Apply in causal order. It returns the number
// of events applied and the first error encountered, if any; replay stops
// at the first failure so the caller can resume from that event's
// GlobalSeq - 1.
func (r *Replayer) Replay(events []Event) (int, error) {
	applied := make(map[uint64]bool, len(events))
	byID := make(map[uint64]Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	pending := append([]Event(nil), events...)
	count := 0
	for len(pending) > 0 {
		progressed := false
		var next []Event
		for _, e := range pending {
			ready := true
			for _, cause := range e.CausalityLinks {
				if _, known := byID[cause]; known && !applied[cause] {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, e)
				continue
			}
			if err := r.Apply(e); err != nil {
				return count, xerrors.Errorf("semantic: replay event %d: %w", e.ID, err)
			}
			applied[e.ID] = true
			count++
			progressed = true
		}
		if !progressed {
			// Circular causality links among the remaining events: apply
			// them in GlobalSeq order as a fallback rather than deadlock.
			sort.Slice(next, func(a, b int) bool { return next[a].GlobalSeq < next[b].GlobalSeq })
			for _, e := range next {
				if err := r.Apply(e); err != nil {
					return count, xerrors.Errorf("semantic: replay event %d (cycle fallback): %w", e.ID, err)
				}
				applied[e.ID] = true
				count++
			}
			break
		}
		pending = next
	}
	return count, nil
}
