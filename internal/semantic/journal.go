package semantic

import (
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// ring is a fixed-capacity, append-only event buffer: new events overwrite
// the oldest once full, the same ring-buffer approach internal/journal
// uses for block records, generalized here to semantic events.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = e
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *ring) snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// subscriber is one streaming consumer's cursor-and-channel pair, giving
// cursor-based streaming with back-pressure. A non-lossy subscriber (the
// default) makes Emit block, up to Config.BackpressureTimeout, rather than
// drop; a lossy subscriber keeps the old default-drop-on-full behavior.
type subscriber struct {
	ch       chan Event
	dropped  uint64
	lossy    bool
	filter   *Query
	pathGlob glob.Glob // compiled once from filter.PathPattern at Subscribe time
}

// passes reports whether e should be delivered to this subscriber, per its
// Subscribe-time filter (nil filter == everything passes).
func (s *subscriber) passes(e Event) bool {
	if s.filter == nil {
		return true
	}
	return matches(e, *s.filter, s.pathGlob)
}

// Journal is the semantic event store: append, causality-linked query,
// cursor streaming, and replay, independent of the data journal in
// internal/journal.
type Journal struct {
	mu          sync.Mutex
	ring        *ring
	nextID      uint64
	globalSeq   uint64
	subscribers map[uint64]*subscriber
	nextSubID   uint64

	backpressure time.Duration
	limiter      *RateLimiter
}

// Config controls journal sizing.
type Config struct {
	RingCapacity    int
	SubscriberDepth int // per-subscriber channel buffer before back-pressure blocks
	// BackpressureTimeout bounds how long Emit blocks on one slow,
	// non-lossy subscriber before giving up and counting the event as
	// dropped for that subscriber. It does not apply to lossy
	// subscribers, which never block.
	BackpressureTimeout time.Duration
}

// DefaultConfig matches the suggested defaults.
func DefaultConfig() Config {
	return Config{RingCapacity: 1 << 16, SubscriberDepth: 1024, BackpressureTimeout: 2 * time.Second}
}

// New constructs a Journal. limiter may be nil to disable rate limiting
// (e.g. for kernel-internal callers that don't go through the agent API).
func New(cfg Config, limiter *RateLimiter) *Journal {
	if cfg.RingCapacity <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = DefaultConfig().BackpressureTimeout
	}
	return &Journal{
		ring:         newRing(cfg.RingCapacity),
		subscribers:  make(map[uint64]*subscriber),
		backpressure: cfg.BackpressureTimeout,
		limiter:      limiter,
	}
}

// Emit appends an event, assigning its ID/GlobalSeq, and fans it out to
// every active subscriber whose filter passes it. A lossy subscriber's full
// channel drops the event and increments its dropped counter immediately, as
// before. A non-lossy subscriber (the default) instead makes Emit block on
// that subscriber's channel for up to Config.BackpressureTimeout — real
// back-pressure on the producer, not an unconditional drop — and only
// counts the event as dropped if the deadline elapses first.
func (j *Journal) Emit(e Event, agent string) (Event, error) {
	if !ValidSchemaVersion(e.SchemaVersion) {
		return Event{}, xerrors.Errorf("semantic: event schema version %q: %w", e.SchemaVersion, vexerr.ErrInvalidArgument)
	}
	if j.limiter != nil && agent != "" {
		if ok, v := j.limiter.AllowEvents(agent, 1); !ok {
			return Event{}, xerrors.Errorf("semantic: agent %s event rate: %w (limit %v)", v.AgentID, vexerr.ErrRateLimitExceeded, v.Limit)
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	j.globalSeq++
	e.ID = j.nextID
	e.GlobalSeq = j.globalSeq
	j.ring.push(e)
	for _, s := range j.subscribers {
		if !s.passes(e) {
			continue
		}
		if s.lossy {
			select {
			case s.ch <- e:
			default:
				s.dropped++
			}
			continue
		}
		select {
		case s.ch <- e:
		case <-time.After(j.backpressure):
			s.dropped++
		}
	}
	return e, nil
}

// Subscribe registers a new streaming cursor and returns its channel plus an
// unsubscribe func. The channel is buffered per Config.SubscriberDepth.
// filter, if non-nil, makes delivery server-side filtered: only events
// matching it are ever sent on the returned channel (Since/Run's cursor
// field is ignored — the filter only gates which future events pass).
// lossy opts this subscriber out of back-pressure: a full channel drops the
// event immediately instead of making Emit block.
func (j *Journal) Subscribe(depth int, filter *Query, lossy bool) (<-chan Event, func()) {
	if depth <= 0 {
		depth = DefaultConfig().SubscriberDepth
	}
	s := &subscriber{ch: make(chan Event, depth), lossy: lossy, filter: filter}
	if filter != nil {
		s.pathGlob = filter.compiledPath()
	}
	j.mu.Lock()
	j.nextSubID++
	id := j.nextSubID
	j.subscribers[id] = s
	j.mu.Unlock()

	return s.ch, func() {
		j.mu.Lock()
		delete(j.subscribers, id)
		j.mu.Unlock()
		close(s.ch)
	}
}

// DroppedForTesting reports how many events a subscriber has missed due to
// back-pressure; callers can poll it to detect a too-slow consumer.
func (j *Journal) DroppedForTesting(subID uint64) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.subscribers[subID]; ok {
		return s.dropped
	}
	return 0
}

// Since returns every retained event with GlobalSeq > cursor, in order —
// the pull-based counterpart to Subscribe, used by replay and by agents
// that poll instead of stream.
func (j *Journal) Since(cursor uint64) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	all := j.ring.snapshot()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.GlobalSeq > cursor {
			out = append(out, e)
		}
	}
	return out
}

// Causes returns the events CausalityLinks in e point to, resolved against
// the events currently retained in the ring (older events may have been
// evicted, in which case the corresponding id is simply absent from the
// result — the causality is best-effort over the retention window).
func (j *Journal) Causes(e Event) []Event {
	if len(e.CausalityLinks) == 0 {
		return nil
	}
	want := make(map[uint64]bool, len(e.CausalityLinks))
	for _, id := range e.CausalityLinks {
		want[id] = true
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Event
	for _, cand := range j.ring.snapshot() {
		if want[cand.ID] {
			out = append(out, cand)
		}
	}
	return out
}
