package semantic

import (
	"sync"
	"time"
)

// tokenBucket is a minimal token-bucket limiter: fixed capacity,
// tokens/sec refill rate, lazily refilled on each Allow() call.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
}

func newTokenBucket(capacity, refillPerSecond float64, now time.Time) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillRate: refillPerSecond, last: now}
}

func (b *tokenBucket) allow(now time.Time, cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// RateLimitConfig holds the per-agent and global throttling knobs this
// journal enforces.
type RateLimitConfig struct {
	RequestsPerMinutePerAgent uint32
	BurstSizePerAgent         uint32
	EventsPerMinutePerAgent   uint32
	MaxConcurrentStreamsPerAgent uint32
	GlobalRequestsPerMinute   uint32
	GlobalEventsPerMinute     uint32
}

// DefaultRateLimitConfig returns conservative out-of-the-box limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinutePerAgent:    1000,
		BurstSizePerAgent:            100,
		EventsPerMinutePerAgent:      10000,
		MaxConcurrentStreamsPerAgent: 10,
		GlobalRequestsPerMinute:      50000,
		GlobalEventsPerMinute:        500000,
	}
}

// Violation describes a rejected request, mirroring RateLimitViolation.
type Violation struct {
	AgentID     string
	Kind        string
	CurrentRate float64
	Limit       float64
}

// RateLimiter enforces per-agent and global request/event budgets.
type RateLimiter struct {
	cfg RateLimitConfig

	mu             sync.Mutex
	agentRequests  map[string]*tokenBucket
	agentEvents    map[string]*tokenBucket
	agentStreams   map[string]uint32
	globalRequests *tokenBucket
	globalEvents   *tokenBucket

	now func() time.Time
}

// NewRateLimiter constructs a limiter. now is injectable for deterministic
// tests; callers pass time.Now in production.
func NewRateLimiter(cfg RateLimitConfig, now func() time.Time) *RateLimiter {
	t := now()
	return &RateLimiter{
		cfg:            cfg,
		agentRequests:  make(map[string]*tokenBucket),
		agentEvents:    make(map[string]*tokenBucket),
		agentStreams:   make(map[string]uint32),
		globalRequests: newTokenBucket(float64(cfg.GlobalRequestsPerMinute), float64(cfg.GlobalRequestsPerMinute)/60, t),
		globalEvents:   newTokenBucket(float64(cfg.GlobalEventsPerMinute), float64(cfg.GlobalEventsPerMinute)/60, t),
		now:            now,
	}
}

func (l *RateLimiter) agentRequestBucket(agent string) *tokenBucket {
	if b, ok := l.agentRequests[agent]; ok {
		return b
	}
	b := newTokenBucket(float64(l.cfg.BurstSizePerAgent), float64(l.cfg.RequestsPerMinutePerAgent)/60, l.now())
	l.agentRequests[agent] = b
	return b
}

func (l *RateLimiter) agentEventBucket(agent string) *tokenBucket {
	if b, ok := l.agentEvents[agent]; ok {
		return b
	}
	b := newTokenBucket(float64(l.cfg.EventsPerMinutePerAgent), float64(l.cfg.EventsPerMinutePerAgent)/60, l.now())
	l.agentEvents[agent] = b
	return b
}

// AllowRequest checks and consumes one request token for agent, plus the
// shared global bucket. Returns a Violation describing which limit failed
// when it denies the request.
func (l *RateLimiter) AllowRequest(agent string) (bool, *Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.globalRequests.allow(now, 1) {
		return false, &Violation{AgentID: agent, Kind: "global_request_rate", Limit: float64(l.cfg.GlobalRequestsPerMinute)}
	}
	if !l.agentRequestBucket(agent).allow(now, 1) {
		return false, &Violation{AgentID: agent, Kind: "request_rate", Limit: float64(l.cfg.RequestsPerMinutePerAgent)}
	}
	return true, nil
}

// AllowEvents checks and consumes n event tokens for agent.
func (l *RateLimiter) AllowEvents(agent string, n int) (bool, *Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.globalEvents.allow(now, float64(n)) {
		return false, &Violation{AgentID: agent, Kind: "global_event_rate", Limit: float64(l.cfg.GlobalEventsPerMinute)}
	}
	if !l.agentEventBucket(agent).allow(now, float64(n)) {
		return false, &Violation{AgentID: agent, Kind: "event_rate", Limit: float64(l.cfg.EventsPerMinutePerAgent)}
	}
	return true, nil
}

// AcquireStream increments agent's concurrent-stream count, refusing once
// MaxConcurrentStreamsPerAgent is reached. Pair with ReleaseStream.
func (l *RateLimiter) AcquireStream(agent string) (bool, *Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.agentStreams[agent] >= l.cfg.MaxConcurrentStreamsPerAgent {
		return false, &Violation{AgentID: agent, Kind: "concurrent_streams", Limit: float64(l.cfg.MaxConcurrentStreamsPerAgent)}
	}
	l.agentStreams[agent]++
	return true, nil
}

// ReleaseStream decrements agent's concurrent-stream count.
func (l *RateLimiter) ReleaseStream(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.agentStreams[agent] > 0 {
		l.agentStreams[agent]--
	}
}
