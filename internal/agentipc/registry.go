package agentipc

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/semantic"
	"github.com/vexfs/vexfs/internal/vexerr"
)

// ServiceState is the lifecycle state of a registered embedding service.
type ServiceState uint8

const (
	StateStarting ServiceState = iota
	StateReady
	StateBusy
	StateOverloaded
	StateStopping
	StateStopped
	StateError
)

// HealthStatus summarizes a service's recent request success rate.
type HealthStatus uint8

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
	HealthUnhealthy
	HealthUnknown
)

// Capabilities advertises what an embedding service can serve.
type Capabilities struct {
	SupportedDimensions []uint32
	SupportedModels      []string
	MaxBatchSize         int
}

// LoadInfo is the load snapshot a service reports on heartbeat.
type LoadInfo struct {
	CPUUsage           float32
	MemoryUsage        float32
	ActiveRequests     uint32
	QueueDepth         uint32
	AvgResponseTimeMs  uint64
}

func (l LoadInfo) max() float32 {
	if l.CPUUsage > l.MemoryUsage {
		return l.CPUUsage
	}
	return l.MemoryUsage
}

// Health is the last-reported health of a service.
type Health struct {
	Status    HealthStatus
	Score     uint8
	LastCheck time.Time
}

// Info is what a service advertises at registration.
type Info struct {
	ID           string
	Name         string
	Version      string
	Capabilities Capabilities
}

// Service is one registered embedding worker and its live state.
type Service struct {
	Info         Info
	RegisteredAt time.Time
	LastHeartbeat time.Time
	Status       ServiceState
	Health       Health
	Load         LoadInfo
	Priority     uint8

	consecutiveFailures int
}

// Stats accumulates per-service request statistics, tracking average
// response time as an exponential moving average with alpha=0.1.
type Stats struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	AvgResponseTimeUs  uint64
}

// Config bounds a Registry's capacity and health-tracking behavior.
type Config struct {
	MaxServices         int
	ServiceTimeout      time.Duration
	UnhealthyThreshold  int // consecutive failures before forced removal from routing
}

// DefaultConfig returns a 100-service registry with a 5-minute service
// timeout.
func DefaultConfig() Config {
	return Config{MaxServices: 100, ServiceTimeout: 5 * time.Minute, UnhealthyThreshold: 3}
}

// Registry is the embedding-service directory: register, heartbeat,
// health-scored routing by capability then load then priority.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	services map[string]*Service
	stats    map[string]*Stats

	limiter *semantic.RateLimiter
}

// New constructs a Registry. limiter may be nil to disable per-service rate
// limiting on registration/request-routing calls.
func New(cfg Config, limiter *semantic.RateLimiter, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		now:      now,
		services: make(map[string]*Service),
		stats:    make(map[string]*Stats),
		limiter:  limiter,
	}
}

// Register adds a new embedding service: the service advertises its
// capabilities and the registry validates them. The caller-supplied
// Info.ID is the service id; the registry does not generate one.
func (r *Registry) Register(info Info) error {
	if len(info.Capabilities.SupportedDimensions) == 0 {
		return xerrors.Errorf("agentipc: register %s: %w", info.ID, vexerr.ErrInvalidArgument)
	}
	if info.Capabilities.MaxBatchSize <= 0 || info.Capabilities.MaxBatchSize > MaxBatch {
		return xerrors.Errorf("agentipc: register %s: %w", info.ID, vexerr.ErrInvalidArgument)
	}
	for _, d := range info.Capabilities.SupportedDimensions {
		if d == 0 || d > MaxDimension {
			return xerrors.Errorf("agentipc: register %s: dimension %d: %w", info.ID, d, vexerr.ErrInvalidArgument)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.services) >= r.cfg.MaxServices {
		return xerrors.Errorf("agentipc: register %s: %w", info.ID, vexerr.ErrResourceBusy)
	}
	if _, exists := r.services[info.ID]; exists {
		return xerrors.Errorf("agentipc: register %s: %w", info.ID, vexerr.ErrAlreadyExists)
	}
	now := r.now()
	r.services[info.ID] = &Service{
		Info:          info,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StateStarting,
		Health:        Health{Status: HealthUnknown, LastCheck: now},
		Priority:      128,
	}
	r.stats[info.ID] = &Stats{}
	return nil
}

// Unregister removes a service.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return xerrors.Errorf("agentipc: unregister %s: %w", id, vexerr.ErrNotFound)
	}
	delete(r.services, id)
	delete(r.stats, id)
	return nil
}

// Heartbeat records fresh load info and recomputes service status from
// load thresholds: >0.9 utilization is overloaded, >0.7 is busy, else
// ready.
func (r *Registry) Heartbeat(id string, load LoadInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return xerrors.Errorf("agentipc: heartbeat %s: %w", id, vexerr.ErrNotFound)
	}
	svc.LastHeartbeat = r.now()
	svc.Load = load
	switch m := load.max(); {
	case m > 0.9:
		svc.Status = StateOverloaded
	case m > 0.7:
		svc.Status = StateBusy
	default:
		svc.Status = StateReady
	}
	svc.consecutiveFailures = 0
	return nil
}

// RecordFailure marks one failed request against a service; once
// consecutive failures reach UnhealthyThreshold the service is marked
// unhealthy and pulled from routing until its next successful heartbeat.
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return
	}
	svc.consecutiveFailures++
	if svc.consecutiveFailures >= r.cfg.UnhealthyThreshold {
		svc.Health.Status = HealthUnhealthy
		svc.Status = StateError
	}
}

// RecordResult updates per-service statistics with an exponential moving
// average (alpha=0.1), exactly as update_service_stats does.
func (r *Registry) RecordResult(id string, responseTime time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[id]
	if !ok {
		return
	}
	st.TotalRequests++
	if success {
		st.SuccessfulRequests++
	} else {
		st.FailedRequests++
	}
	us := uint64(responseTime.Microseconds())
	if st.AvgResponseTimeUs == 0 {
		st.AvgResponseTimeUs = us
	} else {
		st.AvgResponseTimeUs = (st.AvgResponseTimeUs*9 + us) / 10
	}
}

func available(s *Service) bool {
	switch s.Status {
	case StateReady, StateBusy:
		return true
	default:
		return false
	}
}

func matchesCapabilities(have Capabilities, want Capabilities) bool {
	if len(want.SupportedDimensions) > 0 {
		for _, d := range want.SupportedDimensions {
			found := false
			for _, hd := range have.SupportedDimensions {
				if hd == d {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if len(want.SupportedModels) > 0 {
		found := false
	outer:
		for _, wm := range want.SupportedModels {
			for _, hm := range have.SupportedModels {
				if hm == wm {
					found = true
					break outer
				}
			}
		}
		if !found {
			return false
		}
	}
	if want.MaxBatchSize > 0 && have.MaxBatchSize < want.MaxBatchSize {
		return false
	}
	return true
}

// Route picks the best available service whose capabilities satisfy want,
// sorted by load then priority. Returns ErrNotFound when none match.
func (r *Registry) Route(want Capabilities) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates []*Service
	for _, svc := range r.services {
		if !available(svc) {
			continue
		}
		if !matchesCapabilities(svc.Info.Capabilities, want) {
			continue
		}
		candidates = append(candidates, svc)
	}
	if len(candidates) == 0 {
		return Info{}, xerrors.Errorf("agentipc: route: %w", vexerr.ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].Load.max(), candidates[j].Load.max()
		if li != lj {
			return li < lj
		}
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates[0].Info, nil
}

// Get returns one service's current snapshot.
func (r *Registry) Get(id string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return Service{}, xerrors.Errorf("agentipc: get %s: %w", id, vexerr.ErrNotFound)
	}
	return *svc, nil
}

// Prune removes services whose last heartbeat exceeds ServiceTimeout,
// the service_timeout_sec eviction.
func (r *Registry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	now := r.now()
	for id, svc := range r.services {
		if now.Sub(svc.LastHeartbeat) > r.cfg.ServiceTimeout {
			delete(r.services, id)
			delete(r.stats, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// AllowRequest applies the registry's own rate limit (its "rate limiting
// on the IPC registry": token-bucket per service id) before routing a
// request to id.
func (r *Registry) AllowRequest(id string) (bool, *semantic.Violation) {
	if r.limiter == nil {
		return true, nil
	}
	return r.limiter.AllowRequest(id)
}
