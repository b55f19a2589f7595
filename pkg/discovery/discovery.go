// Package discovery implements the service mesh's service registry
// (spec §4.G): registration with generated service ids, heartbeat-driven
// health tracking, and tag/name/health-filtered discovery queries.
package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Health is a service endpoint's health state (spec §3).
type Health int

const (
	Unknown Health = iota
	Unhealthy
	Degraded
	Healthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// atLeast reports whether h meets or exceeds min on the UNKNOWN < UNHEALTHY
// < DEGRADED < HEALTHY ordering implied by spec §4.G ("never return services
// with health below min_health").
func (h Health) atLeast(min Health) bool { return h >= min }

// Endpoint is a registered service instance (spec §3).
type Endpoint struct {
	ServiceID     string
	ServiceName   string
	Endpoint      string
	Tags          []string
	Metadata      map[string]string
	Health        Health
	LastHeartbeat time.Time
	RequestCount  uint64
	ErrorCount    uint64
	AvgResponseMS float64
	Active        bool
	NodeID        string
}

func (e *Endpoint) clone() *Endpoint {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Config holds the background task intervals (spec §4.G defaults).
type Config struct {
	HeartbeatTimeout time.Duration
	HealthCheckEvery time.Duration
	CleanupEvery     time.Duration
	CleanupAfter     time.Duration
	TickInterval     time.Duration
}

// DefaultConfig matches spec §4.G / §6.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 15 * time.Second,
		HealthCheckEvery: 10 * time.Second,
		CleanupEvery:     30 * time.Second,
		CleanupAfter:     5 * time.Minute,
		TickInterval:     100 * time.Millisecond,
	}
}

// Registry is the thread-safe service catalog.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New constructs an empty service Registry.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, endpoints: make(map[string]*Endpoint), logger: log.WithComponent("discovery")}
}

// Register generates a service_id and records the endpoint as HEALTHY
// (spec §4.G).
func (r *Registry) Register(name, endpoint string, tags []string, nodeID string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("%s-%d-%s", name, time.Now().UnixNano(), uuid.NewString()[:8])
	e := &Endpoint{
		ServiceID:     id,
		ServiceName:   name,
		Endpoint:      endpoint,
		Tags:          append([]string(nil), tags...),
		Metadata:      map[string]string{},
		Health:        Healthy,
		LastHeartbeat: time.Now(),
		Active:        true,
		NodeID:        nodeID,
	}
	r.endpoints[id] = e
	r.observeLocked()
	return e.clone()
}

// Heartbeat refreshes last_heartbeat for service_id, or NotFound.
func (r *Registry) Heartbeat(serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.endpoints[serviceID]
	if !ok {
		return fmt.Errorf("service %s: %w", serviceID, cerrors.NotFound)
	}
	e.LastHeartbeat = time.Now()
	return nil
}

// Deregister removes a service endpoint; idempotent (spec §3 invariant).
func (r *Registry) Deregister(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, serviceID)
	r.observeLocked()
}

// ReportRequest updates bookkeeping counters used by the load balancer
// (spec §4.H report()).
func (r *Registry) ReportRequest(serviceID string, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.endpoints[serviceID]
	if !found {
		return
	}
	e.RequestCount++
	if !ok {
		e.ErrorCount++
	}
	n := float64(e.RequestCount)
	e.AvgResponseMS += (float64(latency.Milliseconds()) - e.AvgResponseMS) / n
}

// Query is a discovery filter (spec §4.G).
type Query struct {
	Name       string
	Tag        string
	MinHealth  Health
	NodeID     string
	OnlyActive bool
}

// Find returns endpoints matching q.
func (r *Registry) Find(q Query) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, e := range r.endpoints {
		if q.Name != "" && e.ServiceName != q.Name {
			continue
		}
		if q.Tag != "" && !hasTag(e.Tags, q.Tag) {
			continue
		}
		if q.NodeID != "" && e.NodeID != q.NodeID {
			continue
		}
		if q.OnlyActive && !e.Active {
			continue
		}
		if !e.Health.atLeast(q.MinHealth) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// FindByName is Find restricted to an exact service name.
func (r *Registry) FindByName(name string) []*Endpoint {
	return r.Find(Query{Name: name})
}

// FindByTag is Find restricted to a tag.
func (r *Registry) FindByTag(tag string) []*Endpoint {
	return r.Find(Query{Tag: tag})
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Start launches the health-check and cleanup background tasks.
func (r *Registry) Start() {
	r.stopCh = make(chan struct{})
	r.wg.Add(2)
	go r.healthCheckLoop()
	go r.cleanupLoop()
}

// Stop signals both background tasks and waits for them to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) sleepInTicks(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		tick := r.cfg.TickInterval
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-r.stopCh:
			return false
		case <-time.After(tick):
		}
	}
}

// healthCheckLoop marks endpoints UNHEALTHY/inactive once their heartbeat
// has lapsed past HeartbeatTimeout (spec §4.G).
func (r *Registry) healthCheckLoop() {
	defer r.wg.Done()
	for {
		if !r.sleepInTicks(r.cfg.HealthCheckEvery) {
			return
		}
		r.healthCheckOnce()
	}
}

func (r *Registry) healthCheckOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, e := range r.endpoints {
		if now.Sub(e.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			e.Active = false
			e.Health = Unhealthy
		}
	}
	r.observeLocked()
}

// cleanupLoop removes long-inactive endpoints (spec §4.G).
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	for {
		if !r.sleepInTicks(r.cfg.CleanupEvery) {
			return
		}
		r.cleanupOnce()
	}
}

func (r *Registry) cleanupOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, e := range r.endpoints {
		if !e.Active && now.Sub(e.LastHeartbeat) > r.cfg.CleanupAfter {
			delete(r.endpoints, id)
		}
	}
	r.observeLocked()
}

func (r *Registry) observeLocked() {
	counts := map[Health]int{}
	for _, e := range r.endpoints {
		counts[e.Health]++
	}
	for _, h := range []Health{Unknown, Unhealthy, Degraded, Healthy} {
		telemetry.ServiceEndpointsTotal.WithLabelValues(h.String()).Set(float64(counts[h]))
	}
}
