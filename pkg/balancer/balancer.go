// Package balancer implements the service mesh's load-balancing policies
// (spec §4.H): round robin, least-connections, least-response-time, random,
// and IP-hash endpoint selection over a healthy registry subset.
package balancer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/discovery"
)

// Algorithm is a load-balancing selection policy (spec §4.H).
type Algorithm string

const (
	RoundRobin         Algorithm = "ROUND_ROBIN"
	LeastConnections   Algorithm = "LEAST_CONNECTIONS"
	LeastResponseTime  Algorithm = "LEAST_RESPONSE_TIME"
	Random             Algorithm = "RANDOM"
	IPHash             Algorithm = "IP_HASH"
	WeightedRoundRobin Algorithm = "WEIGHTED_ROUND_ROBIN"
)

// Policy is a per-service load-balancing configuration (spec §4.H).
type Policy struct {
	Algorithm          Algorithm
	HealthCheckEnabled bool
	MaxRetries         int
	RetryDelay         time.Duration
	StickySessions     bool
	SessionTimeout     time.Duration
}

// DefaultPolicy matches spec §6 (ROUND_ROBIN default algorithm).
func DefaultPolicy() Policy {
	return Policy{Algorithm: RoundRobin, HealthCheckEnabled: true, MaxRetries: 2, RetryDelay: 100 * time.Millisecond}
}

// Balancer dispatches route() requests against a discovery.Registry,
// maintaining per-endpoint round-robin counters.
type Balancer struct {
	registry *discovery.Registry

	mu       sync.Mutex
	policies map[string]Policy
	counters map[string]uint64 // service_id -> round-robin request counter
}

// New constructs a Balancer backed by reg.
func New(reg *discovery.Registry) *Balancer {
	return &Balancer{
		registry: reg,
		policies: make(map[string]Policy),
		counters: make(map[string]uint64),
	}
}

// SetPolicy installs the load-balancing policy for a service name.
func (b *Balancer) SetPolicy(service string, p Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[service] = p
}

func (b *Balancer) policyFor(service string) Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.policies[service]; ok {
		return p
	}
	return DefaultPolicy()
}

// Route selects an endpoint for service, optionally filtered by tag and
// keyed by client_id for IP_HASH stability (spec §4.H).
func (b *Balancer) Route(service, clientID, tag string) (*discovery.Endpoint, error) {
	policy := b.policyFor(service)

	q := discovery.Query{Name: service, Tag: tag, OnlyActive: true}
	if policy.HealthCheckEnabled {
		q.MinHealth = discovery.Healthy
	}
	endpoints := b.registry.Find(q)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no healthy endpoint for %s: %w", service, cerrors.NotFound)
	}

	switch policy.Algorithm {
	case LeastConnections:
		return pickMin(endpoints, func(e *discovery.Endpoint) float64 {
			return float64(e.RequestCount) - float64(e.ErrorCount)
		}), nil
	case LeastResponseTime:
		return pickMin(endpoints, func(e *discovery.Endpoint) float64 { return e.AvgResponseMS }), nil
	case Random:
		return endpoints[rand.Intn(len(endpoints))], nil
	case IPHash:
		idx := djb2(clientID) % uint32(len(endpoints))
		return endpoints[idx], nil
	case RoundRobin, WeightedRoundRobin:
		return b.roundRobin(service, endpoints), nil
	default:
		return b.roundRobin(service, endpoints), nil
	}
}

// roundRobin picks the endpoint with the lowest request counter, then
// increments it (spec §4.H).
func (b *Balancer) roundRobin(service string, endpoints []*discovery.Endpoint) *discovery.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	var chosen *discovery.Endpoint
	var chosenCount uint64
	for _, e := range endpoints {
		c := b.counters[e.ServiceID]
		if chosen == nil || c < chosenCount {
			chosen = e
			chosenCount = c
		}
	}
	b.counters[chosen.ServiceID]++
	return chosen
}

func pickMin(endpoints []*discovery.Endpoint, key func(*discovery.Endpoint) float64) *discovery.Endpoint {
	best := endpoints[0]
	bestVal := key(best)
	for _, e := range endpoints[1:] {
		v := key(e)
		if v < bestVal {
			best, bestVal = e, v
		}
	}
	return best
}

// djb2 is the classic Bernstein hash, used for stable IP_HASH routing
// (spec §4.H).
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = (h*33 + uint32(s[i]))
	}
	return h
}

// Report forwards request outcome bookkeeping to the service registry
// (spec §4.H report()).
func (b *Balancer) Report(serviceID string, ok bool, latency time.Duration) {
	b.registry.ReportRequest(serviceID, ok, latency)
}
