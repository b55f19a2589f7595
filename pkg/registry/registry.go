// Package registry implements the Node Registry (spec §4.A): the
// authoritative, mutex-protected mapping of node-id to its last known
// address, state, incarnation, resources, and heartbeat. Every other
// subsystem resolves nodes through this package rather than holding its own
// copy — the Node Registry owns Nodes keyed by node_id, and all other
// subsystems reference nodes by id (spec §9, "Cyclic references").
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// State is the SWIM lifecycle state of a node.
type State string

const (
	Alive   State = "ALIVE"
	Suspect State = "SUSPECT"
	Dead    State = "DEAD"
	Left    State = "LEFT"
)

// Resources is a node's total/available capacity vector (spec §3).
type Resources struct {
	CPUTotal        float64
	CPUAvailable    float64
	RAMTotalMB      int64
	RAMAvailableMB  int64
	MaxInstances    int
	CurrentInstances int
}

// Node is the identity and live view of a cluster member (spec §3).
type Node struct {
	NodeID        string
	Name          string
	Address       string
	Port          int
	State         State
	Incarnation   uint64
	LastSeenMS    int64
	Resources     Resources
	FailedPings   int
	Labels        map[string]string
	Taints        map[string]struct{}
}

// Clone returns a deep-enough copy safe for callers to mutate.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Labels = make(map[string]string, len(n.Labels))
	for k, v := range n.Labels {
		c.Labels[k] = v
	}
	c.Taints = make(map[string]struct{}, len(n.Taints))
	for k := range n.Taints {
		c.Taints[k] = struct{}{}
	}
	return &c
}

// DeriveNodeID builds the canonical node_id from name and address (spec §3).
func DeriveNodeID(name, address string) string {
	return fmt.Sprintf("%s@%s", name, address)
}

// Registry is the thread-safe node catalog.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	selfID     string
	deadSince  map[string]time.Time
	evictAfter time.Duration
	logger     zerolog.Logger
}

// New creates an empty Registry. evictAfter is the retention window (spec
// §4.A: confirmed DEAD nodes are retained for >=300s to absorb late gossip).
func New(evictAfter time.Duration) *Registry {
	if evictAfter <= 0 {
		evictAfter = 300 * time.Second
	}
	return &Registry{
		nodes:      make(map[string]*Node),
		deadSince:  make(map[string]time.Time),
		evictAfter: evictAfter,
		logger:     log.WithComponent("registry"),
	}
}

// SetSelf marks which node_id is this process's own identity; Self() always
// reports it ALIVE regardless of the stored state (spec §3 invariant).
func (r *Registry) SetSelf(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = nodeID
}

// Self returns this process's own node, always reported ALIVE regardless of
// the stored state (spec §3 invariant) — a node never gossips itself as
// suspect or dead. Returns cerrors.NotFound if SetSelf was never called or
// the self node_id has not been Added yet.
func (r *Registry) Self() (*Node, error) {
	r.mu.RLock()
	selfID := r.selfID
	n, ok := r.nodes[selfID]
	r.mu.RUnlock()

	if selfID == "" || !ok {
		return nil, fmt.Errorf("self node: %w", cerrors.NotFound)
	}
	self := n.Clone()
	self.State = Alive
	return self, nil
}

// Add inserts a brand-new node. Returns cerrors.AlreadyExists if the
// node_id is already present.
func (r *Registry) Add(n *Node) error {
	if n == nil || n.NodeID == "" {
		return fmt.Errorf("add node: %w", cerrors.InvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[n.NodeID]; exists {
		return fmt.Errorf("node %s: %w", n.NodeID, cerrors.AlreadyExists)
	}

	stored := n.Clone()
	if stored.LastSeenMS == 0 {
		stored.LastSeenMS = nowMS()
	}
	r.nodes[n.NodeID] = stored
	r.observeLocked()
	r.logger.Info().Str("node_id", n.NodeID).Str("address", n.Address).Msg("node added")
	return nil
}

// Remove deletes a node and returns its last known state, or
// cerrors.NotFound.
func (r *Registry) Remove(nodeID string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	delete(r.nodes, nodeID)
	delete(r.deadSince, nodeID)
	r.observeLocked()
	return n, nil
}

// Find returns a copy of the node, or cerrors.NotFound.
func (r *Registry) Find(nodeID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	return n.Clone(), nil
}

// All returns a snapshot slice of all known nodes.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Mutate atomically applies fn to the stored node under lock. Useful for
// read-modify-write transitions (SWIM, incarnation refutes) that must not
// race with concurrent Update calls.
func (r *Registry) Mutate(nodeID string, fn func(n *Node)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	fn(n)
	if n.State == Dead {
		if _, tracked := r.deadSince[nodeID]; !tracked {
			r.deadSince[nodeID] = time.Now()
		}
	} else {
		delete(r.deadSince, nodeID)
	}
	r.observeLocked()
	return nil
}

// Update refreshes the mutable fields of an existing node (state,
// last_seen, incarnation, failed_pings, resources) without reidentifying it
// (spec §4.A). Unknown node_ids are inserted, mirroring the gossip ANNOUNCE
// receive path (spec §4.C).
func (r *Registry) Update(n *Node) error {
	if n == nil || n.NodeID == "" {
		return fmt.Errorf("update node: %w", cerrors.InvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[n.NodeID]
	if !ok {
		r.nodes[n.NodeID] = n.Clone()
		r.observeLocked()
		return nil
	}

	existing.State = n.State
	existing.LastSeenMS = n.LastSeenMS
	existing.Incarnation = n.Incarnation
	existing.FailedPings = n.FailedPings
	existing.Resources = n.Resources
	if n.Address != "" {
		existing.Address = n.Address
	}
	if n.Port != 0 {
		existing.Port = n.Port
	}

	if existing.State == Dead {
		if _, tracked := r.deadSince[n.NodeID]; !tracked {
			r.deadSince[n.NodeID] = time.Now()
		}
	} else {
		delete(r.deadSince, n.NodeID)
	}

	r.observeLocked()
	return nil
}

// SweepDead evicts nodes that have been confirmed DEAD for longer than the
// retention window (spec §4.A). Returns the evicted node_ids.
func (r *Registry) SweepDead() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	now := time.Now()
	for id, since := range r.deadSince {
		if now.Sub(since) >= r.evictAfter {
			delete(r.nodes, id)
			delete(r.deadSince, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.observeLocked()
		r.logger.Debug().Strs("node_ids", evicted).Msg("evicted dead nodes")
	}
	return evicted
}

// AliveCount returns the number of ALIVE nodes.
func (r *Registry) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, node := range r.nodes {
		if node.State == Alive {
			n++
		}
	}
	return n
}

// observeLocked must be called with r.mu held (read or write).
func (r *Registry) observeLocked() {
	counts := map[State]int{}
	for _, n := range r.nodes {
		counts[n.State]++
	}
	for _, s := range []State{Alive, Suspect, Dead, Left} {
		telemetry.NodesTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }
