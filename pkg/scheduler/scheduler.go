// Package scheduler implements resource-aware placement (spec §4.E):
// per-node resource accounting, feasibility filtering over constraints and
// taints/tolerations, strategy-based scoring, namespace quotas, and
// time-bounded reservations.
package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// ResourceRequest is the resource vector a placement asks for (spec §3).
type ResourceRequest struct {
	CPUCores    float64
	RAMMB       int64
	DiskMB      int64
	NetworkMbps float64
	NeedsGPU    bool
	GPUCount    int
}

// Strategy is a scoring strategy (spec §4.E).
type Strategy string

const (
	Binpack  Strategy = "BINPACK"
	Spread   Strategy = "SPREAD"
	Random   Strategy = "RANDOM"
	Affinity Strategy = "AFFINITY"
)

// ConstraintOp is a constraint comparison operator.
type ConstraintOp string

const (
	Equals    ConstraintOp = "EQUALS"
	NotEquals ConstraintOp = "NOT_EQUALS"
	In        ConstraintOp = "IN"
	NotIn     ConstraintOp = "NOT_IN"
	Exists    ConstraintOp = "EXISTS"
	NotExists ConstraintOp = "NOT_EXISTS"
)

// Constraint filters candidate nodes by label. Required constraints must
// match for feasibility; non-required ("preferred") constraints only
// contribute to score.
type Constraint struct {
	Key      string
	Op       ConstraintOp
	Values   []string
	Required bool
	Weight   float64
}

// AffinityRule nudges placement toward/away from nodes already hosting a
// target service.
type AffinityRule struct {
	TargetService string
	Weight        float64
	AntiAffinity  bool
}

// PlacementPreferences drives strategy selection and constraint matching
// (spec §3).
type PlacementPreferences struct {
	Strategy         Strategy
	Constraints      []Constraint
	AffinityRules    []AffinityRule
	Tolerations      []string
	SpreadAcrossKey  string
}

// NodeResources mirrors a Node's resource vector plus scheduling metadata
// (spec §3).
type NodeResources struct {
	NodeID           string
	Alive            bool
	CPUTotal         float64
	CPUAvailable     float64
	RAMTotalMB       int64
	RAMAvailableMB   int64
	MaxInstances     int
	CurrentInstances int
	Labels           map[string]string
	Taints           map[string]struct{}
	// CoResidentServices tracks which service names currently have an
	// instance placed on this node, for AFFINITY scoring.
	CoResidentServices map[string]int
}

func (nr *NodeResources) clone() *NodeResources {
	c := *nr
	c.Labels = make(map[string]string, len(nr.Labels))
	for k, v := range nr.Labels {
		c.Labels[k] = v
	}
	c.Taints = make(map[string]struct{}, len(nr.Taints))
	for k := range nr.Taints {
		c.Taints[k] = struct{}{}
	}
	c.CoResidentServices = make(map[string]int, len(nr.CoResidentServices))
	for k, v := range nr.CoResidentServices {
		c.CoResidentServices[k] = v
	}
	return &c
}

// Quota is a per-namespace hard limit with optional burst allowance
// (spec §3).
type Quota struct {
	Hard         ResourceRequest
	Used         ResourceRequest
	BurstAllowed bool
	BurstPct     float64
}

// Reservation is a time-bounded claim counted against quota (spec §3).
type Reservation struct {
	ID         string
	Namespace  string
	Resources  ResourceRequest
	NodeID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Priority   int
	InUse      bool
}

// Scheduler owns node resource accounting, quotas, and reservations.
type Scheduler struct {
	mu           sync.RWMutex
	nodes        map[string]*NodeResources
	quotas       map[string]*Quota
	quotasOn     bool
	reservations map[string]*Reservation
	reservSeq    uint64
	logger       zerolog.Logger
}

// New constructs an empty Scheduler. quotasEnabled matches spec §6's
// "scheduler quotas off by default".
func New(quotasEnabled bool) *Scheduler {
	return &Scheduler{
		nodes:        make(map[string]*NodeResources),
		quotas:       make(map[string]*Quota),
		quotasOn:     quotasEnabled,
		reservations: make(map[string]*Reservation),
		logger:       log.WithComponent("scheduler"),
	}
}

// RegisterNode creates a NodeResources entry from a live cluster node.
func (s *Scheduler) RegisterNode(n *registry.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[n.NodeID] = &NodeResources{
		NodeID:             n.NodeID,
		Alive:              n.State == registry.Alive,
		CPUTotal:           n.Resources.CPUTotal,
		CPUAvailable:       n.Resources.CPUTotal,
		RAMTotalMB:         n.Resources.RAMTotalMB,
		RAMAvailableMB:     n.Resources.RAMTotalMB,
		MaxInstances:       n.Resources.MaxInstances,
		CurrentInstances:   0,
		Labels:             map[string]string{},
		Taints:             map[string]struct{}{},
		CoResidentServices: map[string]int{},
	}
}

// SetNodeAlive updates liveness (driven by the registry's SWIM state).
func (s *Scheduler) SetNodeAlive(nodeID string, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nr, ok := s.nodes[nodeID]; ok {
		nr.Alive = alive
	}
}

// Allocate subtracts request from node's available resources and increments
// its instance count, failing with InsufficientResources if under-provisioned.
func (s *Scheduler) Allocate(nodeID string, req ResourceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nr, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	if !fits(nr, req) {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.InsufficientResources)
	}

	nr.CPUAvailable -= req.CPUCores
	nr.RAMAvailableMB -= req.RAMMB
	nr.CurrentInstances++
	return nil
}

// Release is the inverse of Allocate.
func (s *Scheduler) Release(nodeID string, req ResourceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nr, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}

	nr.CPUAvailable += req.CPUCores
	nr.RAMAvailableMB += req.RAMMB
	if nr.CurrentInstances > 0 {
		nr.CurrentInstances--
	}
	return nil
}

func fits(nr *NodeResources, req ResourceRequest) bool {
	if nr.CPUAvailable < req.CPUCores {
		return false
	}
	if nr.RAMAvailableMB < req.RAMMB {
		return false
	}
	return true
}

// feasible reports whether nr can host (req, prefs) (spec §4.E).
func feasible(nr *NodeResources, req ResourceRequest, prefs PlacementPreferences) bool {
	if !nr.Alive {
		return false
	}
	if !fits(nr, req) {
		return false
	}
	if nr.MaxInstances > 0 && nr.CurrentInstances >= nr.MaxInstances {
		return false
	}
	for _, c := range prefs.Constraints {
		if c.Required && !matchConstraint(nr, c) {
			return false
		}
	}
	for taint := range nr.Taints {
		if !tolerated(taint, prefs.Tolerations) {
			return false
		}
	}
	return true
}

func matchConstraint(nr *NodeResources, c Constraint) bool {
	val, has := nr.Labels[c.Key]
	switch c.Op {
	case Exists:
		return has
	case NotExists:
		return !has
	case Equals:
		return has && len(c.Values) > 0 && val == c.Values[0]
	case NotEquals:
		return !has || len(c.Values) == 0 || val != c.Values[0]
	case In:
		if !has {
			return false
		}
		for _, v := range c.Values {
			if v == val {
				return true
			}
		}
		return false
	case NotIn:
		if !has {
			return true
		}
		for _, v := range c.Values {
			if v == val {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func tolerated(taint string, tolerations []string) bool {
	for _, t := range tolerations {
		if t == taint {
			return true
		}
	}
	return false
}

// scoreResult pairs a node with its computed score for tie-break sorting.
type scoreResult struct {
	nodeID string
	score  float64
}

// Schedule selects the best feasible node for (req, prefs), breaking ties by
// lowest node_id (spec §4.E).
func (s *Scheduler) Schedule(req ResourceRequest, prefs PlacementPreferences) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []scoreResult
	for id, nr := range s.nodes {
		if !feasible(nr, req, prefs) {
			continue
		}
		score := s.score(nr, req, prefs)
		candidates = append(candidates, scoreResult{nodeID: id, score: score})
	}

	if len(candidates) == 0 {
		telemetry.PlacementsTotal.WithLabelValues("exhausted").Inc()
		return "", fmt.Errorf("no feasible node: %w", cerrors.ResourceExhausted)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].nodeID < candidates[j].nodeID
	})

	telemetry.PlacementsTotal.WithLabelValues("placed").Inc()
	return candidates[0].nodeID, nil
}

func (s *Scheduler) score(nr *NodeResources, req ResourceRequest, prefs PlacementPreferences) float64 {
	var strategyScore float64
	switch prefs.Strategy {
	case Binpack:
		strategyScore = 100 * postAllocUtilization(nr, req)
	case Spread:
		strategyScore = 100 * (1 - currentUtilization(nr))
	case Random:
		strategyScore = float64(rand.Intn(100))
	case Affinity:
		strategyScore = 100 * (1 - currentUtilization(nr))
		strategyScore += affinityAdjustment(nr, prefs.AffinityRules)
	default:
		strategyScore = 100 * (1 - currentUtilization(nr))
	}

	for _, c := range prefs.Constraints {
		if !c.Required && matchConstraint(nr, c) {
			strategyScore += c.Weight
		}
	}

	return strategyScore
}

func affinityAdjustment(nr *NodeResources, rules []AffinityRule) float64 {
	var adj float64
	for _, r := range rules {
		count := nr.CoResidentServices[r.TargetService]
		if count == 0 {
			continue
		}
		if r.AntiAffinity {
			adj -= r.Weight
		} else {
			adj += r.Weight
		}
	}
	return adj
}

func postAllocUtilization(nr *NodeResources, req ResourceRequest) float64 {
	cpuPct := utilizationPct(nr.CPUTotal, nr.CPUAvailable-req.CPUCores)
	ramPct := utilizationPct(float64(nr.RAMTotalMB), float64(nr.RAMAvailableMB-req.RAMMB))
	return (cpuPct + ramPct) / 2
}

func currentUtilization(nr *NodeResources) float64 {
	cpuPct := utilizationPct(nr.CPUTotal, nr.CPUAvailable)
	ramPct := utilizationPct(float64(nr.RAMTotalMB), float64(nr.RAMAvailableMB))
	return (cpuPct + ramPct) / 2
}

// utilizationPct returns fraction-used of total given the amount still
// available.
func utilizationPct(total, available float64) float64 {
	if total <= 0 {
		return 0
	}
	used := total - available
	if used < 0 {
		used = 0
	}
	return used / total
}

// SetLabel and Taint mutate scheduling metadata for a registered node.
func (s *Scheduler) SetLabel(nodeID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nr, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	nr.Labels[key] = value
	return nil
}

func (s *Scheduler) Label(nodeID, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nr, ok := s.nodes[nodeID]
	if !ok {
		return "", false
	}
	v, ok := nr.Labels[key]
	return v, ok
}

func (s *Scheduler) Taint(nodeID, taint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nr, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cerrors.NotFound)
	}
	nr.Taints[taint] = struct{}{}
	return nil
}

// CheckQuota applies a namespace's hard limit (with optional burst) against
// a prospective request (spec §4.E, §3).
func (s *Scheduler) CheckQuota(namespace string, req ResourceRequest) error {
	if !s.quotasOn {
		return nil
	}

	s.mu.RLock()
	q, ok := s.quotas[namespace]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	limit := q.Hard.CPUCores
	if q.BurstAllowed {
		limit = q.Hard.CPUCores * (1 + q.BurstPct/100)
	}
	if q.Used.CPUCores+req.CPUCores > limit {
		return fmt.Errorf("namespace %s cpu quota: %w", namespace, cerrors.QuotaExceeded)
	}

	ramLimit := float64(q.Hard.RAMMB)
	if q.BurstAllowed {
		ramLimit = float64(q.Hard.RAMMB) * (1 + q.BurstPct/100)
	}
	if float64(q.Used.RAMMB)+float64(req.RAMMB) > ramLimit {
		return fmt.Errorf("namespace %s ram quota: %w", namespace, cerrors.QuotaExceeded)
	}

	return nil
}

// SetQuota installs or replaces a namespace's quota.
func (s *Scheduler) SetQuota(namespace string, q Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := q
	s.quotas[namespace] = &stored
}

// Reserve claims resources against a namespace's quota for ttl, returning a
// reservation id, or QuotaExceeded if the claim would violate the quota.
func (s *Scheduler) Reserve(namespace string, req ResourceRequest, ttl time.Duration, priority int) (string, error) {
	if err := s.CheckQuota(namespace, req); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.quotas[namespace]; ok {
		q.Used.CPUCores += req.CPUCores
		q.Used.RAMMB += req.RAMMB
	}

	s.reservSeq++
	id := fmt.Sprintf("res-%d", s.reservSeq)
	now := time.Now()
	s.reservations[id] = &Reservation{
		ID:        id,
		Namespace: namespace,
		Resources: req,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Priority:  priority,
	}
	return id, nil
}

// SweepReservations removes expired, unused reservations and credits their
// resources back to quota.
func (s *Scheduler) SweepReservations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, r := range s.reservations {
		if r.InUse || now.Before(r.ExpiresAt) {
			continue
		}
		if q, ok := s.quotas[r.Namespace]; ok {
			q.Used.CPUCores -= r.Resources.CPUCores
			q.Used.RAMMB -= r.Resources.RAMMB
		}
		delete(s.reservations, id)
		expired = append(expired, id)
	}
	return expired
}
