// Package dht implements consistent hashing with virtual nodes over a
// 160-bit SHA-1 keyspace (spec §4.F): ring maintenance on node add/remove,
// successor lookup, and ALIVE-only replica selection.
package dht

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// HashSize is the keyspace width in bytes (160 bits).
const HashSize = sha1.Size

// Hash is a 160-bit ring position.
type Hash [HashSize]byte

// Less reports whether h is ordered before o (big-endian byte compare).
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// HashBytes computes the ring hash of arbitrary bytes.
func HashBytes(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// VirtualNode is one hash-ring token owned by a physical node (spec §3).
type VirtualNode struct {
	PhysicalNodeID string
	VnodeIndex     int
	HashValue      Hash
}

// DefaultVnodesPerNode matches spec §6.
const DefaultVnodesPerNode = 150

// DefaultReplicationFactor matches spec §6.
const DefaultReplicationFactor = 3

// AliveChecker reports whether a physical node id is currently ALIVE; the
// DHT never returns replicas for nodes this reports false (spec §4.F).
type AliveChecker func(nodeID string) bool

// Ring is the sorted virtual-node ring plus the alive-checking callback used
// for replica selection.
type Ring struct {
	mu                sync.RWMutex
	vnodes            []VirtualNode // always kept sorted by HashValue
	vnodesPerNode     int
	replicationFactor int
	isAlive           AliveChecker
	logger            zerolog.Logger
}

// New constructs an empty Ring.
func New(vnodesPerNode, replicationFactor int, isAlive AliveChecker) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVnodesPerNode
	}
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return &Ring{
		vnodesPerNode:     vnodesPerNode,
		replicationFactor: replicationFactor,
		isAlive:           isAlive,
		logger:            log.WithComponent("dht"),
	}
}

// AddNode inserts vnodes_per_node virtual nodes for nodeID and re-sorts the
// ring (spec §4.F).
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodesPerNode; i++ {
		key := fmt.Sprintf("%s-%d", nodeID, i)
		r.vnodes = append(r.vnodes, VirtualNode{
			PhysicalNodeID: nodeID,
			VnodeIndex:     i,
			HashValue:      HashBytes([]byte(key)),
		})
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].HashValue.Less(r.vnodes[j].HashValue) })

	r.logger.Debug().Str("node_id", nodeID).Int("vnodes", r.vnodesPerNode).Msg("node added to ring")
}

// RemoveNode purges all virtual nodes owned by nodeID.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.vnodes[:0]
	for _, vn := range r.vnodes {
		if vn.PhysicalNodeID != nodeID {
			out = append(out, vn)
		}
	}
	r.vnodes = out
}

// Successor returns the smallest virtual node whose hash is >= target,
// wrapping to index 0 on overflow (spec §4.F).
func (r *Ring) Successor(target Hash) (VirtualNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return VirtualNode{}, false
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return !r.vnodes[i].HashValue.Less(target)
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx], true
}

// Replicas walks the ring from hash's successor collecting distinct ALIVE
// physical nodes until replication_factor are gathered or the ring is
// exhausted (spec §4.F, §8 testable property).
func (r *Ring) Replicas(target Hash) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.vnodes)
	if n == 0 {
		return nil
	}

	start := sort.Search(n, func(i int) bool {
		return !r.vnodes[i].HashValue.Less(target)
	})
	if start == n {
		start = 0
	}

	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < n && len(out) < r.replicationFactor; i++ {
		vn := r.vnodes[(start+i)%n]
		if _, dup := seen[vn.PhysicalNodeID]; dup {
			continue
		}
		if r.isAlive != nil && !r.isAlive(vn.PhysicalNodeID) {
			continue
		}
		seen[vn.PhysicalNodeID] = struct{}{}
		out = append(out, vn.PhysicalNodeID)
	}

	telemetry.DHTReplicaSetSize.Observe(float64(len(out)))
	return out
}

// FileLocation is the content-addressed placement decision for a path
// (spec §3).
type FileLocation struct {
	Path     string
	Hash     Hash
	Replicas []string
}

// Locate resolves path to its replica set.
func (r *Ring) Locate(path string) FileLocation {
	h := HashBytes([]byte(path))
	return FileLocation{Path: path, Hash: h, Replicas: r.Replicas(h)}
}

// Size returns the current virtual-node count, for tests and observability.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vnodes)
}
