package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysAlive(map[string]bool) AliveChecker {
	return func(string) bool { return true }
}

// TestReplicaSetScenario exercises a variant of scenario 4 (spec §8): 3
// physical nodes x 150 vnodes, replication_factor=3; once one node is no
// longer ALIVE (its vnodes stay on the ring), exactly 2 distinct replicas
// remain, both ALIVE.
func TestReplicaSetScenario(t *testing.T) {
	alive := map[string]bool{"n1": true, "n2": true, "n3": true}
	r := New(150, 3, func(id string) bool { return alive[id] })

	r.AddNode("n1")
	r.AddNode("n2")
	r.AddNode("n3")
	require.Equal(t, 450, r.Size())

	loc := r.Locate("foo")
	assert.Len(t, loc.Replicas, 3)
	assertDistinct(t, loc.Replicas)

	alive["n2"] = false
	loc2 := r.Locate("foo")
	assert.Len(t, loc2.Replicas, 2)
	assertDistinct(t, loc2.Replicas)
	for _, id := range loc2.Replicas {
		assert.True(t, alive[id])
	}
}

func TestAddRemoveLeavesRingUnchanged(t *testing.T) {
	r := New(10, 3, func(string) bool { return true })
	r.AddNode("a")
	before := r.Size()
	r.AddNode("b")
	r.RemoveNode("b")
	assert.Equal(t, before, r.Size())
}

func TestSuccessorWrapsToZero(t *testing.T) {
	r := New(1, 1, func(string) bool { return true })
	r.AddNode("only")

	var maxHash Hash
	for i := range maxHash {
		maxHash[i] = 0xFF
	}
	vn, ok := r.Successor(maxHash)
	require.True(t, ok)
	assert.Equal(t, "only", vn.PhysicalNodeID)
}

func assertDistinct(t *testing.T, ids []string) {
	t.Helper()
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate replica %s", id)
		seen[id] = true
	}
}
