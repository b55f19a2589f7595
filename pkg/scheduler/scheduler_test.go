package scheduler

import (
	"testing"

	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(id string, cpu float64, ramMB int64) *registry.Node {
	return &registry.Node{
		NodeID: id,
		State:  registry.Alive,
		Resources: registry.Resources{
			CPUTotal:     cpu,
			RAMTotalMB:   ramMB,
			MaxInstances: 100,
		},
	}
}

// TestBinpackFillsFirstNodeBeforeSecond exercises scenario 3 (spec §8):
// two 8-cpu/16gb nodes and 4cpu/8gb requests: the first two fill N1 before
// N2 is touched, the third lands on N2, and a fourth request must report
// ResourceExhausted.
func TestBinpackFillsFirstNodeBeforeSecond(t *testing.T) {
	s := New(false)
	s.RegisterNode(newNode("N1", 8, 16384))
	s.RegisterNode(newNode("N2", 8, 16384))

	req := ResourceRequest{CPUCores: 4, RAMMB: 8192}
	prefs := PlacementPreferences{Strategy: Binpack}

	first, err := s.Schedule(req, prefs)
	require.NoError(t, err)
	require.NoError(t, s.Allocate(first, req))

	second, err := s.Schedule(req, prefs)
	require.NoError(t, err)
	require.NoError(t, s.Allocate(second, req))
	assert.Equal(t, first, second, "bin-pack must fill N1 before touching N2")

	third, err := s.Schedule(req, prefs)
	require.NoError(t, err)
	require.NoError(t, s.Allocate(third, req))
	assert.NotEqual(t, first, third)

	_, err = s.Schedule(req, prefs)
	assert.ErrorContains(t, err, "no feasible node")
}

func TestFeasibilityRejectsDeadNode(t *testing.T) {
	s := New(false)
	n := newNode("N1", 8, 16384)
	n.State = registry.Dead
	s.RegisterNode(n)
	s.SetNodeAlive("N1", false)

	_, err := s.Schedule(ResourceRequest{CPUCores: 1, RAMMB: 1}, PlacementPreferences{Strategy: Spread})
	assert.ErrorContains(t, err, "no feasible node")
}

func TestRequiredConstraintExcludesNonMatching(t *testing.T) {
	s := New(false)
	s.RegisterNode(newNode("N1", 8, 16384))
	s.RegisterNode(newNode("N2", 8, 16384))
	require.NoError(t, s.SetLabel("N2", "zone", "east"))

	prefs := PlacementPreferences{
		Strategy: Spread,
		Constraints: []Constraint{
			{Key: "zone", Op: Equals, Values: []string{"east"}, Required: true},
		},
	}

	chosen, err := s.Schedule(ResourceRequest{CPUCores: 1, RAMMB: 1}, prefs)
	require.NoError(t, err)
	assert.Equal(t, "N2", chosen)
}

func TestQuotaExceeded(t *testing.T) {
	s := New(true)
	s.SetQuota("team-a", Quota{Hard: ResourceRequest{CPUCores: 4, RAMMB: 4096}})

	err := s.CheckQuota("team-a", ResourceRequest{CPUCores: 8, RAMMB: 1})
	assert.ErrorContains(t, err, "quota")
}

func TestReserveAndSweepExpired(t *testing.T) {
	s := New(true)
	s.SetQuota("team-a", Quota{Hard: ResourceRequest{CPUCores: 8, RAMMB: 8192}})

	id, err := s.Reserve("team-a", ResourceRequest{CPUCores: 2, RAMMB: 1024}, 0, 1)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	expired := s.SweepReservations()
	assert.Contains(t, expired, id)

	// Resources should be credited back, allowing a full reservation again.
	_, err = s.Reserve("team-a", ResourceRequest{CPUCores: 8, RAMMB: 1}, 0, 1)
	assert.NoError(t, err)
}
