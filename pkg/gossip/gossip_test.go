package gossip

import (
	"testing"
	"time"

	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGossiper(t *testing.T) (*Gossiper, *registry.Registry) {
	t.Helper()
	reg := registry.New(300 * time.Second)
	transport, err := Listen0(t)
	require.NoError(t, err)
	g := New(DefaultConfig(), reg, transport, "self@127.0.0.1:0")
	return g, reg
}

func TestRecordRoundTrip(t *testing.T) {
	n := &registry.Node{
		NodeID:      "a@10.0.0.1:7946",
		Name:        "a",
		Address:     "10.0.0.1:7946",
		Port:        7946,
		State:       registry.Suspect,
		Incarnation: 4,
		LastSeenMS:  1234,
		FailedPings: 2,
		Resources: registry.Resources{
			CPUTotal: 8, CPUAvailable: 4, RAMTotalMB: 1024, RAMAvailableMB: 512,
			MaxInstances: 10, CurrentInstances: 3,
		},
	}

	rec := toRecord(n)
	got := fromRecord(rec)

	assert.Equal(t, n.NodeID, got.NodeID)
	assert.Equal(t, n.State, got.State)
	assert.Equal(t, n.Incarnation, got.Incarnation)
	assert.Equal(t, n.Resources, got.Resources)
}

func TestDemoteToSuspectOnlyFromAlive(t *testing.T) {
	g, reg := newTestGossiper(t)
	defer g.transport.Close()

	require.NoError(t, reg.Add(&registry.Node{NodeID: "b", State: registry.Alive}))
	g.demoteToSuspect("b")

	n, err := reg.Find("b")
	require.NoError(t, err)
	assert.Equal(t, registry.Suspect, n.State)

	require.NoError(t, reg.Add(&registry.Node{NodeID: "d", State: registry.Dead}))
	g.demoteToSuspect("d")

	n, err = reg.Find("d")
	require.NoError(t, err)
	assert.Equal(t, registry.Dead, n.State, "a DEAD node must not be demoted to SUSPECT")
}

func TestOnSuspectRefutesLowerIncarnation(t *testing.T) {
	g, reg := newTestGossiper(t)
	defer g.transport.Close()

	require.NoError(t, reg.Add(&registry.Node{NodeID: "c", State: registry.Alive, Incarnation: 5}))

	payload, err := toRecordPayload("c", registry.Alive, 2)
	require.NoError(t, err)
	g.onSuspect(payload)

	n, err := reg.Find("c")
	require.NoError(t, err)
	assert.Equal(t, registry.Alive, n.State, "stale incarnation must not demote")
}
