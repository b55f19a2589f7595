package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsDuplicate(t *testing.T) {
	r := New(300 * time.Second)
	n := &Node{NodeID: "a@10.0.0.1:7946", State: Alive}

	require.NoError(t, r.Add(n))
	err := r.Add(n)
	assert.ErrorContains(t, err, "already exists")
}

func TestFindNotFound(t *testing.T) {
	r := New(300 * time.Second)
	_, err := r.Find("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestUpdateInsertsUnknownNode(t *testing.T) {
	r := New(300 * time.Second)
	err := r.Update(&Node{NodeID: "b", State: Alive})
	require.NoError(t, err)

	got, err := r.Find("b")
	require.NoError(t, err)
	assert.Equal(t, Alive, got.State)
}

func TestSweepDeadRespectsRetentionWindow(t *testing.T) {
	r := New(50 * time.Millisecond)
	require.NoError(t, r.Add(&Node{NodeID: "c", State: Alive}))
	require.NoError(t, r.Mutate("c", func(n *Node) { n.State = Dead }))

	// Not yet past the retention window.
	assert.Empty(t, r.SweepDead())

	time.Sleep(60 * time.Millisecond)
	evicted := r.SweepDead()
	assert.Equal(t, []string{"c"}, evicted)

	_, err := r.Find("c")
	assert.ErrorContains(t, err, "not found")
}

func TestCloneIsIndependent(t *testing.T) {
	r := New(300 * time.Second)
	n := &Node{NodeID: "d", State: Alive, Labels: map[string]string{"zone": "a"}}
	require.NoError(t, r.Add(n))

	got, err := r.Find("d")
	require.NoError(t, err)
	got.Labels["zone"] = "b"

	again, err := r.Find("d")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Labels["zone"])
}
