package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenDeregisterThenRegisterYieldsFreshID(t *testing.T) {
	r := New(DefaultConfig())
	a := r.Register("web", "10.0.0.1:80", nil, "n1")
	r.Deregister(a.ServiceID)
	b := r.Register("web", "10.0.0.1:80", nil, "n1")
	assert.NotEqual(t, a.ServiceID, b.ServiceID)
}

func TestFindFiltersBelowMinHealth(t *testing.T) {
	r := New(DefaultConfig())
	e := r.Register("web", "10.0.0.1:80", []string{"prod"}, "n1")

	// A freshly-registered endpoint is HEALTHY, so it satisfies every
	// MinHealth threshold.
	found := r.Find(Query{Name: "web", MinHealth: Healthy})
	require.Len(t, found, 1)
	assert.Equal(t, e.ServiceID, found[0].ServiceID)

	// Once it drops to UNHEALTHY, a MinHealth of HEALTHY must exclude it —
	// this is the load balancer's "never route to an unhealthy endpoint"
	// guarantee (spec §4.G/§4.H).
	r.mu.Lock()
	r.endpoints[e.ServiceID].Health = Unhealthy
	r.mu.Unlock()
	found = r.Find(Query{Name: "web", MinHealth: Healthy})
	assert.Empty(t, found)

	// DEGRADED still clears a MinHealth of UNHEALTHY, since DEGRADED ranks
	// above UNHEALTHY.
	r.mu.Lock()
	r.endpoints[e.ServiceID].Health = Degraded
	r.mu.Unlock()
	found = r.Find(Query{Name: "web", MinHealth: Unhealthy})
	require.Len(t, found, 1)
}

func TestHealthCheckMarksUnhealthyPastTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	r := New(cfg)
	e := r.Register("web", "10.0.0.1:80", nil, "n1")

	time.Sleep(20 * time.Millisecond)
	r.healthCheckOnce()

	found := r.Find(Query{Name: "web"})
	require.Len(t, found, 1)
	assert.Equal(t, Unhealthy, found[0].Health)
	assert.False(t, found[0].Active)
	_ = e
}
