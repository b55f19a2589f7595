package balancer

import (
	"testing"

	"github.com/orbitalio/constellation/pkg/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTwoEndpoints(t *testing.T) *Balancer {
	t.Helper()
	reg := discovery.New(discovery.DefaultConfig())
	reg.Register("web", "10.0.0.1:80", nil, "n1")
	reg.Register("web", "10.0.0.2:80", nil, "n2")
	return New(reg)
}

func TestRoundRobinAlternates(t *testing.T) {
	b := setupTwoEndpoints(t)
	b.SetPolicy("web", Policy{Algorithm: RoundRobin, HealthCheckEnabled: true})

	first, err := b.Route("web", "", "")
	require.NoError(t, err)
	second, err := b.Route("web", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ServiceID, second.ServiceID)
}

func TestIPHashStablePerClient(t *testing.T) {
	b := setupTwoEndpoints(t)
	b.SetPolicy("web", Policy{Algorithm: IPHash, HealthCheckEnabled: true})

	a, err := b.Route("web", "client-42", "")
	require.NoError(t, err)
	c, err := b.Route("web", "client-42", "")
	require.NoError(t, err)
	assert.Equal(t, a.ServiceID, c.ServiceID)
}

func TestRouteNoEndpointWhenEmpty(t *testing.T) {
	reg := discovery.New(discovery.DefaultConfig())
	b := New(reg)
	_, err := b.Route("missing", "", "")
	assert.ErrorContains(t, err, "not found")
}
