package alerting

import (
	"testing"
	"time"

	"github.com/orbitalio/constellation/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiringThenResolvedTransitions(t *testing.T) {
	store := metrics.New()
	store.Set("errors", 10)

	var delivered []AlertState
	notify := func(ch Channel, ruleName string, state AlertState, message string) error {
		delivered = append(delivered, state)
		return nil
	}

	e := New(store, time.Hour, notify)
	e.AddRule(&Rule{
		Name:            "high-errors",
		Condition:       Condition{Metric: "errors", Op: GreaterThan, Threshold: 5},
		Severity:        Critical,
		BreachThreshold: 2,
		Enabled:         true,
		Channels:        []Channel{{Type: ChannelLog, Enabled: true}},
	})

	e.EvaluateAll()
	e.mu.Lock()
	state := e.rules["high-errors"].State
	e.mu.Unlock()
	assert.Equal(t, Pending, state, "first breach should debounce through PENDING before firing")

	e.EvaluateAll()
	e.mu.Lock()
	state = e.rules["high-errors"].State
	e.mu.Unlock()
	assert.Equal(t, Firing, state)
	require.Contains(t, delivered, Firing)

	store.Set("errors", 1)
	e.EvaluateAll()
	e.mu.Lock()
	state = e.rules["high-errors"].State
	e.mu.Unlock()
	assert.Equal(t, Resolved, state)
	require.Contains(t, delivered, Resolved)
}

func TestAnomalyConditionFires(t *testing.T) {
	store := metrics.New()
	for i := 0; i < 20; i++ {
		store.Set("latency", 100)
	}

	var delivered []AlertState
	notify := func(ch Channel, ruleName string, state AlertState, message string) error {
		delivered = append(delivered, state)
		return nil
	}

	e := New(store, time.Hour, notify)
	e.AddRule(&Rule{
		Name:            "latency-spike",
		Condition:       Condition{Kind: AnomalyCondition, Metric: "latency", Sigma: 3},
		Severity:        Warn,
		BreachThreshold: 1,
		Enabled:         true,
		Channels:        []Channel{{Type: ChannelLog, Enabled: true}},
	})

	e.EvaluateAll()
	e.mu.Lock()
	state := e.rules["latency-spike"].State
	e.mu.Unlock()
	assert.Equal(t, OK, state, "a steady series is never anomalous")

	store.Set("latency", 10000)
	e.EvaluateAll()
	e.mu.Lock()
	state = e.rules["latency-spike"].State
	e.mu.Unlock()
	assert.Equal(t, Firing, state)
	require.Contains(t, delivered, Firing)
}

func TestDisabledChannelSkipped(t *testing.T) {
	store := metrics.New()
	store.Set("errors", 100)

	var delivered int
	notify := func(ch Channel, ruleName string, state AlertState, message string) error {
		delivered++
		return nil
	}

	e := New(store, time.Hour, notify)
	e.AddRule(&Rule{
		Name:            "r",
		Condition:       Condition{Metric: "errors", Op: GreaterThan, Threshold: 1},
		BreachThreshold: 1,
		Enabled:         true,
		Channels:        []Channel{{Type: ChannelSlack, Enabled: false}},
	})

	e.EvaluateAll()
	assert.Equal(t, 0, delivered)
}
