package autoscaler

import (
	"testing"
	"time"

	"github.com/orbitalio/constellation/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCooldownScenario exercises scenario 6 (spec §8): scale-up cooldown
// 60s, threshold cpu>70, adjustment +1, breach_threshold=1. Three breaching
// evaluations within the cooldown window must scale up only once.
func TestCooldownScenario(t *testing.T) {
	store := metrics.New()
	store.Set("cpu", 85)

	policy := &Policy{
		Name: "web", TargetService: "web", MinInstances: 1, MaxInstances: 10,
		CurrentInstances: 1, Enabled: true, CooldownUp: 60 * time.Second,
		Rules: []*Rule{{
			MetricName: "cpu", Trigger: Threshold, Op: GreaterThan, Threshold: 70,
			EvalPeriod: time.Minute, BreachCountRequired: 1, Direction: Up, Adjustment: 1, Enabled: true,
		}},
	}

	a := New(store, time.Hour)
	a.AddPolicy(policy)

	a.EvaluateAll()
	assert.Equal(t, 2, policy.CurrentInstances)

	a.EvaluateAll()
	a.EvaluateAll()
	assert.Equal(t, 2, policy.CurrentInstances, "still within cooldown")

	events := a.Events()
	require.Len(t, events, 1)
}

func TestScaleClampsToMax(t *testing.T) {
	store := metrics.New()
	policy := &Policy{Name: "p", MinInstances: 1, MaxInstances: 3, CurrentInstances: 3, Enabled: true}

	a := New(store, time.Hour)
	a.mu.Lock()
	a.scale(policy, Up, 5, "test")
	a.mu.Unlock()

	assert.Equal(t, 3, policy.CurrentInstances)
}

func TestPredictExtrapolatesLinearly(t *testing.T) {
	store := metrics.New()
	store.Set("cpu", 50)
	time.Sleep(10 * time.Millisecond)
	store.Set("cpu", 60)

	a := New(store, time.Hour)
	pred, confidence := a.Predict("cpu", time.Minute)
	assert.GreaterOrEqual(t, confidence, 0.0)
	assert.LessOrEqual(t, confidence, 1.0)
	_ = pred
}
