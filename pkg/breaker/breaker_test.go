package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTransitionsScenario exercises scenario 5 (spec §8): failure_threshold=3,
// success_threshold=2, open_timeout_ms=500.
func TestTransitionsScenario(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 500 * time.Millisecond, WindowDuration: 10 * time.Second, ErrorRateThreshold: 1.1}
	b := New("svc", cfg)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())

	assert.False(t, b.AllowRequest(), "must reject during open window")

	time.Sleep(600 * time.Millisecond)
	assert.True(t, b.AllowRequest(), "must admit a probe after open_timeout")
	assert.Equal(t, HalfOpen, b.CurrentState())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, Closed, b.CurrentState())
}

func TestHalfOpenFailureForcesOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenTimeout = 10 * time.Millisecond
	b := New("svc", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	require := assert.New(t)
	require.Equal(Open, b.CurrentState())

	time.Sleep(20 * time.Millisecond)
	require.True(b.AllowRequest())
	require.Equal(HalfOpen, b.CurrentState())

	b.RecordFailure()
	require.Equal(Open, b.CurrentState())
}
