package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMaxBoundCurrentAfterUpdates(t *testing.T) {
	st := New()
	st.Set("cpu", 10)
	st.Set("cpu", 50)
	st.Set("cpu", 5)

	current, err := st.Current("cpu")
	require.NoError(t, err)
	min, err := st.Min("cpu")
	require.NoError(t, err)
	max, err := st.Max("cpu")
	require.NoError(t, err)

	assert.LessOrEqual(t, min, current)
	assert.GreaterOrEqual(t, max, current)
	assert.Equal(t, 5.0, min)
	assert.Equal(t, 50.0, max)
}

func TestHistoryCountSaturatesAtCapacity(t *testing.T) {
	st := New()
	for i := 0; i < HistorySize+20; i++ {
		st.Set("m", float64(i))
	}
	st.mu.Lock()
	count := st.series["m"].historyCount()
	st.mu.Unlock()
	assert.Equal(t, HistorySize, count)
}

func TestPercentileRejectsOutOfRange(t *testing.T) {
	st := New()
	st.Set("m", 1)
	_, err := st.Percentile("m", 150)
	assert.ErrorContains(t, err, "invalid")
}

func TestIsAnomalousDetectsOutlier(t *testing.T) {
	st := New()
	for i := 0; i < 20; i++ {
		st.Set("latency", 100)
	}
	anomalous, err := st.IsAnomalous("latency", 3)
	require.NoError(t, err)
	assert.False(t, anomalous)

	st.Set("latency", 10000)
	anomalous, err = st.IsAnomalous("latency", 3)
	require.NoError(t, err)
	assert.True(t, anomalous)
}

func TestRateOverWindow(t *testing.T) {
	st := New()
	st.Set("requests", 10)
	time.Sleep(10 * time.Millisecond)
	st.Set("requests", 20)

	rate, err := st.Rate("requests", time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rate, 0.0)
}
