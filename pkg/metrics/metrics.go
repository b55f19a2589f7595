// Package metrics implements the domain Metrics Store (spec §4.J): named
// series with a fixed-size ring buffer of samples, gauge/counter/
// histogram/summary semantics, and derived aggregates (average, rate,
// percentile). This is distinct from the ambient process telemetry in
// pkg/telemetry — this store is the in-memory series the autoscaler and
// alert engine evaluate rules against.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/rs/zerolog"
)

// Kind is a metric's semantic type (spec §3).
type Kind int

const (
	Gauge Kind = iota
	Counter
	Histogram
	Summary
)

// HistorySize is the ring buffer capacity (spec §3, §4.J: N=100).
const HistorySize = 100

// sample is one (value, timestamp_s) point in a series' ring buffer.
type sample struct {
	value     float64
	timestamp int64 // unix seconds
}

// Series is a single named metric's full state.
type Series struct {
	Name        string
	Kind        Kind
	Labels      map[string]string
	history     [HistorySize]sample
	writeIdx    int
	samplesSeen uint64

	current float64
	min     float64
	max     float64
	sum     float64
}

func newSeries(name string, kind Kind, labels map[string]string) *Series {
	return &Series{Name: name, Kind: kind, Labels: labels, min: math.Inf(1), max: math.Inf(-1)}
}

func (s *Series) appendLocked(value float64, ts int64) {
	idx := s.writeIdx % HistorySize
	s.history[idx] = sample{value: value, timestamp: ts}
	s.writeIdx++
	s.samplesSeen++

	s.current = value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
	s.sum += value
}

func (s *Series) historyCount() int {
	if s.samplesSeen > HistorySize {
		return HistorySize
	}
	return int(s.samplesSeen)
}

// orderedSamples returns the stored samples oldest-first.
func (s *Series) orderedSamples() []sample {
	n := s.historyCount()
	out := make([]sample, n)
	start := s.writeIdx - n
	for i := 0; i < n; i++ {
		out[i] = s.history[(start+i)%HistorySize]
	}
	return out
}

// Store is the thread-safe named-metric catalog.
type Store struct {
	mu     sync.Mutex
	series map[string]*Series
	logger zerolog.Logger
}

// New constructs an empty Store.
func New() *Store {
	return &Store{series: make(map[string]*Series), logger: log.WithComponent("metrics")}
}

func (st *Store) getOrCreate(name string, kind Kind) *Series {
	s, ok := st.series[name]
	if !ok {
		s = newSeries(name, kind, map[string]string{})
		st.series[name] = s
	}
	return s
}

// Set records a gauge value (spec §4.J).
func (st *Store) Set(name string, value float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.getOrCreate(name, Gauge)
	s.appendLocked(value, time.Now().Unix())
}

// Increment reads the current value and writes current+delta; the spec
// notes this is not atomic across distinct names, so callers serializing
// a multi-series update must do so themselves (spec §4.J, §9 open question).
func (st *Store) Increment(name string, delta float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.getOrCreate(name, Counter)
	s.appendLocked(s.current+delta, time.Now().Unix())
}

// Record appends a histogram/summary observation.
func (st *Store) Record(name string, value float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.getOrCreate(name, Histogram)
	s.appendLocked(value, time.Now().Unix())
}

// Current returns the most recent value, or NotFound.
func (st *Store) Current(name string) (float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return 0, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}
	return s.current, nil
}

// Min and Max return the all-time observed bounds.
func (st *Store) Min(name string) (float64, error) { return st.bound(name, true) }
func (st *Store) Max(name string) (float64, error) { return st.bound(name, false) }

func (st *Store) bound(name string, wantMin bool) (float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return 0, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}
	if wantMin {
		return s.min, nil
	}
	return s.max, nil
}

// Average returns the mean value within the last window.
func (st *Store) Average(name string, window time.Duration) (float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return 0, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}

	samples := windowed(s.orderedSamples(), window)
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, pt := range samples {
		sum += pt.value
	}
	return sum / float64(len(samples)), nil
}

// Rate returns (last-first)/(last_ts-first_ts) within window (spec §4.J).
func (st *Store) Rate(name string, window time.Duration) (float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return 0, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}

	samples := windowed(s.orderedSamples(), window)
	if len(samples) < 2 {
		return 0, nil
	}
	first, last := samples[0], samples[len(samples)-1]
	dt := last.timestamp - first.timestamp
	if dt == 0 {
		return 0, nil
	}
	return (last.value - first.value) / float64(dt), nil
}

// Percentile returns the p-th percentile (0-100) within all retained
// history, via in-place sort of a copied window (spec §4.J).
func (st *Store) Percentile(name string, p float64) (float64, error) {
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile %v: %w", p, cerrors.InvalidParameter)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return 0, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}

	samples := s.orderedSamples()
	if len(samples) == 0 {
		return 0, nil
	}
	values := make([]float64, len(samples))
	for i, pt := range samples {
		values[i] = pt.value
	}
	sort.Float64s(values)

	idx := int(math.Ceil(p/100*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx], nil
}

// IsAnomalous reports whether the series' current value is more than sigma
// standard deviations from its historical mean (a supplemented capability
// not in the distilled spec; grounded on the original implementation's
// anomaly-detection routine).
func (st *Store) IsAnomalous(name string, sigma float64) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[name]
	if !ok {
		return false, fmt.Errorf("metric %s: %w", name, cerrors.NotFound)
	}

	samples := s.orderedSamples()
	n := len(samples)
	if n < 2 {
		return false, nil
	}

	var sum float64
	for _, pt := range samples {
		sum += pt.value
	}
	mean := sum / float64(n)

	var variance float64
	for _, pt := range samples {
		d := pt.value - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return false, nil
	}

	return math.Abs(s.current-mean) > sigma*stddev, nil
}

func windowed(samples []sample, window time.Duration) []sample {
	if window <= 0 {
		return samples
	}
	cutoff := time.Now().Add(-window).Unix()
	for i, pt := range samples {
		if pt.timestamp >= cutoff {
			return samples[i:]
		}
	}
	return nil
}

// Retention purges in-place points older than retention by shifting the
// ring (spec §4.J). Best-effort; may temporarily compress usable history.
func (st *Store) Retention(retention time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-retention).Unix()
	for _, s := range st.series {
		kept := make([]sample, 0, HistorySize)
		for _, pt := range s.orderedSamples() {
			if pt.timestamp >= cutoff {
				kept = append(kept, pt)
			}
		}
		s.writeIdx = 0
		s.samplesSeen = 0
		s.min = math.Inf(1)
		s.max = math.Inf(-1)
		s.sum = 0
		for i := range s.history {
			s.history[i] = sample{}
		}
		for _, pt := range kept {
			s.appendLocked(pt.value, pt.timestamp)
		}
	}
}
