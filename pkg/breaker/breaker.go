// Package breaker implements the per-target circuit breaker state machine
// (spec §4.I): CLOSED/OPEN/HALF_OPEN transitions driven by consecutive
// failures and a rolling error-rate window.
package breaker

import (
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// State is a breaker's current admission mode (spec §3).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config is a breaker's tunables (spec §3).
type Config struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	WindowDuration     time.Duration
	ErrorRateThreshold float64
}

// DefaultConfig provides reasonable breaker defaults (spec §3/§6, exact
// window-size numbers are configured per target rather than fixed globally).
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeout:        30 * time.Second,
		WindowDuration:      10 * time.Second,
		ErrorRateThreshold: 0.5,
	}
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	mu     sync.Mutex
	state  State

	total, ok, fail, rejected     uint64
	consecutiveFail, consecutiveOK int

	windowRequests int
	windowFailures int
	windowStart    time.Time

	stateChangedAt time.Time

	logger zerolog.Logger
}

// New constructs a CLOSED breaker named name.
func New(name string, cfg Config) *Breaker {
	now := time.Now()
	return &Breaker{
		name:           name,
		cfg:            cfg,
		state:          Closed,
		windowStart:    now,
		stateChangedAt: now,
		logger:         log.WithComponent("breaker"),
	}
}

// AllowRequest reports whether a request should proceed, promoting
// OPEN->HALF_OPEN when the open timeout has elapsed (spec §4.I).
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.stateChangedAt) >= b.cfg.OpenTimeout {
			b.transitionLocked(HalfOpen)
			return true
		}
		b.rejected++
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess updates counters and closes the breaker after enough
// consecutive successes in HALF_OPEN (spec §4.I).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.ok++
	b.consecutiveOK++
	b.consecutiveFail = 0
	b.bumpWindowLocked(false)

	if b.state == HalfOpen && b.consecutiveOK >= b.cfg.SuccessThreshold {
		b.transitionLocked(Closed)
	}
}

// RecordFailure updates counters and opens the breaker on threshold breach,
// or immediately if currently HALF_OPEN (spec §4.I).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.fail++
	b.consecutiveFail++
	b.consecutiveOK = 0
	b.bumpWindowLocked(true)

	if b.state == HalfOpen {
		b.transitionLocked(Open)
		return
	}

	if b.consecutiveFail >= b.cfg.FailureThreshold || b.windowErrorRateLocked() >= b.cfg.ErrorRateThreshold {
		b.transitionLocked(Open)
	}
}

func (b *Breaker) bumpWindowLocked(failed bool) {
	b.windowRequests++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) windowErrorRateLocked() float64 {
	if b.windowRequests == 0 {
		return 0
	}
	return float64(b.windowFailures) / float64(b.windowRequests)
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.stateChangedAt = time.Now()
	if to == Closed {
		b.consecutiveFail = 0
		b.consecutiveOK = 0
	}
	telemetry.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
	b.logger.Info().Str("target", b.name).Str("state", to.String()).Msg("circuit breaker transition")
}

// RefreshWindow resets the rolling window once WindowDuration has elapsed;
// intended to be called by a background task (spec §4.I).
func (b *Breaker) RefreshWindow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.windowStart) >= b.cfg.WindowDuration {
		b.windowRequests = 0
		b.windowFailures = 0
		b.windowStart = time.Now()
	}
}

// CurrentState returns the current state for observability/tests.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager owns one Breaker per target, creating defaults lazily.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager applying cfg to every new Breaker.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if absent) the Breaker for target.
func (m *Manager) Get(target string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[target]
	if !ok {
		b = New(target, m.cfg)
		m.breakers[target] = b
	}
	return b
}

// Start launches the shared window-refresh background task.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.mu.Lock()
				breakers := make([]*Breaker, 0, len(m.breakers))
				for _, b := range m.breakers {
					breakers = append(breakers, b)
				}
				m.mu.Unlock()
				for _, b := range breakers {
					b.RefreshWindow()
				}
			}
		}
	}()
}

// Stop signals the background task and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
