// Package autoscaler implements policy-driven scaling (spec §4.K): rule
// evaluation with cooldowns and breach counters, clamped scale actions, and
// linear-extrapolation predictive scoring.
package autoscaler

import (
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/metrics"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Trigger is a scaling rule's evaluation mode (spec §3).
type Trigger string

const (
	Threshold  Trigger = "THRESHOLD"
	Rate       Trigger = "RATE"
	Predictive Trigger = "PREDICTIVE"
	Schedule   Trigger = "SCHEDULE"
)

// CompareOp is a rule comparison operator (spec §3).
type CompareOp string

const (
	GreaterThan CompareOp = ">"
	LessThan    CompareOp = "<"
	Equal       CompareOp = "="
	GreaterEq   CompareOp = ">="
	LessEq      CompareOp = "<="
)

// Direction is the scaling direction a rule drives (spec §3).
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Rule is a single scaling trigger (spec §3).
type Rule struct {
	MetricName          string
	Trigger             Trigger
	Op                  CompareOp
	Threshold           float64
	EvalPeriod          time.Duration
	BreachCountRequired int
	Direction           Direction
	Adjustment          int
	Enabled             bool
	PredictiveHorizon   time.Duration
	PredictiveConfMin   float64

	breachCount int
}

func (r *Rule) breached(value float64) bool {
	switch r.Op {
	case GreaterThan:
		return value > r.Threshold
	case LessThan:
		return value < r.Threshold
	case Equal:
		return value == r.Threshold
	case GreaterEq:
		return value >= r.Threshold
	case LessEq:
		return value <= r.Threshold
	default:
		return false
	}
}

// Policy is a named scaling target with up to 16 rules (spec §3).
type Policy struct {
	Name             string
	TargetService    string
	MinInstances     int
	MaxInstances     int
	CurrentInstances int
	Rules            []*Rule
	CooldownUp       time.Duration
	CooldownDown     time.Duration
	LastScaleUp      time.Time
	LastScaleDown    time.Time
	Enabled          bool
}

func (p *Policy) inCooldown(d Direction) bool {
	switch d {
	case Up:
		return !p.LastScaleUp.IsZero() && time.Since(p.LastScaleUp) < p.CooldownUp
	case Down:
		return !p.LastScaleDown.IsZero() && time.Since(p.LastScaleDown) < p.CooldownDown
	default:
		return false
	}
}

// Event records a completed scale action (spec §4.K).
type Event struct {
	Policy    string
	Service   string
	Direction Direction
	Adjustment int
	Before    int
	After     int
	Reason    string
	Timestamp time.Time
}

// maxEvents bounds the scaling-event ring buffer (spec §4.K: "≤1000
// events").
const maxEvents = 1000

// Autoscaler evaluates a set of named policies against a metrics store.
type Autoscaler struct {
	store *metrics.Store

	mu       sync.Mutex
	policies map[string]*Policy
	events   []Event

	stopCh chan struct{}
	wg     sync.WaitGroup

	evalInterval time.Duration
	tickInterval time.Duration

	logger zerolog.Logger
}

// New constructs an Autoscaler sampling store, evaluating every evalInterval
// (default 10s per spec §4.K).
func New(store *metrics.Store, evalInterval time.Duration) *Autoscaler {
	if evalInterval <= 0 {
		evalInterval = 10 * time.Second
	}
	return &Autoscaler{
		store:        store,
		policies:     make(map[string]*Policy),
		evalInterval: evalInterval,
		tickInterval: 100 * time.Millisecond,
		logger:       log.WithComponent("autoscaler"),
	}
}

// AddPolicy registers a scaling policy.
func (a *Autoscaler) AddPolicy(p *Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies[p.Name] = p
}

// Start launches the evaluation background task.
func (a *Autoscaler) Start() {
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.loop()
}

// Stop signals shutdown and waits for the evaluation loop to exit.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Autoscaler) loop() {
	defer a.wg.Done()
	deadline := time.Now().Add(a.evalInterval)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			a.EvaluateAll()
			deadline = time.Now().Add(a.evalInterval)
			continue
		}
		tick := a.tickInterval
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-a.stopCh:
			return
		case <-time.After(tick):
		}
	}
}

// EvaluateAll runs one evaluation pass across every enabled policy
// (spec §4.K).
func (a *Autoscaler) EvaluateAll() {
	a.mu.Lock()
	policies := make([]*Policy, 0, len(a.policies))
	for _, p := range a.policies {
		policies = append(policies, p)
	}
	a.mu.Unlock()

	for _, p := range policies {
		a.evaluatePolicy(p)
	}
}

func (a *Autoscaler) evaluatePolicy(p *Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !p.Enabled {
		return
	}

	for _, rule := range p.Rules {
		if !rule.Enabled {
			continue
		}
		if p.inCooldown(rule.Direction) {
			continue
		}

		value, ok := a.fetchValue(rule)
		if !ok {
			continue
		}

		if rule.breached(value) {
			rule.breachCount++
			if rule.breachCount >= rule.BreachCountRequired {
				a.scale(p, rule.Direction, rule.Adjustment, "rule "+rule.MetricName+" breached")
				rule.breachCount = 0
			}
		} else {
			rule.breachCount = 0
		}
	}
}

func (a *Autoscaler) fetchValue(rule *Rule) (float64, bool) {
	switch rule.Trigger {
	case Threshold:
		v, err := a.store.Average(rule.MetricName, rule.EvalPeriod)
		return v, err == nil
	case Rate:
		v, err := a.store.Rate(rule.MetricName, rule.EvalPeriod)
		return v, err == nil
	case Predictive:
		pred, confidence := a.Predict(rule.MetricName, rule.PredictiveHorizon)
		if confidence < rule.PredictiveConfMin {
			return 0, false
		}
		return pred, true
	default:
		return 0, false
	}
}

// scale clamps and applies a scaling adjustment. Caller must hold a.mu.
func (a *Autoscaler) scale(p *Policy, dir Direction, adjustment int, reason string) {
	before := p.CurrentInstances
	after := before + adjustment
	if after < p.MinInstances {
		after = p.MinInstances
	}
	if after > p.MaxInstances {
		after = p.MaxInstances
	}
	if after == before {
		return
	}

	p.CurrentInstances = after
	now := time.Now()
	if dir == Up {
		p.LastScaleUp = now
	} else {
		p.LastScaleDown = now
	}

	evt := Event{Policy: p.Name, Service: p.TargetService, Direction: dir, Adjustment: adjustment, Before: before, After: after, Reason: reason, Timestamp: now}
	a.events = append(a.events, evt)
	if len(a.events) > maxEvents {
		a.events = a.events[len(a.events)-maxEvents:]
	}

	telemetry.ScalingEventsTotal.WithLabelValues(p.Name, string(dir)).Inc()
	a.logger.Info().Str("policy", p.Name).Str("direction", string(dir)).Int("before", before).Int("after", after).Msg("scaling event")
}

// Predict performs linear extrapolation over the metric's recent history
// (spec §4.K: rate_window default 5 min). Confidence is a 0-1 score:
// 1 minus the relative deviation of the current value from the windowed
// average, clamped to [0,1]; it is 0.8 when that average is 0 or cannot be
// computed, and 0 when the rate cannot be computed.
func (a *Autoscaler) Predict(metricName string, horizon time.Duration) (value float64, confidence float64) {
	const rateWindow = 5 * time.Minute
	if horizon <= 0 {
		horizon = time.Minute
	}

	current, err := a.store.Current(metricName)
	if err != nil {
		return 0, 0
	}

	rate, err := a.store.Rate(metricName, rateWindow)
	if err != nil {
		return current, 0
	}

	predicted := current + rate*horizon.Seconds()

	// A simple confidence proxy: agreement between the windowed average and
	// current value narrows confidence when the series is volatile.
	avg, err := a.store.Average(metricName, rateWindow)
	confidence = 0.8
	if err == nil && avg != 0 {
		deviation := (current - avg) / avg
		if deviation < 0 {
			deviation = -deviation
		}
		confidence = clamp01(1 - deviation)
	}

	return predicted, confidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Events returns a snapshot of recorded scaling events.
func (a *Autoscaler) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}
