// Package alerting implements rule-based alert evaluation (spec §4.L):
// pending->firing->resolved transitions de-bounced by a breach counter, and
// notification fan-out across configured channels.
package alerting

import (
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/metrics"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Severity is an alert rule's priority (spec §3).
type Severity string

const (
	Info     Severity = "INFO"
	Warn     Severity = "WARN"
	Critical Severity = "CRITICAL"
)

// AlertState is a rule's lifecycle state (spec §3).
type AlertState string

const (
	OK       AlertState = "OK"
	Pending  AlertState = "PENDING"
	Firing   AlertState = "FIRING"
	Resolved AlertState = "RESOLVED"
)

// ChannelType is a notification destination kind (spec §4.L).
type ChannelType string

const (
	ChannelLog       ChannelType = "LOG"
	ChannelEmail     ChannelType = "EMAIL"
	ChannelSlack     ChannelType = "SLACK"
	ChannelWebhook   ChannelType = "WEBHOOK"
	ChannelPagerDuty ChannelType = "PAGERDUTY"
)

// Channel is a bound, independently enable-able notification destination.
type Channel struct {
	Type    ChannelType
	Target  string
	Enabled bool
}

// Notifier delivers a rendered notification to one channel. Delivery
// failures are logged, not retried (spec §4.L).
type Notifier func(ch Channel, ruleName string, state AlertState, message string) error

// ConditionKind selects how a Condition decides breach (supplemented beyond
// the distilled spec; grounded on the original implementation's
// anomaly-detection routine, surfaced here as a second rule shape alongside
// the static threshold test).
type ConditionKind string

const (
	// ThresholdCondition compares the metric's current value against a
	// fixed threshold via Op. This is the zero value, so existing rules
	// that never set Kind keep their original behavior.
	ThresholdCondition ConditionKind = ""
	// AnomalyCondition fires when the metric's current value is more than
	// Sigma standard deviations from its historical mean
	// (metrics.Store.IsAnomalous).
	AnomalyCondition ConditionKind = "ANOMALY"
)

// Condition is an alert rule's breach test (spec §3).
type Condition struct {
	Kind      ConditionKind
	Metric    string
	Op        CompareOp
	Threshold float64
	Sigma     float64
	Duration  time.Duration
}

// CompareOp mirrors the autoscaler's comparison operators for rule
// conditions (spec §3).
type CompareOp string

const (
	GreaterThan CompareOp = ">"
	LessThan    CompareOp = "<"
	Equal       CompareOp = "="
	GreaterEq   CompareOp = ">="
	LessEq      CompareOp = "<="
)

func (c Condition) thresholdBreached(value float64) bool {
	switch c.Op {
	case GreaterThan:
		return value > c.Threshold
	case LessThan:
		return value < c.Threshold
	case Equal:
		return value == c.Threshold
	case GreaterEq:
		return value >= c.Threshold
	case LessEq:
		return value <= c.Threshold
	default:
		return false
	}
}

// breached evaluates c against the live metrics store, dispatching on Kind.
func (e *Engine) breached(c Condition) (bool, error) {
	if c.Kind == AnomalyCondition {
		return e.store.IsAnomalous(c.Metric, c.Sigma)
	}
	value, err := e.store.Current(c.Metric)
	if err != nil {
		return false, err
	}
	return c.thresholdBreached(value), nil
}

// Rule is a catalogued alert definition (spec §3).
type Rule struct {
	Name           string
	Condition      Condition
	Severity       Severity
	State          AlertState
	BreachCount    int
	BreachThreshold int
	Channels       []Channel
	Enabled        bool
	FiredAt        time.Time
	ResolvedAt     time.Time
}

// Engine evaluates rules against a metrics store and fans out notifications.
type Engine struct {
	store    *metrics.Store
	notify   Notifier
	evalEvery time.Duration
	tick     time.Duration

	mu    sync.Mutex
	rules map[string]*Rule

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New constructs an Engine. notify may be nil, in which case LOG-channel
// delivery falls back to the package logger and other channel types are
// skipped (no transport configured).
func New(store *metrics.Store, evalEvery time.Duration, notify Notifier) *Engine {
	if evalEvery <= 0 {
		evalEvery = 10 * time.Second
	}
	e := &Engine{
		store:     store,
		notify:    notify,
		evalEvery: evalEvery,
		tick:      100 * time.Millisecond,
		rules:     make(map[string]*Rule),
		logger:    log.WithComponent("alerting"),
	}
	return e
}

// AddRule registers a rule.
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.State == "" {
		r.State = OK
	}
	e.rules[r.Name] = r
}

// Start launches the evaluation background task.
func (e *Engine) Start() {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.loop()
}

// Stop signals shutdown and waits for the evaluation loop to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	deadline := time.Now().Add(e.evalEvery)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.EvaluateAll()
			deadline = time.Now().Add(e.evalEvery)
			continue
		}
		tick := e.tick
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-e.stopCh:
			return
		case <-time.After(tick):
		}
	}
}

// EvaluateAll runs one evaluation pass over every enabled rule (spec §4.L).
func (e *Engine) EvaluateAll() {
	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.Unlock()

	for _, r := range rules {
		e.evaluateRule(r)
	}
}

func (e *Engine) evaluateRule(r *Rule) {
	e.mu.Lock()
	if !r.Enabled {
		e.mu.Unlock()
		return
	}

	breached, err := e.breached(r.Condition)
	if err != nil {
		e.mu.Unlock()
		return
	}

	var toNotify AlertState
	var message string

	if breached {
		r.BreachCount++
		if r.BreachCount >= r.BreachThreshold {
			if r.State != Firing {
				r.State = Firing
				r.FiredAt = time.Now()
				toNotify = Firing
				message = r.Name + " firing"
			}
		} else if r.State != Firing {
			r.State = Pending
		}
	} else {
		wasFiring := r.State == Firing
		r.BreachCount = 0
		if wasFiring {
			r.State = Resolved
			r.ResolvedAt = time.Now()
			toNotify = Resolved
			message = r.Name + " resolved"
		} else {
			r.State = OK
		}
	}

	channels := append([]Channel(nil), r.Channels...)
	ruleName := r.Name
	severity := r.Severity
	e.mu.Unlock()

	if toNotify != "" {
		firing := telemetry.AlertsFiringTotal.WithLabelValues(string(severity))
		if toNotify == Firing {
			firing.Inc()
		} else {
			firing.Dec()
		}
		e.fanOut(channels, ruleName, toNotify, message)
	}
}

// fanOut delivers a notification to every enabled channel (spec §4.L).
func (e *Engine) fanOut(channels []Channel, ruleName string, state AlertState, message string) {
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		e.deliver(ch, ruleName, state, message)
	}
}

func (e *Engine) deliver(ch Channel, ruleName string, state AlertState, message string) {
	if e.notify != nil {
		if err := e.notify(ch, ruleName, state, message); err != nil {
			e.logger.Warn().Err(err).Str("rule", ruleName).Str("channel", string(ch.Type)).Msg("notification delivery failed")
		}
		return
	}
	if ch.Type == ChannelLog {
		e.logger.Info().Str("rule", ruleName).Str("state", string(state)).Msg(message)
	}
}
