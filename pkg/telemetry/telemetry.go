// Package telemetry exposes the process-wide Prometheus metrics used to
// observe the Constellation runtime itself. This is distinct from
// pkg/metrics, which implements the domain Metrics Store component (spec
// §4.J) used by the autoscaler and alert engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "constellation_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "constellation_raft_is_leader",
			Help: "Whether this node is the consensus leader (1) or not (0)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "constellation_raft_term",
			Help: "Current consensus term",
		},
	)

	GossipMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_gossip_messages_sent_total",
			Help: "Total gossip/SWIM messages sent by kind",
		},
		[]string{"kind"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "constellation_scheduling_latency_seconds",
			Help:    "Time taken to reach a placement decision",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_placements_total",
			Help: "Total placement decisions by outcome",
		},
		[]string{"outcome"},
	)

	DHTReplicaSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "constellation_dht_replica_set_size",
			Help:    "Number of distinct ALIVE replicas returned per lookup",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	ServiceEndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "constellation_service_endpoints_total",
			Help: "Total registered service endpoints by health",
		},
		[]string{"health"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "constellation_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"target"},
	)

	ScalingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_scaling_events_total",
			Help: "Total autoscaler scaling actions by policy and direction",
		},
		[]string{"policy", "direction"},
	)

	AlertsFiringTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "constellation_alerts_firing",
			Help: "Number of alert rules currently in FIRING state by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		RaftIsLeader,
		RaftTerm,
		GossipMessagesSent,
		SchedulingLatency,
		PlacementsTotal,
		DHTReplicaSetSize,
		ServiceEndpointsTotal,
		CircuitBreakerState,
		ScalingEventsTotal,
		AlertsFiringTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
