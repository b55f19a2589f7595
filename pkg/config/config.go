// Package config defines the controller configuration bundle (spec §6) that
// selects node identity and every per-subsystem default in the cluster.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Bundle is the top-level configuration for a Constellation node.
type Bundle struct {
	NodeName    string `yaml:"node_name"`
	ClusterName string `yaml:"cluster_name"`
	BindAddr    string `yaml:"bind_addr"`
	ControlPort int    `yaml:"control_port"`
	DataPort    int    `yaml:"data_port"`
	DataDir     string `yaml:"data_dir"`
	MaxInstances int   `yaml:"max_instances"`
	ClusteringEnabled bool `yaml:"clustering_enabled"`

	Gossip     GossipConfig     `yaml:"gossip"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	DHT        DHTConfig        `yaml:"dht"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

type GossipConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Fanout         int           `yaml:"fanout"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`
	DeadTimeout    time.Duration `yaml:"dead_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	EvictAfter     time.Duration `yaml:"evict_after"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

type ConsensusConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
}

type SchedulerConfig struct {
	QuotasEnabled bool          `yaml:"quotas_enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DHTConfig struct {
	VnodesPerNode     int `yaml:"vnodes_per_node"`
	ReplicationFactor int `yaml:"replication_factor"`
}

type BalancerConfig struct {
	Algorithm       string        `yaml:"algorithm"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
}

type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	OpenTimeout        time.Duration `yaml:"open_timeout"`
	WindowDuration     time.Duration `yaml:"window_duration"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
}

type MetricsConfig struct {
	HistorySize   int           `yaml:"history_size"`
	RetentionSecs time.Duration `yaml:"retention"`
}

type AutoscalerConfig struct {
	EvalInterval    time.Duration `yaml:"eval_interval"`
	CooldownUp      time.Duration `yaml:"cooldown_up"`
	CooldownDown    time.Duration `yaml:"cooldown_down"`
	PredictiveConfidence float64  `yaml:"predictive_confidence"`
}

type AlertingConfig struct {
	EvalInterval   time.Duration `yaml:"eval_interval"`
	BreachThreshold int          `yaml:"breach_threshold"`
}

// Default returns a Bundle populated with the defaults from spec §6.
func Default() *Bundle {
	return &Bundle{
		ClusterName:       "constellation",
		ControlPort:       7946,
		DataPort:          7947,
		DataDir:           "./data",
		MaxInstances:      100,
		ClusteringEnabled: true,
		Gossip: GossipConfig{
			Interval:       1 * time.Second,
			Fanout:         3,
			SuspectTimeout: 5 * time.Second,
			DeadTimeout:    10 * time.Second,
			HealthInterval: 2 * time.Second,
			EvictAfter:     300 * time.Second,
			PingTimeout:    1 * time.Second,
		},
		Consensus: ConsensusConfig{
			HeartbeatInterval:  50 * time.Millisecond,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			QuotasEnabled: false,
			SweepInterval: 10 * time.Second,
		},
		DHT: DHTConfig{
			VnodesPerNode:     150,
			ReplicationFactor: 3,
		},
		Balancer: BalancerConfig{
			Algorithm:      "ROUND_ROBIN",
			MaxRetries:     3,
			RetryDelay:     100 * time.Millisecond,
			SessionTimeout: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			OpenTimeout:        30 * time.Second,
			WindowDuration:     10 * time.Second,
			ErrorRateThreshold: 0.5,
		},
		Metrics: MetricsConfig{
			HistorySize:   100,
			RetentionSecs: 3600 * time.Second,
		},
		Autoscaler: AutoscalerConfig{
			EvalInterval:         10 * time.Second,
			CooldownUp:           300 * time.Second,
			CooldownDown:         300 * time.Second,
			PredictiveConfidence: 0.8,
		},
		Alerting: AlertingConfig{
			EvalInterval:    10 * time.Second,
			BreachThreshold: 3,
		},
	}
}

// Load reads a YAML configuration file over the defaults: fields the file
// omits keep their default value, and fields the file sets (including to
// zero) replace it.
func Load(path string) (*Bundle, error) {
	b := Default()
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return b, nil
}
