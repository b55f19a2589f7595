// Package controller wires every Constellation subsystem into a single
// owned handle per spec §9 ("Global mutable state... become explicitly
// owned subsystem handles created by the controller and passed by
// capability"). It constructs every subsystem and drives coordinated
// startup/shutdown of all background tasks; it contacts no seed peers, so a
// node learns of others only from traffic they send it.
package controller

import (
	"context"
	"fmt"
	"os"

	"github.com/orbitalio/constellation/pkg/alerting"
	"github.com/orbitalio/constellation/pkg/autoscaler"
	"github.com/orbitalio/constellation/pkg/balancer"
	"github.com/orbitalio/constellation/pkg/breaker"
	"github.com/orbitalio/constellation/pkg/config"
	"github.com/orbitalio/constellation/pkg/consensus"
	"github.com/orbitalio/constellation/pkg/dht"
	"github.com/orbitalio/constellation/pkg/discovery"
	"github.com/orbitalio/constellation/pkg/gossip"
	"github.com/orbitalio/constellation/pkg/lock"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/metrics"
	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/orbitalio/constellation/pkg/scheduler"
	"github.com/orbitalio/constellation/pkg/storage"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/orbitalio/constellation/pkg/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Controller owns every subsystem handle and coordinates their lifecycle.
type Controller struct {
	cfg *config.Bundle

	selfID string

	Registry   *registry.Registry
	Transport  *wire.Transport
	Gossip     *gossip.Gossiper
	Consensus  *consensus.Node
	Scheduler  *scheduler.Scheduler
	Ring       *dht.Ring
	Discovery  *discovery.Registry
	Balancer   *balancer.Balancer
	Breakers   *breaker.Manager
	Metrics    *metrics.Store
	Autoscaler *autoscaler.Autoscaler
	Alerting   *alerting.Engine
	Locks      *lock.Manager
	Snapshot   *storage.Store

	logger zerolog.Logger
}

// New constructs every subsystem from cfg but does not start background
// tasks; call Start for that.
func New(cfg *config.Bundle) (*Controller, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	selfAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ControlPort)
	selfID := registry.DeriveNodeID(cfg.NodeName, selfAddr)

	reg := registry.New(cfg.Gossip.EvictAfter)
	reg.SetSelf(selfID)
	reg.Add(&registry.Node{ //nolint:errcheck // self-registration cannot already exist
		NodeID:  selfID,
		Name:    cfg.NodeName,
		Address: selfAddr,
		Port:    cfg.ControlPort,
		State:   registry.Alive,
		Resources: registry.Resources{
			MaxInstances: cfg.MaxInstances,
		},
	})

	transport, err := wire.Listen(selfAddr)
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}

	snapshot, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	isAlive := func(nodeID string) bool {
		n, err := reg.Find(nodeID)
		return err == nil && n.State == registry.Alive
	}

	sched := scheduler.New(cfg.Scheduler.QuotasEnabled)
	discReg := discovery.New(discovery.DefaultConfig())

	metricsStore := metrics.New()

	c := &Controller{
		cfg:        cfg,
		selfID:     selfID,
		Registry:   reg,
		Transport:  transport,
		Gossip:     gossip.New(gossipConfigFrom(cfg), reg, transport, selfID),
		Consensus:  consensus.New(consensusConfigFrom(cfg), reg, transport, selfID),
		Scheduler:  sched,
		Ring:       dht.New(cfg.DHT.VnodesPerNode, cfg.DHT.ReplicationFactor, isAlive),
		Discovery:  discReg,
		Balancer:   balancer.New(discReg),
		Breakers:   breaker.NewManager(breakerConfigFrom(cfg)),
		Metrics:    metricsStore,
		Autoscaler: autoscaler.New(metricsStore, cfg.Autoscaler.EvalInterval),
		Alerting:   alerting.New(metricsStore, cfg.Alerting.EvalInterval, nil),
		Locks:      lock.New(cfg.Scheduler.SweepInterval),
		Snapshot:   snapshot,
		logger:     log.WithComponent("controller"),
	}

	c.Ring.AddNode(selfID)
	c.Scheduler.RegisterNode(&registry.Node{NodeID: selfID, State: registry.Alive, Resources: registry.Resources{MaxInstances: cfg.MaxInstances}})

	return c, nil
}

func gossipConfigFrom(cfg *config.Bundle) gossip.Config {
	return gossip.Config{
		GossipInterval: cfg.Gossip.Interval,
		Fanout:         cfg.Gossip.Fanout,
		SuspectTimeout: cfg.Gossip.SuspectTimeout,
		DeadTimeout:    cfg.Gossip.DeadTimeout,
		PingTimeout:    cfg.Gossip.PingTimeout,
		TickInterval:   gossip.DefaultConfig().TickInterval,
	}
}

func consensusConfigFrom(cfg *config.Bundle) consensus.Config {
	return consensus.Config{
		HeartbeatInterval:  cfg.Consensus.HeartbeatInterval,
		ElectionTimeoutMin: cfg.Consensus.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Consensus.ElectionTimeoutMax,
		TickInterval:       consensus.DefaultConfig().TickInterval,
	}
}

func breakerConfigFrom(cfg *config.Bundle) breaker.Config {
	return breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		OpenTimeout:        cfg.Breaker.OpenTimeout,
		WindowDuration:     cfg.Breaker.WindowDuration,
		ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
	}
}

// Start launches every subsystem's background tasks. If clustering is
// disabled, gossip and consensus are skipped (single-node mode).
func (c *Controller) Start(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	if c.cfg.ClusteringEnabled {
		g.Go(func() error { c.Gossip.Start(); return nil })
		g.Go(func() error { c.Consensus.Start(); return nil })
	}
	g.Go(func() error { c.Discovery.Start(); return nil })
	g.Go(func() error { c.Breakers.Start(); return nil })
	g.Go(func() error { c.Autoscaler.Start(); return nil })
	g.Go(func() error { c.Alerting.Start(); return nil })
	g.Go(func() error { c.Locks.Start(); return nil })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("start subsystems: %w", err)
	}

	c.logger.Info().Str("node_id", c.selfID).Msg("constellation controller started")
	return nil
}

// Shutdown stops every subsystem's background tasks and releases the
// transport and snapshot database.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.cfg.ClusteringEnabled {
		c.Gossip.Leave()
		c.Gossip.Stop()
		c.Consensus.Stop()
	}
	c.Discovery.Stop()
	c.Breakers.Stop()
	c.Autoscaler.Stop()
	c.Alerting.Stop()
	c.Locks.Stop()

	if err := c.Transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("error closing transport")
	}
	if err := c.Snapshot.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("error closing snapshot store")
	}

	c.logger.Info().Msg("constellation controller stopped")
	return nil
}

// SelfID returns this process's derived node_id.
func (c *Controller) SelfID() string { return c.selfID }

// ObserveResources copies each registry node's ALIVE status into the
// scheduler in one pass; resource figures are not copied, and nothing in
// the controller calls it on a schedule.
func (c *Controller) ObserveResources() {
	for _, n := range c.Registry.All() {
		c.Scheduler.SetNodeAlive(n.NodeID, n.State == registry.Alive)
	}
	telemetry.NodesTotal.Reset()
}
