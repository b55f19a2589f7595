// Package gossip implements cluster membership and failure detection (spec
// §4.C): a periodic gossip task sends HEARTBEAT to a random fanout of peers,
// a health-check task drives the ALIVE->SUSPECT->DEAD->LEFT state machine via
// PING, and ANNOUNCE/SUSPECT/CONFIRM/LEAVE records are broadcast to every
// known peer.
package gossip

import (
	"math/rand"
	"sync"
	"time"

	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/orbitalio/constellation/pkg/wire"
	"github.com/rs/zerolog"
)

// Config holds the gossip + SWIM tunables (spec §6 defaults).
type Config struct {
	GossipInterval time.Duration
	Fanout         int
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	PingTimeout    time.Duration
	TickInterval   time.Duration
}

// DefaultConfig matches spec §6.
func DefaultConfig() Config {
	return Config{
		GossipInterval: time.Second,
		Fanout:         3,
		SuspectTimeout: 5 * time.Second,
		DeadTimeout:    10 * time.Second,
		PingTimeout:    time.Second,
		TickInterval:   100 * time.Millisecond,
	}
}

// Gossiper owns the gossip and health-check background tasks for one node.
type Gossiper struct {
	cfg       Config
	reg       *registry.Registry
	transport *wire.Transport
	selfID    string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// awaiting maps a peer node_id to the channel a direct-ping waiter is
	// blocked on; closed on PONG receipt.
	awaitingMu sync.Mutex
	awaiting   map[string]chan struct{}

	logger zerolog.Logger
}

// New constructs a Gossiper bound to reg and transport, gossiping as selfID.
func New(cfg Config, reg *registry.Registry, transport *wire.Transport, selfID string) *Gossiper {
	return &Gossiper{
		cfg:       cfg,
		reg:       reg,
		transport: transport,
		selfID:    selfID,
		awaiting:  make(map[string]chan struct{}),
		logger:    log.WithComponent("gossip"),
	}
}

// Start launches the gossip, health-check, and receive-loop goroutines. Safe
// to call once; a second call is a no-op.
func (g *Gossiper) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	g.wg.Add(3)
	go g.receiveLoop()
	go g.gossipLoop()
	go g.healthCheckLoop()
}

// Stop signals all background tasks and waits for them to exit. The loops
// sleep in TickInterval increments (spec §5); a health-check pass already
// under way finishes its pings, each bounded by PingTimeout, before its loop
// observes shutdown.
func (g *Gossiper) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *Gossiper) sleepInTicks(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		tick := g.cfg.TickInterval
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-g.stopCh:
			return false
		case <-time.After(tick):
		}
	}
}

// gossipLoop disseminates HEARTBEAT to a random fanout of peers every
// GossipInterval.
func (g *Gossiper) gossipLoop() {
	defer g.wg.Done()
	for {
		if !g.sleepInTicks(g.cfg.GossipInterval) {
			return
		}
		g.gossipOnce()
	}
}

func (g *Gossiper) gossipOnce() {
	peers := g.peers()
	targets := pickRandom(peers, g.cfg.Fanout)
	for _, p := range targets {
		msg := wire.NewMessage(wire.KindHeartbeat, g.selfID, nil)
		g.transport.Send(p.Address, msg)
		telemetry.GossipMessagesSent.WithLabelValues(wire.KindHeartbeat.String()).Inc()
	}
}

// peers returns all known nodes except self.
func (g *Gossiper) peers() []*registry.Node {
	all := g.reg.All()
	out := make([]*registry.Node, 0, len(all))
	for _, n := range all {
		if n.NodeID != g.selfID {
			out = append(out, n)
		}
	}
	return out
}

func pickRandom(nodes []*registry.Node, n int) []*registry.Node {
	if n >= len(nodes) {
		out := make([]*registry.Node, len(nodes))
		copy(out, nodes)
		return out
	}
	idx := rand.Perm(len(nodes))[:n]
	out := make([]*registry.Node, 0, n)
	for _, i := range idx {
		out = append(out, nodes[i])
	}
	return out
}

// healthCheckLoop drives the SWIM lifecycle (spec §4.C transition rules).
func (g *Gossiper) healthCheckLoop() {
	defer g.wg.Done()
	for {
		if !g.sleepInTicks(2 * time.Second) {
			return
		}
		g.healthCheckOnce()
	}
}

func (g *Gossiper) healthCheckOnce() {
	now := time.Now().UnixMilli()
	for _, n := range g.peers() {
		elapsed := time.Duration(now-n.LastSeenMS) * time.Millisecond

		switch n.State {
		case registry.Alive:
			if elapsed <= g.cfg.SuspectTimeout {
				g.directPing(n)
			} else {
				g.demoteToSuspect(n.NodeID)
			}
		case registry.Suspect:
			if elapsed <= g.cfg.DeadTimeout {
				g.indirectPing(n)
			} else {
				g.promoteToDead(n.NodeID)
			}
		case registry.Dead, registry.Left:
			// no further probes
		}
	}
}

func (g *Gossiper) directPing(n *registry.Node) {
	ch := g.registerWaiter(n.NodeID)
	defer g.clearWaiter(n.NodeID)

	g.transport.Send(n.Address, wire.NewMessage(wire.KindPing, g.selfID, nil))

	select {
	case <-ch:
		// PONG arrived; receive loop already refreshed the node.
	case <-time.After(g.cfg.PingTimeout):
		_ = g.reg.Mutate(n.NodeID, func(node *registry.Node) {
			node.FailedPings++
		})
	}
}

// indirectPing re-probes a SUSPECT node with a direct PING, and only when at
// least one other ALIVE peer exists. No peer is asked to relay the PING: the
// wire kinds have no relay message, so the chosen peer is not contacted.
func (g *Gossiper) indirectPing(n *registry.Node) {
	relays := pickRandom(g.aliveExcept(n.NodeID), 1)
	if len(relays) == 0 {
		return
	}
	// A PONG from the suspect restores it to ALIVE.
	g.directPing(n)
}

func (g *Gossiper) aliveExcept(nodeID string) []*registry.Node {
	out := make([]*registry.Node, 0)
	for _, n := range g.peers() {
		if n.NodeID != nodeID && n.State == registry.Alive {
			out = append(out, n)
		}
	}
	return out
}

func (g *Gossiper) demoteToSuspect(nodeID string) {
	err := g.reg.Mutate(nodeID, func(n *registry.Node) {
		if n.State != registry.Alive {
			return
		}
		n.State = registry.Suspect
	})
	if err != nil {
		return
	}
	g.logger.Info().Str("node_id", nodeID).Msg("node suspected")
	g.broadcast(wire.KindGossipSuspect, nodeID)
}

func (g *Gossiper) promoteToDead(nodeID string) {
	err := g.reg.Mutate(nodeID, func(n *registry.Node) {
		if n.State == registry.Left {
			return
		}
		n.State = registry.Dead
	})
	if err != nil {
		return
	}
	g.logger.Info().Str("node_id", nodeID).Msg("node confirmed dead")
	g.broadcast(wire.KindGossipConfirm, nodeID)
}

func (g *Gossiper) broadcast(kind wire.Kind, subjectNodeID string) {
	var subject *registry.Node
	var err error
	if subjectNodeID == g.selfID {
		// Always announce ourselves ALIVE, even if a stale local record
		// says otherwise (spec §3 self invariant).
		subject, err = g.reg.Self()
	} else {
		subject, err = g.reg.Find(subjectNodeID)
	}
	if err != nil {
		return
	}
	payload, err := wire.EncodeNodeRecord(toRecord(subject))
	if err != nil {
		return
	}
	msg := wire.NewMessage(kind, g.selfID, payload)
	for _, p := range g.peers() {
		g.transport.Send(p.Address, msg)
		telemetry.GossipMessagesSent.WithLabelValues(kind.String()).Inc()
	}
}

// receiveLoop processes inbound datagrams (spec §4.C receive path).
func (g *Gossiper) receiveLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		recv, err := g.transport.Receive(g.cfg.TickInterval)
		if err != nil {
			g.logger.Debug().Err(err).Msg("receive error")
			continue
		}
		if recv == nil {
			continue
		}
		g.handle(*recv)
	}
}

func (g *Gossiper) handle(recv wire.Received) {
	msg := recv.Message
	switch msg.Header.Kind {
	case wire.KindPing:
		g.transport.Send(recv.From, wire.NewMessage(wire.KindPong, g.selfID, nil))
	case wire.KindPong:
		g.onPong(msg.Header.SenderID)
	case wire.KindHeartbeat:
		g.refreshLastSeen(msg.Header.SenderID, recv.From)
	case wire.KindGossipAnnounce:
		g.onAnnounce(msg.Payload)
	case wire.KindGossipSuspect:
		g.onSuspect(msg.Payload)
	case wire.KindGossipConfirm:
		g.onConfirm(msg.Payload)
	case wire.KindGossipLeave:
		g.onLeave(msg.Payload)
	}
}

func (g *Gossiper) onPong(senderID string) {
	_ = g.reg.Mutate(senderID, func(n *registry.Node) {
		n.State = registry.Alive
		n.FailedPings = 0
		n.LastSeenMS = time.Now().UnixMilli()
	})
	g.notifyWaiter(senderID)
}

func (g *Gossiper) refreshLastSeen(senderID, from string) {
	if senderID == "" || senderID == g.selfID {
		return
	}
	err := g.reg.Mutate(senderID, func(n *registry.Node) {
		n.LastSeenMS = time.Now().UnixMilli()
	})
	if err != nil {
		// Unknown sender: insert a minimal record; scheduling fields are
		// filled in by the next full ANNOUNCE.
		_ = g.reg.Add(&registry.Node{
			NodeID:     senderID,
			Address:    from,
			State:      registry.Alive,
			LastSeenMS: time.Now().UnixMilli(),
		})
	}
}

func (g *Gossiper) onAnnounce(payload []byte) {
	rec, err := wire.DecodeNodeRecord(payload)
	if err != nil {
		return
	}
	n := fromRecord(rec)
	_ = g.reg.Update(n)
}

func (g *Gossiper) onSuspect(payload []byte) {
	rec, err := wire.DecodeNodeRecord(payload)
	if err != nil {
		return
	}
	if rec.ID == g.selfID {
		// A node never accepts a remote SUSPECT of itself (spec §3 self
		// invariant); re-announce ALIVE so the suspecting peer refutes.
		g.Announce()
		return
	}
	_ = g.reg.Mutate(rec.ID, func(n *registry.Node) {
		if n.State != registry.Alive {
			return
		}
		// Higher-incarnation refute wins: only demote if the gossiped
		// incarnation is not behind our local view.
		if rec.Incarnation < n.Incarnation {
			return
		}
		n.State = registry.Suspect
	})
}

func (g *Gossiper) onConfirm(payload []byte) {
	rec, err := wire.DecodeNodeRecord(payload)
	if err != nil {
		return
	}
	if rec.ID == g.selfID {
		g.Announce()
		return
	}
	_ = g.reg.Mutate(rec.ID, func(n *registry.Node) {
		n.State = registry.Dead
	})
}

func (g *Gossiper) onLeave(payload []byte) {
	rec, err := wire.DecodeNodeRecord(payload)
	if err != nil {
		return
	}
	_ = g.reg.Mutate(rec.ID, func(n *registry.Node) {
		n.State = registry.Left
	})
}

// Announce broadcasts the local node's current record, used on join and
// whenever the local view changes materially.
func (g *Gossiper) Announce() {
	g.broadcast(wire.KindGossipAnnounce, g.selfID)
}

// Leave broadcasts a LEAVE record for the local node before shutdown.
func (g *Gossiper) Leave() {
	g.broadcast(wire.KindGossipLeave, g.selfID)
}

func (g *Gossiper) registerWaiter(nodeID string) chan struct{} {
	ch := make(chan struct{})
	g.awaitingMu.Lock()
	g.awaiting[nodeID] = ch
	g.awaitingMu.Unlock()
	return ch
}

func (g *Gossiper) clearWaiter(nodeID string) {
	g.awaitingMu.Lock()
	delete(g.awaiting, nodeID)
	g.awaitingMu.Unlock()
}

func (g *Gossiper) notifyWaiter(nodeID string) {
	g.awaitingMu.Lock()
	ch, ok := g.awaiting[nodeID]
	if ok {
		delete(g.awaiting, nodeID)
	}
	g.awaitingMu.Unlock()
	if ok {
		close(ch)
	}
}

func toRecord(n *registry.Node) wire.NodeRecord {
	return wire.NodeRecord{
		ID:               n.NodeID,
		Name:             n.Name,
		Address:          n.Address,
		Port:             uint16(n.Port),
		State:            stateCode(n.State),
		LastSeenMS:       uint64(n.LastSeenMS),
		Incarnation:      n.Incarnation,
		FailedPings:      int32(n.FailedPings),
		MaxInstances:     uint32(n.Resources.MaxInstances),
		CurrentInstances: uint32(n.Resources.CurrentInstances),
		CPUTotal:         n.Resources.CPUTotal,
		CPUAvailable:     n.Resources.CPUAvailable,
		RAMTotalMB:       uint64(n.Resources.RAMTotalMB),
		RAMAvailableMB:   uint64(n.Resources.RAMAvailableMB),
	}
}

func fromRecord(rec wire.NodeRecord) *registry.Node {
	return &registry.Node{
		NodeID:      rec.ID,
		Name:        rec.Name,
		Address:     rec.Address,
		Port:        int(rec.Port),
		State:       stateFromCode(rec.State),
		LastSeenMS:  int64(rec.LastSeenMS),
		Incarnation: rec.Incarnation,
		FailedPings: int(rec.FailedPings),
		Resources: registry.Resources{
			CPUTotal:         rec.CPUTotal,
			CPUAvailable:     rec.CPUAvailable,
			RAMTotalMB:       int64(rec.RAMTotalMB),
			RAMAvailableMB:   int64(rec.RAMAvailableMB),
			MaxInstances:     int(rec.MaxInstances),
			CurrentInstances: int(rec.CurrentInstances),
		},
	}
}

func stateCode(s registry.State) uint32 {
	switch s {
	case registry.Alive:
		return 0
	case registry.Suspect:
		return 1
	case registry.Dead:
		return 2
	case registry.Left:
		return 3
	default:
		return 0
	}
}

func stateFromCode(c uint32) registry.State {
	switch c {
	case 0:
		return registry.Alive
	case 1:
		return registry.Suspect
	case 2:
		return registry.Dead
	case 3:
		return registry.Left
	default:
		return registry.Alive
	}
}
