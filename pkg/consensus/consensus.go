// Package consensus implements the simplified, no-log-replication leader
// election described in spec §4.D: term-bounded elections by majority vote,
// with leader heartbeats suppressing candidacy. It deliberately does not
// replicate a log — safety is limited to at-most-one-leader-per-term.
package consensus

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

// Role is a node's position in the term state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Config holds election timing (spec §6 defaults).
type Config struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	TickInterval       time.Duration
}

// DefaultConfig matches spec §6.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		TickInterval:       20 * time.Millisecond,
	}
}

// requestVotePayload and heartbeatPayload are minimal term-carrying Raft
// payloads (spec §4.D, §6). They are encoded with a fixed 8-byte term field
// so the wire layer needs no Raft-specific framing beyond Kind.
type requestVotePayload struct {
	Term uint64
}

// Node runs the Raft-lite state machine for one cluster member.
type Node struct {
	cfg       Config
	reg       *registry.Registry
	transport *wire.Transport
	selfID    string

	mu               sync.Mutex
	currentTerm      uint64
	votedFor         string
	role             Role
	currentLeaderID  string
	lastHeartbeat    time.Time
	electionDeadline time.Time
	voteTerm         uint64
	voteGrantCh      chan struct{}

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// New constructs a consensus Node.
func New(cfg Config, reg *registry.Registry, transport *wire.Transport, selfID string) *Node {
	n := &Node{
		cfg:       cfg,
		reg:       reg,
		transport: transport,
		selfID:    selfID,
		role:      Follower,
		logger:    log.WithComponent("consensus"),
	}
	n.resetElectionDeadline()
	return n
}

// Start launches the receive loop and the election/heartbeat timer loop.
func (n *Node) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.mu.Unlock()

	n.wg.Add(2)
	go n.receiveLoop()
	go n.timerLoop()
}

// Stop signals shutdown and waits for both loops to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()
	n.wg.Wait()
}

// State is a point-in-time snapshot for observability/testing.
type State struct {
	Term     uint64
	Role     Role
	LeaderID string
}

// Snapshot returns the current term/role/leader under lock.
func (n *Node) Snapshot() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return State{Term: n.currentTerm, Role: n.role, LeaderID: n.currentLeaderID}
}

func (n *Node) resetElectionDeadline() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(rand.Int63n(int64(span)))
	}
	n.electionDeadline = time.Now().Add(n.cfg.ElectionTimeoutMin + jitter)
}

func (n *Node) timerLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-time.After(n.cfg.TickInterval):
		}
		n.tick()
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	timedOut := time.Now().After(n.electionDeadline)
	n.mu.Unlock()

	switch role {
	case Leader:
		n.mu.Lock()
		due := time.Since(n.lastHeartbeat) >= n.cfg.HeartbeatInterval
		if due {
			n.lastHeartbeat = time.Now()
		}
		n.mu.Unlock()
		if due {
			n.sendHeartbeats()
		}
	case Follower, Candidate:
		if timedOut {
			n.startElection()
		}
	}
}

// startElection transitions to CANDIDATE, broadcasts REQUEST_VOTE, and
// tallies KindRequestVoteReply grants for this term as they arrive (spec
// §4.D). Grants are counted asynchronously by onRequestVoteReply so the
// timer loop is never blocked waiting on the network.
func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.selfID
	n.role = Candidate
	term := n.currentTerm
	grantCh := make(chan struct{}, 64)
	n.voteTerm = term
	n.voteGrantCh = grantCh
	n.resetElectionDeadline()
	deadline := n.electionDeadline
	n.mu.Unlock()

	telemetry.RaftTerm.Set(float64(term))
	n.logger.Info().Uint64("term", term).Msg("starting election")

	peers := n.alivePeers()
	for _, p := range peers {
		n.requestVote(p.Address, term)
	}

	majority := (len(peers)+1)/2 + 1
	if majority <= 1 {
		// Self-vote alone already forms a majority (no alive peers).
		n.becomeLeader(term)
		return
	}

	go n.awaitVotes(term, grantCh, majority, deadline)
}

// awaitVotes counts self-vote plus every grant received on grantCh until
// either a majority is reached or the election deadline passes, then becomes
// leader if this node is still a CANDIDATE in the same term.
func (n *Node) awaitVotes(term uint64, grantCh chan struct{}, majority int, deadline time.Time) {
	votes := 1 // self-vote
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for votes < majority {
		select {
		case <-grantCh:
			votes++
		case <-timer.C:
			return
		case <-n.stopCh:
			return
		}
	}

	n.mu.Lock()
	stillCandidate := n.role == Candidate && n.currentTerm == term
	n.mu.Unlock()
	if stillCandidate {
		n.becomeLeader(term)
	}
}

// requestVote sends a REQUEST_VOTE to addr; the grant (if any) arrives later
// as a KindRequestVoteReply handled by onRequestVoteReply.
func (n *Node) requestVote(addr string, term uint64) {
	payload := encodeTerm(term)
	n.transport.Send(addr, wire.NewMessage(wire.KindRequestVote, n.selfID, payload))
	telemetry.GossipMessagesSent.WithLabelValues(wire.KindRequestVote.String()).Inc()
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.role = Leader
	n.currentLeaderID = n.selfID
	n.mu.Unlock()

	telemetry.RaftIsLeader.Set(1)
	n.logger.Info().Uint64("term", term).Msg("became leader")
	n.sendHeartbeats()
}

func (n *Node) sendHeartbeats() {
	payload := encodeTerm(n.currentTermSafe())
	msg := wire.NewMessage(wire.KindAppendHeartbeat, n.selfID, payload)
	for _, p := range n.alivePeers() {
		n.transport.Send(p.Address, msg)
	}
}

func (n *Node) currentTermSafe() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) alivePeers() []*registry.Node {
	out := make([]*registry.Node, 0)
	for _, p := range n.reg.All() {
		if p.NodeID != n.selfID && p.State == registry.Alive {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) receiveLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}
		recv, err := n.transport.Receive(n.cfg.TickInterval)
		if err != nil || recv == nil {
			continue
		}
		n.handle(*recv)
	}
}

func (n *Node) handle(recv wire.Received) {
	switch recv.Message.Header.Kind {
	case wire.KindRequestVote:
		n.onRequestVote(recv)
	case wire.KindRequestVoteReply:
		n.onRequestVoteReply(recv)
	case wire.KindAppendHeartbeat:
		n.onHeartbeat(recv)
	}
}

func (n *Node) onRequestVote(recv wire.Received) {
	term, ok := decodeTerm(recv.Message.Payload)
	if !ok {
		return
	}

	n.mu.Lock()
	grant := false
	if term > n.currentTerm {
		n.stepDownLocked(term)
	}
	if term >= n.currentTerm && (n.votedFor == "" || n.votedFor == recv.Message.Header.SenderID) {
		n.votedFor = recv.Message.Header.SenderID
		grant = true
		n.resetElectionDeadline()
	}
	n.mu.Unlock()

	if grant {
		payload := encodeTerm(term)
		n.transport.Send(recv.From, wire.NewMessage(wire.KindRequestVoteReply, n.selfID, payload))
	}
}

// onRequestVoteReply credits a grant toward the in-flight election for its
// term, if this node is still the candidate awaiting votes for that term.
func (n *Node) onRequestVoteReply(recv wire.Received) {
	term, ok := decodeTerm(recv.Message.Payload)
	if !ok {
		return
	}

	n.mu.Lock()
	ch := n.voteGrantCh
	voteTerm := n.voteTerm
	n.mu.Unlock()

	if ch == nil || term != voteTerm {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// onHeartbeat handles an APPEND_HEARTBEAT from a leader (spec §4.D).
func (n *Node) onHeartbeat(recv wire.Received) {
	term, ok := decodeTerm(recv.Message.Payload)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if term > n.currentTerm {
		n.stepDownLocked(term)
	}
	if term == n.currentTerm {
		n.currentLeaderID = recv.Message.Header.SenderID
		n.role = Follower
		n.resetElectionDeadline()
	}
}

// stepDownLocked adopts a higher term and reverts to FOLLOWER. Caller must
// hold n.mu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	n.role = Follower
	n.currentLeaderID = ""
	telemetry.RaftTerm.Set(float64(term))
	telemetry.RaftIsLeader.Set(0)
}

func encodeTerm(term uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(term >> (8 * i))
	}
	return b
}

func decodeTerm(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	var term uint64
	for i := 0; i < 8; i++ {
		term |= uint64(b[i]) << (8 * i)
	}
	return term, true
}
