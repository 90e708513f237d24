// Package simulated provides an in-process, fault-injecting Transport for
// exercising the distributed mutex protocol under message loss,
// duplication, reordering, and peer disconnection without a real network.
// It is modeled on a gRPC-based fault-injecting test controller, but
// dispatches in-process instead of proxying a stream.
package simulated

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/distcodep7/dmutex/transport"
	"github.com/distcodep7/dmutex/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FaultConfig controls the network's misbehavior. The zero value is a
// perfectly reliable, in-order, unpartitioned network.
type FaultConfig struct {
	// DropProb is the probability, in [0, 1], that any given Send is
	// silently discarded.
	DropProb float64
	// DupeProb is the probability that a Send is additionally delivered a
	// second time.
	DupeProb float64
	// AsyncDuplicate delivers the duplicate on its own goroutine, so it
	// may race ahead of or behind the original.
	AsyncDuplicate bool
	// ReorderProb is the probability that a Send's delivery is deferred
	// by a random delay in [ReorderMinDelay, ReorderMaxDelay], so that it
	// may arrive after messages sent later.
	ReorderProb     float64
	ReorderMinDelay time.Duration
	ReorderMaxDelay time.Duration
}

type node struct {
	onMessage  transport.Handler
	onPeerLost transport.PeerLostHandler
	alive      bool
}

// Network is a registry of in-process peers sharing one simulated wire.
// Safe for concurrent use by multiple mutex.Mutex instances pumped from
// different goroutines, matching the real tcp transport's concurrency
// contract.
type Network struct {
	cfg FaultConfig
	log zerolog.Logger

	mu      sync.Mutex
	nodes   map[string]*node
	blocked map[string]map[string]bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewNetwork constructs a Network. seed makes drop/dupe/reorder decisions
// reproducible across runs of the same test.
func NewNetwork(cfg FaultConfig, seed int64, opts ...Option) *Network {
	n := &Network{
		cfg:     cfg,
		log:     zerolog.Nop(),
		nodes:   make(map[string]*node),
		blocked: make(map[string]map[string]bool),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Option configures a Network.
type Option func(*Network)

// WithLogger attaches a zerolog.Logger for drop/dupe/reorder/partition
// tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Network) { n.log = l }
}

// Transport returns the Transport a peer at addr should be constructed
// with. addr is also the identity other peers use when sending to it.
func (n *Network) Transport(addr string) transport.Transport {
	return &peerTransport{net: n, addr: addr}
}

// KillPeer simulates addr's connection failing: every other registered
// peer receives a peer-lost notification for addr, and addr is removed
// from the network so further sends to or from it fail.
func (n *Network) KillPeer(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.nodes, addr)
	for a, other := range n.nodes {
		if a == addr || other.onPeerLost == nil {
			continue
		}
		other.onPeerLost(addr)
	}
	n.log.Debug().Str("peer", addr).Msg("simulated peer killed")
}

// BlockCommunication drops every message sent from -> to until unblocked.
func (n *Network) BlockCommunication(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked[from] == nil {
		n.blocked[from] = make(map[string]bool)
	}
	n.blocked[from][to] = true
}

// UnblockCommunication reverses a prior BlockCommunication.
func (n *Network) UnblockCommunication(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rules, ok := n.blocked[from]; ok {
		delete(rules, to)
	}
}

// CreatePartition blocks all communication between every member of group1
// and every member of group2, in both directions.
func (n *Network) CreatePartition(group1, group2 []string) {
	for _, a := range group1 {
		for _, b := range group2 {
			n.BlockCommunication(a, b)
			n.BlockCommunication(b, a)
		}
	}
}

func (n *Network) probCheck(p float64) bool {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < p
}

func (n *Network) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n.rngMu.Lock()
	d := min + time.Duration(n.rng.Int63n(int64(max-min)))
	n.rngMu.Unlock()
	return d
}

func (n *Network) isBlocked(from, to string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocked[from] != nil && n.blocked[from][to]
}

func (n *Network) deliver(from, to string, msg wire.Message) {
	n.mu.Lock()
	target, ok := n.nodes[to]
	n.mu.Unlock()
	if !ok || !target.alive {
		return
	}
	target.onMessage(from, msg)
}

// send is where fault injection happens: every message submitted through a
// peerTransport passes through here before reaching its target's Handler.
func (n *Network) send(from, to string, msg wire.Message) error {
	n.mu.Lock()
	_, fromOK := n.nodes[from]
	_, ok := n.nodes[to]
	n.mu.Unlock()
	if !fromOK {
		return fmt.Errorf("simulated: no such peer %s", from)
	}
	if !ok {
		return fmt.Errorf("simulated: no such peer %s", to)
	}
	if n.isBlocked(from, to) {
		n.log.Debug().Str("from", from).Str("to", to).Msg("partitioned; dropping")
		return nil
	}

	traceID := uuid.NewString()

	if n.probCheck(n.cfg.DropProb) {
		n.log.Debug().Str("trace", traceID).Str("from", from).Str("to", to).Msg("dropped")
		return nil
	}

	if n.probCheck(n.cfg.DupeProb) {
		dupe := msg
		if n.cfg.AsyncDuplicate {
			go n.deliver(from, to, dupe)
		} else {
			n.deliver(from, to, dupe)
		}
	}

	if n.probCheck(n.cfg.ReorderProb) {
		d := n.randDuration(n.cfg.ReorderMinDelay, n.cfg.ReorderMaxDelay)
		go func() {
			time.Sleep(d)
			n.deliver(from, to, msg)
		}()
		return nil
	}

	n.deliver(from, to, msg)
	return nil
}

type peerTransport struct {
	net  *Network
	addr string
}

func (t *peerTransport) Send(peerAddr string, msg wire.Message) error {
	return t.net.send(t.addr, peerAddr, msg)
}

// RegisterHandler ignores the mutex name: each address has one handler pair,
// the most recently registered, and every message sent to that address
// reaches it whatever mutex name the message carries.
func (t *peerTransport) RegisterHandler(_ string, onMessage transport.Handler, onPeerLost transport.PeerLostHandler) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.nodes[t.addr] = &node{onMessage: onMessage, onPeerLost: onPeerLost, alive: true}
}
