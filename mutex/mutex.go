// Package mutex implements the distributed mutual-exclusion state machine
// and peer-to-peer arbitration protocol: local state transitions, the
// request/grant/deny/release messages, deterministic conflict resolution
// under simultaneous requests, and peer-loss handling. Transport, name
// resolution, and the pump clock are all injected (spec.md §1).
package mutex

import (
	"github.com/distcodep7/dmutex/transport"
	"github.com/distcodep7/dmutex/wire"
	"github.com/rs/zerolog"
)

const defaultInboundBuffer = 256

// inboundEvent is what a transport handler goroutine hands off to Pump. It
// is never processed outside of Pump, so Mutex's own state is only ever
// touched by whichever single goroutine calls Pump/Request/Release/AddPeer.
type inboundEvent struct {
	fromAddr string
	msg      wire.Message
	peerLost bool
}

// Mutex is one peer's local representative of the distributed lock. It is
// not safe for concurrent use: spec.md §5 models it as single-threaded
// cooperative, owned exclusively by whichever goroutine drives it.
type Mutex struct {
	name string
	self Identity

	transport transport.Transport

	state  State
	peers  peerTable
	holder *Identity

	inbound chan inboundEvent
	pending []eventKind

	granted    callbackList
	denied     callbackList
	released   callbackList
	holderLost callbackList

	log     zerolog.Logger
	metrics Metrics
}

// Option configures optional behavior of New/NewSharing.
type Option func(*Mutex)

// WithLogger attaches a zerolog.Logger. The core logs a Release discarded
// outside HeldRemotely and failed sends at debug level, and an identity
// collision during tiebreak, an unknown message type, and a full inbound
// buffer at warn level; ordinary tiebreak outcomes and discarded Grant/Deny
// messages are not logged. The default is a disabled logger, so the core is
// silent unless a caller opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mutex) { m.log = l }
}

// WithMetrics attaches a Metrics recorder. The default is NoopMetrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Mutex) { m.metrics = metrics }
}

// New constructs a Mutex instance named name, with the given identity and
// transport, and an initially empty peer table. Peers must be added with
// AddPeer before use.
func New(name string, self Identity, t transport.Transport, opts ...Option) (*Mutex, error) {
	if self == (Identity{}) {
		return nil, ErrMissingIdentity
	}

	m := &Mutex{
		name:      name,
		self:      self,
		transport: t,
		state:     Available,
		inbound:   make(chan inboundEvent, defaultInboundBuffer),
		log:       zerolog.Nop(),
		metrics:   NoopMetrics,
	}
	for _, opt := range opts {
		opt(m)
	}

	t.RegisterHandler(name, m.onTransportMessage, m.onTransportPeerLost)
	m.metrics.SetPeerCount(m.name, 0)
	return m, nil
}

// NewSharing constructs a Mutex instance reusing a transport a host already
// set up for some other purpose (e.g. its own server connection), the way
// the original source's "reuse" constructor shares a server's connection.
// Unlike the original, which derived identity from the host's default
// address and biased the tiebreak, this always requires an explicit
// identity (spec.md §9, first open question).
func NewSharing(name string, self Identity, t transport.Transport, opts ...Option) (*Mutex, error) {
	return New(name, self, t, opts...)
}

// onTransportMessage is the Handler this Mutex registered with its
// transport. It must never block: a full inbound buffer means the message
// is dropped and logged, matching dsnet/handler.go's "inbox full; dropping
// message" behavior for the equivalent situation.
func (m *Mutex) onTransportMessage(fromAddr string, msg wire.Message) {
	select {
	case m.inbound <- inboundEvent{fromAddr: fromAddr, msg: msg}:
	default:
		m.log.Warn().Str("mutex", m.name).Str("peer", fromAddr).
			Msg("inbound buffer full; dropping message")
	}
}

func (m *Mutex) onTransportPeerLost(peerAddr string) {
	select {
	case m.inbound <- inboundEvent{fromAddr: peerAddr, peerLost: true}:
	default:
		m.log.Warn().Str("mutex", m.name).Str("peer", peerAddr).
			Msg("inbound buffer full; dropping peer-lost notification")
	}
}

// Request asks for the lock. If Available, it transitions to Requesting
// and broadcasts a Request to every peer, then immediately re-checks
// whether every peer has already granted — trivially true with zero peers
// (spec.md §8 invariant 5), so a lone instance is granted on the spot
// rather than waiting forever for a Grant that will never arrive.
// Otherwise it schedules a DENIED callback — "you can't have it right
// now" — to fire on the next Pump. Non-blocking: effects are observable
// after Pump is next called.
func (m *Mutex) Request() {
	if m.state != Available {
		m.schedule(eventDenied)
		return
	}

	m.state = Requesting
	m.peers.clearGrants()
	m.metrics.SetRequesting(m.name, true)

	for _, p := range m.peers.entries {
		m.send(p.addr, wire.NewRequest(m.name, m.self))
	}

	if m.peers.grantCount() == m.peers.len() {
		m.state = Ours
		m.metrics.SetRequesting(m.name, false)
		m.schedule(eventGranted)
	}
}

// Release gives up the lock. If Ours, it transitions to Available and
// broadcasts a Release. If Requesting, it cancels the pending request
// (transitioning to Available and scheduling DENIED; peers will deny or
// grant harmlessly). Otherwise it is a no-op.
func (m *Mutex) Release() {
	switch m.state {
	case Ours:
		m.state = Available
		for _, p := range m.peers.entries {
			m.send(p.addr, wire.NewRelease(m.name, m.self))
		}
		m.schedule(eventReleased)
	case Requesting:
		m.state = Available
		m.metrics.SetRequesting(m.name, false)
		m.schedule(eventDenied)
	}
}

// AddPeer resolves addr ("host:port") and appends it to the peer table.
// Only allowed while Available (spec.md §9, second open question): the
// original source documents "breaks" if a peer is added while the lock is
// held or contested, so this refuses instead.
func (m *Mutex) AddPeer(addr string) error {
	if m.state != Available {
		return ErrPeerTableLocked
	}

	id, err := ParseIdentity(addr)
	if err != nil {
		return err
	}
	if id.Equal(m.self) {
		return ErrIdentityCollision
	}
	if m.peers.indexByIdentity(id) >= 0 {
		return ErrDuplicatePeer
	}

	m.peers.add(addr, id)
	m.metrics.SetPeerCount(m.name, m.peers.len())
	return nil
}

// Pump drains whatever inbound messages and peer-lost notifications have
// arrived, dispatches each in arrival order, and then fires any callbacks
// scheduled by this pass — never inside Request/Release/AddPeer, and never
// interleaved with dispatch, so user hooks never see a half-transitioned
// instance (spec.md §4.4, §4.5). It is a no-op if nothing is pending.
func (m *Mutex) Pump() {
	for {
		select {
		case ev := <-m.inbound:
			if ev.peerLost {
				m.handlePeerLost(ev.fromAddr)
			} else {
				m.handleMessage(ev.msg, ev.fromAddr)
			}
		default:
			m.fireScheduled()
			return
		}
	}
}

func (m *Mutex) schedule(kind eventKind) {
	m.pending = append(m.pending, kind)
}

func (m *Mutex) fireScheduled() {
	pending := m.pending
	m.pending = nil
	for _, kind := range pending {
		switch kind {
		case eventGranted:
			m.metrics.IncGrant(m.name)
			m.granted.fire()
		case eventDenied:
			m.metrics.IncDenial(m.name)
			m.denied.fire()
		case eventReleased:
			m.metrics.IncRelease(m.name)
			m.released.fire()
		case eventHolderLost:
			m.metrics.IncHolderLost(m.name)
			m.holderLost.fire()
		}
	}
}

func (m *Mutex) send(peerAddr string, msg wire.Message) {
	if err := m.transport.Send(peerAddr, msg); err != nil {
		m.log.Debug().Err(err).Str("mutex", m.name).Str("peer", peerAddr).
			Str("type", msg.Type.String()).Msg("send failed")
	}
}

// OnGranted registers fn to fire whenever this instance's request is
// granted (state becomes Ours). Registration order is fire order.
func (m *Mutex) OnGranted(fn func()) { m.granted.register(fn) }

// OnDenied registers fn to fire whenever this instance's request is denied
// or cancelled.
func (m *Mutex) OnDenied(fn func()) { m.denied.register(fn) }

// OnReleased registers fn to fire whenever the lock becomes Available
// again, whether by our own Release or an inbound Release from the holder.
func (m *Mutex) OnReleased(fn func()) { m.released.register(fn) }

// OnHolderLost registers fn to fire when the peer we granted the lock to
// disconnects mid-hold (spec.md §9, third open question). This instance
// returns to Available, but the global lock is not actually free: the
// vanished holder never released it, so OnHolderLost is distinct from
// OnReleased precisely so callers can tell the two apart.
func (m *Mutex) OnHolderLost(fn func()) { m.holderLost.register(fn) }

// IsAvailable reports whether the lock is known to be free.
func (m *Mutex) IsAvailable() bool { return m.state == Available }

// IsHeldLocally reports whether this instance holds the lock.
func (m *Mutex) IsHeldLocally() bool { return m.state == Ours }

// IsHeldRemotely reports whether this instance has granted the lock to a
// peer and is awaiting its release.
func (m *Mutex) IsHeldRemotely() bool { return m.state == HeldRemotely }

// State returns the current state.
func (m *Mutex) State() State { return m.state }

// PeerCount returns the number of peers in the table.
func (m *Mutex) PeerCount() int { return m.peers.len() }

// Identity returns this instance's own identity tuple.
func (m *Mutex) Identity() Identity { return m.self }

// Name returns the mutex's name tag.
func (m *Mutex) Name() string { return m.name }
