package mutex

import "github.com/distcodep7/dmutex/wire"

// handleMessage dispatches one inbound wire.Message to the handler for its
// type, per spec.md §4.1. fromAddr is the transport-level address the
// message arrived on, used to resolve which peerTable row sent it; message
// payloads never carry the sender's transport address, only its identity.
func (m *Mutex) handleMessage(msg wire.Message, fromAddr string) {
	switch msg.Type {
	case wire.Request:
		m.onRequest(msg.Sender, fromAddr)
	case wire.Grant:
		m.onGrant(msg.Target, fromAddr)
	case wire.Deny:
		m.onDeny(msg.Target, fromAddr)
	case wire.Release:
		m.onRelease(fromAddr)
	default:
		m.log.Warn().Str("mutex", m.name).Str("peer", fromAddr).
			Int("type", int(msg.Type)).Msg("unknown message type")
	}
}

// onRequest handles an inbound Request from sender, arriving from fromAddr.
func (m *Mutex) onRequest(sender Identity, fromAddr string) {
	switch m.state {
	case Available:
		m.state = HeldRemotely
		m.holder = &sender
		m.send(fromAddr, wire.NewGrant(m.name, sender))

	case HeldRemotely, Ours:
		m.send(fromAddr, wire.NewDeny(m.name, sender))

	case Requesting:
		m.resolveTiebreak(sender, fromAddr)
	}
}

// resolveTiebreak decides who wins a simultaneous request: the peer with
// the strictly smaller identity tuple (spec.md §4.1's rationale for a
// deterministic total order). Identity ties are a configuration error —
// two peers sharing one (ip, port) — and are resolved in our own favor
// with a logged warning rather than left undefined.
func (m *Mutex) resolveTiebreak(sender Identity, fromAddr string) {
	switch {
	case sender.Equal(m.self):
		m.log.Warn().Str("mutex", m.name).Str("peer", fromAddr).
			Msg("identity collision with remote peer during tiebreak; denying")
		m.metrics.IncTiebreak(m.name, true)
		m.send(fromAddr, wire.NewDeny(m.name, sender))

	case sender.Less(m.self):
		m.metrics.IncTiebreak(m.name, false)
		m.metrics.SetRequesting(m.name, false)
		m.state = HeldRemotely
		m.holder = &sender
		m.send(fromAddr, wire.NewGrant(m.name, sender))
		m.schedule(eventDenied)

	default:
		m.metrics.IncTiebreak(m.name, true)
		m.send(fromAddr, wire.NewDeny(m.name, sender))
	}
}

// onGrant handles an inbound Grant addressed to target.
func (m *Mutex) onGrant(target Identity, fromAddr string) {
	if !target.Equal(m.self) || m.state != Requesting {
		return
	}

	i := m.peers.indexByAddr(fromAddr)
	if i < 0 {
		return
	}
	if m.peers.entries[i].granted {
		return
	}
	m.peers.entries[i].granted = true

	if m.peers.grantCount() == m.peers.len() {
		m.state = Ours
		m.metrics.SetRequesting(m.name, false)
		m.schedule(eventGranted)
	}
}

// onDeny handles an inbound Deny addressed to target.
func (m *Mutex) onDeny(target Identity, fromAddr string) {
	if !target.Equal(m.self) || m.state != Requesting {
		return
	}

	m.state = Available
	m.metrics.SetRequesting(m.name, false)
	m.schedule(eventDenied)
}

// onRelease handles an inbound Release from fromAddr.
func (m *Mutex) onRelease(fromAddr string) {
	if m.state != HeldRemotely {
		m.log.Debug().Str("mutex", m.name).Str("peer", fromAddr).
			Msg("release received outside held-remotely state; discarding")
		return
	}

	m.holder = nil
	m.state = Available
	m.schedule(eventReleased)
}

// handlePeerLost processes a transport-reported disconnection of the peer
// at peerAddr, per spec.md §4.1's peer-lost rules. The peer row is dropped
// from the table in every case, since it is no longer reachable.
func (m *Mutex) handlePeerLost(peerAddr string) {
	i := m.peers.indexByAddr(peerAddr)
	if i < 0 {
		return
	}
	lost := m.peers.entries[i].id

	switch m.state {
	case Requesting:
		m.state = Available
		m.metrics.SetRequesting(m.name, false)
		m.schedule(eventDenied)

	case HeldRemotely:
		if m.holder != nil && m.holder.Equal(lost) {
			m.holder = nil
			m.state = Available
			m.schedule(eventHolderLost)
		}

	case Ours:
		// No state change: a granting peer going away doesn't un-grant us.

	case Available:
		// Nothing to do beyond removing the row below.
	}

	m.peers.remove(i)
	m.metrics.SetPeerCount(m.name, m.peers.len())
}
