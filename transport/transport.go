// Package transport defines the capability a Mutex instance is given to
// talk to its peers. Per the design note in spec.md §9, the core treats
// transport as an injected object providing send and handler registration;
// it knows nothing about connections, retries, or addressing.
package transport

import "github.com/distcodep7/dmutex/wire"

// Handler receives one inbound wire.Message, in arrival order, for the
// mutex name it was registered under. fromAddr is the "host:port" address
// of the peer connection the message arrived on (not necessarily equal to
// the identity tuple embedded in the message, which is what the protocol
// itself reasons about).
type Handler func(fromAddr string, msg wire.Message)

// PeerLostHandler is invoked once when a peer's connection terminates.
type PeerLostHandler func(peerAddr string)

// Transport is the capability consumed by mutex.Mutex. Implementations must
// preserve FIFO delivery order per peer; ordering across different peers is
// not required and the protocol does not depend on it.
type Transport interface {
	// Send delivers msg to the peer at peerAddr. Errors are transport
	// failures (e.g. no such peer registered); they do not represent
	// protocol-level denial or loss.
	Send(peerAddr string, msg wire.Message) error

	// RegisterHandler installs the callbacks a mutex named mutexName uses
	// to receive inbound messages and peer-lost notifications. Messages
	// tagged with an unknown mutex name are discarded by the transport
	// before reaching any Handler (spec.md §6: "Messages naming an unknown
	// mutex are discarded").
	RegisterHandler(mutexName string, onMessage Handler, onPeerLost PeerLostHandler)
}
