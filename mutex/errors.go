package mutex

import "errors"

// Configuration errors (spec.md §7): reported synchronously to the caller
// of the offending operation, never deferred to a callback.
var (
	// ErrIdentityCollision is returned by AddPeer when the peer's resolved
	// identity tuple is identical to this instance's own identity.
	ErrIdentityCollision = errors.New("mutex: peer identity collides with own identity")

	// ErrDuplicatePeer is returned by AddPeer when a peer with the same
	// resolved identity tuple has already been added.
	ErrDuplicatePeer = errors.New("mutex: peer already added")

	// ErrUnresolvedPeerAddress is returned by AddPeer when the "host:port"
	// string cannot be parsed or the host cannot be resolved to an IPv4
	// address.
	ErrUnresolvedPeerAddress = errors.New("mutex: could not resolve peer address")

	// ErrPeerTableLocked is returned by AddPeer when the instance is not
	// Available. spec.md §9 documents the source's behavior here as
	// undefined ("breaks"); this implementation refuses instead.
	ErrPeerTableLocked = errors.New("mutex: add_peer is only allowed while Available")

	// ErrMissingIdentity is returned by New/NewSharing when the caller
	// supplies the zero Identity, which would bias the tiebreak in a way
	// indistinguishable from a real low-valued address. spec.md §9's first
	// open question: an explicit identity is always required.
	ErrMissingIdentity = errors.New("mutex: an explicit identity is required")
)
