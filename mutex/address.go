package mutex

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/distcodep7/dmutex/wire"
)

// Identity is a peer's coordination address, used only for deterministic
// tiebreaking (spec.md §3). It is the same shape the wire protocol uses.
type Identity = wire.Identity

// ParseIdentity resolves a "host:port" address string into an Identity.
// spec.md §6: "host resolves to an IPv4 address"; §4.2 assigns this
// parsing to the peer table component. Exported so callers constructing a
// Mutex (which must supply its own identity explicitly) can derive one
// from the same address they pass to their transport's listener.
func ParseIdentity(addr string) (Identity, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Identity{}, ErrUnresolvedPeerAddress
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Identity{}, ErrUnresolvedPeerAddress
	}

	ipAddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return Identity{}, ErrUnresolvedPeerAddress
	}
	ip4 := ipAddr.IP.To4()
	if ip4 == nil {
		return Identity{}, ErrUnresolvedPeerAddress
	}

	return Identity{
		IP:   binary.BigEndian.Uint32(ip4),
		Port: uint16(port),
	}, nil
}
