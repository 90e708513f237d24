package mutex

// peerEntry is one row of the peer table (spec.md §3's "peer record"):
// an address to send to, the resolved identity used for tiebreaking and
// grant matching, and whether this peer has granted the current request.
type peerEntry struct {
	addr    string
	id      Identity
	granted bool
}

// peerTable is the append-only (while a lock is live) list of peers. It is
// never accessed concurrently: like the rest of Mutex, it is owned by
// whichever single goroutine calls Request/Release/AddPeer/Pump.
type peerTable struct {
	entries []peerEntry
}

func (t *peerTable) indexByIdentity(id Identity) int {
	for i, e := range t.entries {
		if e.id.Equal(id) {
			return i
		}
	}
	return -1
}

func (t *peerTable) indexByAddr(addr string) int {
	for i, e := range t.entries {
		if e.addr == addr {
			return i
		}
	}
	return -1
}

func (t *peerTable) add(addr string, id Identity) {
	t.entries = append(t.entries, peerEntry{addr: addr, id: id})
}

// remove drops the peer at index i, used only by the peer-lost handling in
// spec.md §4.1 — never by ordinary operation while a lock is contested.
func (t *peerTable) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

func (t *peerTable) len() int {
	return len(t.entries)
}

// clearGrants resets every peer's granted flag to false, at the start of
// each new REQUESTING episode (spec.md §3 invariant 5).
func (t *peerTable) clearGrants() {
	for i := range t.entries {
		t.entries[i].granted = false
	}
}

// grantCount returns how many peers have granted the current request.
func (t *peerTable) grantCount() int {
	n := 0
	for _, e := range t.entries {
		if e.granted {
			n++
		}
	}
	return n
}
