package mutex_test

import (
	"testing"

	"github.com/distcodep7/dmutex/mutex"
	"github.com/distcodep7/dmutex/transport/simulated"
)

// newTestNetwork returns a reliable (fault-free) simulated network. Tests
// that want to exercise loss/duplication/reordering build their own
// simulated.Network with a non-zero FaultConfig instead.
func newTestNetwork() *simulated.Network {
	return simulated.NewNetwork(simulated.FaultConfig{}, 1)
}

func mustIdentity(t *testing.T, addr string) mutex.Identity {
	t.Helper()
	id, err := mutex.ParseIdentity(addr)
	if err != nil {
		t.Fatalf("ParseIdentity(%q): %v", addr, err)
	}
	return id
}

func newPeer(t *testing.T, net *simulated.Network, addr string) *mutex.Mutex {
	t.Helper()
	id := mustIdentity(t, addr)
	m, err := mutex.New("test-lock", id, net.Transport(addr))
	if err != nil {
		t.Fatalf("New(%q): %v", addr, err)
	}
	return m
}

func pumpAll(ms ...*mutex.Mutex) {
	// A handful of rounds is enough for any message chain this protocol
	// produces: request -> grant/deny -> (at most one further deny, for
	// the tiebreak loser's cancellation signal).
	for round := 0; round < 4; round++ {
		for _, m := range ms {
			m.Pump()
		}
	}
}

func TestSinglePeerSelfGrant(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")

	var granted, released int
	a.OnGranted(func() { granted++ })
	a.OnReleased(func() { released++ })

	a.Request()
	a.Pump()

	if !a.IsHeldLocally() {
		t.Fatalf("expected Ours, got %s", a.State())
	}
	if granted != 1 {
		t.Fatalf("expected 1 granted callback, got %d", granted)
	}

	a.Release()
	a.Pump()

	if !a.IsAvailable() {
		t.Fatalf("expected Available after release, got %s", a.State())
	}
	if released != 1 {
		t.Fatalf("expected 1 released callback, got %d", released)
	}
}

func TestTwoPeersUncontested(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")
	b := newPeer(t, net, "5.6.7.8:200")
	if err := a.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer("1.2.3.4:100"); err != nil {
		t.Fatal(err)
	}

	var bReleased int
	b.OnReleased(func() { bReleased++ })

	a.Request()
	pumpAll(a, b)

	if !a.IsHeldLocally() {
		t.Fatalf("expected A Ours, got %s", a.State())
	}
	if !b.IsHeldRemotely() {
		t.Fatalf("expected B HeldRemotely, got %s", b.State())
	}

	a.Release()
	pumpAll(a, b)

	if !a.IsAvailable() || !b.IsAvailable() {
		t.Fatalf("expected both Available, got A=%s B=%s", a.State(), b.State())
	}
	if bReleased != 1 {
		t.Fatalf("expected B's released callback once, got %d", bReleased)
	}
}

func TestSimultaneousContentionLowerIdentityWins(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100") // smaller tuple
	b := newPeer(t, net, "5.6.7.8:200")
	if err := a.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer("1.2.3.4:100"); err != nil {
		t.Fatal(err)
	}

	var aDenied, bDenied int
	a.OnDenied(func() { aDenied++ })
	b.OnDenied(func() { bDenied++ })

	a.Request()
	b.Request()
	pumpAll(a, b)

	if !a.IsHeldLocally() {
		t.Fatalf("expected A (smaller tuple) to win, A=%s B=%s", a.State(), b.State())
	}
	if !b.IsAvailable() {
		t.Fatalf("expected B Available after losing, got %s", b.State())
	}
	if bDenied == 0 {
		t.Fatal("expected B's denied callback to fire")
	}
	if aDenied != 0 {
		t.Fatal("A should not see a denied callback; it won")
	}
}

func TestSimultaneousContentionIdentitiesSwapped(t *testing.T) {
	net := newTestNetwork()
	// Same scenario, identities swapped: B now has the smaller tuple.
	a := newPeer(t, net, "5.6.7.8:200")
	b := newPeer(t, net, "1.2.3.4:100")
	if err := a.AddPeer("1.2.3.4:100"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}

	a.Request()
	b.Request()
	pumpAll(a, b)

	if !b.IsHeldLocally() {
		t.Fatalf("expected B (smaller tuple) to win, A=%s B=%s", a.State(), b.State())
	}
	if !a.IsAvailable() {
		t.Fatalf("expected A Available after losing, got %s", a.State())
	}
}

func TestCancelDuringRequesting(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")
	b := newPeer(t, net, "5.6.7.8:200")
	if err := a.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer("1.2.3.4:100"); err != nil {
		t.Fatal(err)
	}

	var granted int
	a.OnGranted(func() { granted++ })

	a.Request()
	a.Release() // cancel before any pump sees a response
	pumpAll(a, b)

	if !a.IsAvailable() {
		t.Fatalf("expected A Available after cancel, got %s", a.State())
	}
	if granted != 0 {
		t.Fatal("a cancelled request must never fire granted")
	}
}

func TestPeerLossWhileHolder(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")
	b := newPeer(t, net, "5.6.7.8:200")
	if err := a.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer("1.2.3.4:100"); err != nil {
		t.Fatal(err)
	}

	var holderLost, released int
	b.OnHolderLost(func() { holderLost++ })
	b.OnReleased(func() { released++ })

	a.Request()
	pumpAll(a, b)
	if !a.IsHeldLocally() || !b.IsHeldRemotely() {
		t.Fatalf("setup failed: A=%s B=%s", a.State(), b.State())
	}

	net.KillPeer("1.2.3.4:100")
	b.Pump()

	if !b.IsAvailable() {
		t.Fatalf("expected B Available after holder lost, got %s", b.State())
	}
	if holderLost != 1 {
		t.Fatalf("expected 1 holder-lost callback, got %d", holderLost)
	}
	if released != 0 {
		t.Fatal("holder loss must fire OnHolderLost, not OnReleased")
	}
	if !a.IsHeldLocally() {
		t.Fatal("A's own view must be unaffected by B losing the connection")
	}
}

func TestAddPeerRejectedUnlessAvailable(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")

	a.Request()
	a.Pump() // no peers, so A is immediately Ours

	if err := a.AddPeer("5.6.7.8:200"); err != mutex.ErrPeerTableLocked {
		t.Fatalf("expected ErrPeerTableLocked while Ours, got %v", err)
	}
}

func TestAddPeerRejectsDuplicate(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")

	if err := a.AddPeer("5.6.7.8:200"); err != nil {
		t.Fatal(err)
	}
	if err := a.AddPeer("5.6.7.8:200"); err == nil {
		t.Fatal("expected an error adding the same peer twice")
	}
}

func TestAddPeerRejectsOwnIdentity(t *testing.T) {
	net := newTestNetwork()
	a := newPeer(t, net, "1.2.3.4:100")

	if err := a.AddPeer("1.2.3.4:100"); err != mutex.ErrIdentityCollision {
		t.Fatalf("expected ErrIdentityCollision, got %v", err)
	}
}

func TestNewRejectsZeroIdentity(t *testing.T) {
	net := newTestNetwork()
	_, err := mutex.New("test-lock", mutex.Identity{}, net.Transport("0.0.0.0:0"))
	if err != mutex.ErrMissingIdentity {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}
