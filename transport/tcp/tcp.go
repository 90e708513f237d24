// Package tcp implements a production transport.Transport over raw TCP
// sockets, the same primitive the original VRPN mutex was built on
// (vrpn_Connection), generalized to arbitrary "host:port" peer addresses
// and framed with the wire package's self-delimiting codec. One socket is
// shared by every mutex name registered on a Transport, the way dsnet's
// Node multiplexes many message types over one gRPC stream.
package tcp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/distcodep7/dmutex/transport"
	"github.com/distcodep7/dmutex/wire"
	"github.com/rs/zerolog"
)

const maxHandshakeLen = 255

type registeredHandler struct {
	onMessage  transport.Handler
	onPeerLost transport.PeerLostHandler
}

type peerConn struct {
	addr string
	conn net.Conn
	w    *bufio.Writer
	wMu  sync.Mutex
}

// Transport is a transport.Transport backed by long-lived TCP connections,
// one per peer, dialed explicitly with Connect and announced to accepting
// peers with a one-time handshake frame carrying the dialer's own address.
type Transport struct {
	selfAddr string
	log      zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]*peerConn
	handlers map[string]registeredHandler
	closed   bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger attaches a zerolog.Logger for connection lifecycle tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Listen starts accepting connections on selfAddr. The transport announces
// the listener's bound address (see Addr) to peers it dials out to; that
// must be the same string remote peers pass to their own AddPeer/Connect
// calls for this instance, so inbound connections can be correlated by that
// address rather than by the ephemeral source port the OS assigns the dial.
func Listen(selfAddr string, opts ...Option) (*Transport, error) {
	ln, err := net.Listen("tcp", selfAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen on %s: %w", selfAddr, err)
	}

	t := &Transport{
		// Use the listener's actual bound address, not the caller's
		// request, so a ":0" ephemeral port resolves to the real one
		// before it is ever announced to a dialed peer.
		selfAddr: ln.Addr().String(),
		log:      zerolog.Nop(),
		ln:       ln,
		conns:    make(map[string]*peerConn),
		handlers: make(map[string]registeredHandler),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the address this transport listens on and announces to
// peers it dials, resolved to its actual bound form (useful when Listen
// was given a ":0" ephemeral port).
func (t *Transport) Addr() string {
	return t.selfAddr
}

// RegisterHandler installs the handlers a mutex named mutexName uses to
// receive messages and peer-lost notifications. Peer loss is not specific
// to one mutex name: every registered name's onPeerLost fires when a
// shared connection drops.
func (t *Transport) RegisterHandler(mutexName string, onMessage transport.Handler, onPeerLost transport.PeerLostHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mutexName] = registeredHandler{onMessage: onMessage, onPeerLost: onPeerLost}
}

// Connect dials peerAddr and registers the resulting connection, sending a
// handshake frame so the remote side learns our own announce address.
// Calling Connect for an address that is already connected is a no-op.
func (t *Transport) Connect(peerAddr string) error {
	t.mu.Lock()
	if _, ok := t.conns[peerAddr]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", peerAddr)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", peerAddr, err)
	}
	if err := writeHandshake(conn, t.selfAddr); err != nil {
		conn.Close()
		return fmt.Errorf("tcp: handshake to %s: %w", peerAddr, err)
	}

	t.registerConn(peerAddr, conn)
	return nil
}

// Send delivers msg over the connection registered for peerAddr. Connect
// must have succeeded, or a prior inbound connection must have announced
// peerAddr, before Send can be used.
func (t *Transport) Send(peerAddr string, msg wire.Message) error {
	t.mu.Lock()
	pc, ok := t.conns[peerAddr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp: not connected to %s", peerAddr)
	}

	pc.wMu.Lock()
	defer pc.wMu.Unlock()
	if err := wire.Encode(pc.w, msg); err != nil {
		return fmt.Errorf("tcp: encode to %s: %w", peerAddr, err)
	}
	return pc.w.Flush()
}

// Close shuts down the listener and every connection, and waits for all
// reader goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	err := t.ln.Close()
	for _, pc := range conns {
		pc.conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		addr, err := readHandshake(conn)
		if err != nil {
			t.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
			conn.Close()
			continue
		}

		t.mu.Lock()
		if _, exists := t.conns[addr]; exists {
			t.mu.Unlock()
			t.log.Debug().Str("peer", addr).Msg("duplicate inbound connection; keeping existing")
			conn.Close()
			continue
		}
		t.mu.Unlock()

		t.registerConn(addr, conn)
	}
}

func (t *Transport) registerConn(addr string, conn net.Conn) {
	pc := &peerConn{addr: addr, conn: conn, w: bufio.NewWriter(conn)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[addr] = pc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(pc)
}

func (t *Transport) readLoop(pc *peerConn) {
	defer t.wg.Done()
	r := bufio.NewReader(pc.conn)

	for {
		msg, err := wire.Decode(r)
		if err != nil {
			t.handleDisconnect(pc, err)
			return
		}

		t.mu.Lock()
		h, ok := t.handlers[msg.MutexName]
		t.mu.Unlock()
		if !ok {
			t.log.Debug().Str("mutex", msg.MutexName).Str("peer", pc.addr).
				Msg("message names an unregistered mutex; discarding")
			continue
		}
		h.onMessage(pc.addr, msg)
	}
}

func (t *Transport) handleDisconnect(pc *peerConn, err error) {
	t.mu.Lock()
	if t.conns[pc.addr] == pc {
		delete(t.conns, pc.addr)
	}
	handlers := make([]registeredHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	closed := t.closed
	t.mu.Unlock()

	pc.conn.Close()

	if err != io.EOF {
		t.log.Debug().Err(err).Str("peer", pc.addr).Msg("connection read failed")
	}
	if closed {
		return
	}
	for _, h := range handlers {
		if h.onPeerLost != nil {
			h.onPeerLost(pc.addr)
		}
	}
}

// writeHandshake announces selfAddr as a one-byte-length-prefixed string,
// ahead of any wire.Message frames on the same connection.
func writeHandshake(w io.Writer, selfAddr string) error {
	if len(selfAddr) > maxHandshakeLen {
		return fmt.Errorf("tcp: announce address %q too long", selfAddr)
	}
	buf := make([]byte, 1+len(selfAddr))
	buf[0] = byte(len(selfAddr))
	copy(buf[1:], selfAddr)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (string, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int(lenBuf[0])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
