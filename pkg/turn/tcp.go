package turn

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/stun"
)

// TCPClient is the TCP variant of the TURN transport:
// a single socket reused for all TURN traffic to a server, reconnected
// when the peer endpoint the caller wants to talk to changes, with a
// background receive loop that is re-armed if it is found idle. It
// writes caller-built STUN/TURN messages (Send) and hands inbound Data
// indications to OnData; it does not run the Allocate, authentication
// or CreatePermission exchanges itself, and each Read is decoded as one
// whole message, with no TCP stream framing.
type TCPClient struct {
	server *IceServer
	creds  Credentials
	log    *logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected netip.AddrPort
	lastRecv  time.Time

	OnData func(peer netip.AddrPort, payload []byte)
}

// NewTCPClient builds a TCPClient targeting serverEP.
func NewTCPClient(serverURI string, serverEP netip.AddrPort, creds Credentials, log *logger.Logger) *TCPClient {
	if log == nil {
		log = logger.Default()
	}
	return &TCPClient{
		server: &IceServer{URI: serverURI, Transport: "tcp", ServerEP: serverEP, state: StateIdle, realm: creds.Realm},
		creds:  creds,
		log:    log,
	}
}

// ensureConnected reuses the existing socket if it already targets
// peer; otherwise it disconnects and reconnects to the new one.
func (t *TCPClient) ensureConnected(peer netip.AddrPort) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.connected == peer {
		return t.conn, nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	conn, err := net.DialTimeout("tcp", peer.String(), defaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("turn: tcp dial %s: %w", peer, err)
	}
	t.conn = conn
	t.connected = peer
	go t.receiveLoop(conn)
	return conn, nil
}

// receiveLoop runs for the lifetime of one TCP connection, tracking
// lastRecv so Send can detect an idle loop and re-arm by reconnecting.
func (t *TCPClient) receiveLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.log.DebugTURN("tcp receive loop ended", "error", err)
			return
		}
		t.mu.Lock()
		t.lastRecv = time.Now()
		t.mu.Unlock()

		msg, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}
		if msg.Type.Method() == stun.MethodData && msg.Type.Class() == stun.ClassIndication {
			t.dispatchData(msg)
		}
	}
}

func (t *TCPClient) dispatchData(msg *stun.Message) {
	peerAttr, ok := msg.Get(stun.AttrXORPeerAddress)
	if !ok {
		return
	}
	addr, port, err := stun.DecodeXORAddress(peerAttr.Value, msg.TransactionID)
	if err != nil {
		return
	}
	dataAttr, ok := msg.Get(stun.AttrData)
	if !ok {
		return
	}
	if t.OnData != nil {
		t.OnData(netip.AddrPortFrom(addr, port), dataAttr.Value)
	}
}

// Send writes a fully-built STUN/TURN message to peer, reconnecting
// first if necessary and re-arming the receive loop if it has gone
// idle (no bytes received in twice the request timeout).
func (t *TCPClient) Send(peer netip.AddrPort, raw []byte) error {
	conn, err := t.ensureConnected(peer)
	if err != nil {
		return err
	}

	t.mu.Lock()
	idle := !t.lastRecv.IsZero() && time.Since(t.lastRecv) > 2*defaultRequestTimeout
	t.mu.Unlock()
	if idle {
		t.log.DebugTURN("tcp receive loop idle, re-arming", "peer", peer)
		t.mu.Lock()
		t.conn.Close()
		t.conn = nil
		t.mu.Unlock()
		conn, err = t.ensureConnected(peer)
		if err != nil {
			return err
		}
	}

	_, err = conn.Write(raw)
	return err
}

func (t *TCPClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
