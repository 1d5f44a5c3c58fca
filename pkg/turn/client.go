// Package turn implements the TURN (RFC 5766) client allocation
// lifecycle this module needs: Allocate, authenticated retry on
// 401/438, CreatePermission, Refresh, and Send/Data indications, plus
// a TCP variant of the same transport. The state machine:
//
//	Idle --Allocate--> AwaitAllocate --401/438--> AuthedAllocate --> Allocated --refresh--> Allocated
//	          |                           |                            |
//	          +--other error--> Failed    +--other--> Failed           +--lifetime=0--> Released
package turn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/stun"
	"github.com/ethan/rtcore/pkg/wire"
)

// State is the allocation lifecycle state of one IceServer.
type State int

const (
	StateIdle State = iota
	StateAwaitAllocate
	StateAuthedAllocate
	StateAllocated
	StateFailed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitAllocate:
		return "await-allocate"
	case StateAuthedAllocate:
		return "authed-allocate"
	case StateAllocated:
		return "allocated"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

const (
	// maxRequests bounds retransmit attempts for get_relay_endpoint
	// polling.
	maxRequests = 7
	// retransmitFloor is the minimum spacing between retransmits when
	// no response has arrived since the last request.
	retransmitFloor = 500 * time.Millisecond
	// allocationLifetime is the LIFETIME value requested on
	// Allocate/Refresh.
	allocationLifetime = 600
	// refreshWindow is how far ahead of expiry a Refresh is sent.
	refreshWindow = 60 * time.Second
	// permissionRefreshInterval is on the order of 4 minutes,
	// comfortably inside the server's typical 5
	// minute permission lifetime.
	permissionRefreshInterval = 4 * time.Minute

	defaultRequestTimeout = 3 * time.Second
)

// Credentials is the long-term credential material a TURN server
// challenges an allocation with.
type Credentials struct {
	Username string
	Password string
	// Realm is normally learned from the server's 401 challenge; a
	// pre-configured value is used as a starting
	// point if the caller supplies one.
	Realm string
}

// IceServer is the per-server TURN allocation state.
type IceServer struct {
	URI       string
	Transport string // "udp" or "tcp"
	ServerEP  netip.AddrPort

	mu                sync.Mutex
	state             State
	nonce             string
	realm             string
	username          string
	password          string
	relayEP           netip.AddrPort
	srflxEP           netip.AddrPort
	transactionID     [stun.TransactionIDSize]byte
	outstandingReqs   int
	errorCount        int
	lastReqAt         time.Time
	lastRespAt        time.Time
	ttlExpiry         time.Time
}

// Client drives the TURN allocation lifecycle for one server over a
// UDP socket (see tcp.go for the TCP variant).
type Client struct {
	server *IceServer
	creds  Credentials
	log    *logger.Logger

	conn net.PacketConn

	mu    sync.Mutex
	peers map[netip.AddrPort]time.Time // permission expiry by peer

	// OnData delivers an unwrapped DataIndication payload to the
	// application: the peer endpoint the relay received it from, and the
	// payload bytes.
	OnData func(peer netip.AddrPort, payload []byte)

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector bundle; nil (the default) disables
// metric recording entirely.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New builds a Client targeting serverEP with creds. conn must already
// be bound (typically a freshly dialed UDP socket); Client takes
// ownership of reads off it via Run.
func New(serverURI string, serverEP netip.AddrPort, creds Credentials, conn net.PacketConn, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		server: &IceServer{
			URI:       serverURI,
			Transport: "udp",
			ServerEP:  serverEP,
			state: StateIdle,
			realm: creds.Realm,
		},
		creds: creds,
		log:   log,
		conn:  conn,
		peers: make(map[netip.AddrPort]time.Time),
	}
}

func (c *Client) State() State {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.server.state
}

func (c *Client) setState(s State) {
	c.server.mu.Lock()
	c.server.state = s
	c.server.mu.Unlock()
}

// GetRelayEndpoint drives the Allocate/authenticate handshake until a
// relay endpoint is obtained or the deadline/maxRequests attempts are
// exhausted.
func (c *Client) GetRelayEndpoint(ctx context.Context, timeout time.Duration) (netip.AddrPort, error) {
	deadline := time.Now().Add(timeout)
	c.setState(StateAwaitAllocate)

	for attempt := 0; attempt < maxRequests; attempt++ {
		if time.Now().After(deadline) {
			c.setState(StateFailed)
			return netip.AddrPort{}, fmt.Errorf("turn: get_relay_endpoint timed out after %s", timeout)
		}

		c.server.mu.Lock()
		sinceLastReq := time.Since(c.server.lastReqAt)
		noResponseYet := c.server.lastRespAt.Before(c.server.lastReqAt)
		c.server.mu.Unlock()
		if attempt > 0 && noResponseYet && sinceLastReq < retransmitFloor {
			select {
			case <-time.After(retransmitFloor - sinceLastReq):
			case <-ctx.Done():
				return netip.AddrPort{}, ctx.Err()
			}
		}

		relay, err := c.allocateOnce(ctx)
		if err == nil {
			c.setState(StateAllocated)
			if c.metrics != nil {
				c.metrics.TurnAllocations.Inc()
			}
			return relay, nil
		}
		if c.State() == StateFailed {
			if c.metrics != nil {
				c.metrics.TurnAllocationFail.Inc()
			}
			return netip.AddrPort{}, err
		}
		c.log.DebugTURN("allocate attempt failed, retrying", "attempt", attempt, "error", err)
	}
	c.setState(StateFailed)
	if c.metrics != nil {
		c.metrics.TurnAllocationFail.Inc()
	}
	return netip.AddrPort{}, fmt.Errorf("turn: exhausted %d allocate attempts", maxRequests)
}

// allocateOnce sends one Allocate request (with MESSAGE-INTEGRITY if
// credentials are already known) and processes the response: success
// stores relay_ep/srflx_ep and the allocation's ttl_expiry; a 401/438
// error response extracts NONCE/REALM, generates a fresh transaction
// ID, and transitions to AuthedAllocate so the next call retries
// authenticated; ALTERNATE-SERVER replaces server_ep and resets
// counters; any other error response is Failed.
func (c *Client) allocateOnce(ctx context.Context) (netip.AddrPort, error) {
	msg := c.newRequest(stun.MethodAllocate)
	msg.Add(stun.AttrRequestedTransport, stun.EncodeRequestedTransport(stun.ProtoUDP))

	authed := c.attachCredentialsIfKnown(msg)

	resp, err := c.roundTrip(ctx, msg)
	if err != nil {
		return netip.AddrPort{}, err
	}

	if resp.Type.Class() == stun.ClassErrorResponse {
		return netip.AddrPort{}, c.handleErrorResponse(resp, authed)
	}

	return c.applyAllocateSuccess(resp)
}

func (c *Client) applyAllocateSuccess(resp *stun.Message) (netip.AddrPort, error) {
	relayAttr, ok := resp.Get(stun.AttrXORRelayedAddress)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("turn: allocate success missing XOR-RELAYED-ADDRESS")
	}
	addr, port, err := stun.DecodeXORAddress(relayAttr.Value, resp.TransactionID)
	if err != nil {
		return netip.AddrPort{}, err
	}
	relay := netip.AddrPortFrom(addr, port)

	var srflx netip.AddrPort
	if mappedAttr, ok := resp.Get(stun.AttrXORMappedAddress); ok {
		if a, p, err := stun.DecodeXORAddress(mappedAttr.Value, resp.TransactionID); err == nil {
			srflx = netip.AddrPortFrom(a, p)
		}
	}

	lifetime := allocationLifetime
	if lifeAttr, ok := resp.Get(stun.AttrLifetime); ok {
		lifetime = int(stun.DecodeLifetime(lifeAttr.Value))
	}

	c.server.mu.Lock()
	c.server.relayEP = relay
	c.server.srflxEP = srflx
	c.server.ttlExpiry = time.Now().Add(time.Duration(lifetime) * time.Second)
	c.server.errorCount = 0
	c.server.mu.Unlock()

	return relay, nil
}

// handleErrorResponse implements the 401/438 and
// ALTERNATE-SERVER branches.
func (c *Client) handleErrorResponse(resp *stun.Message, wasAuthed bool) error {
	errAttr, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		c.setState(StateFailed)
		return fmt.Errorf("turn: error response without ERROR-CODE")
	}
	ec, err := stun.DecodeErrorCode(errAttr.Value)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	if altAttr, ok := resp.Get(stun.AttrAlternateServer); ok {
		addr, port, err := stun.DecodeMappedAddress(altAttr.Value)
		if err == nil {
			c.server.mu.Lock()
			c.server.ServerEP = netip.AddrPortFrom(addr, port)
			c.server.errorCount = 0
			c.server.outstandingReqs = 0
			c.server.mu.Unlock()
			c.log.DebugTURN("alternate-server redirect", "server", c.server.ServerEP)
			return fmt.Errorf("turn: redirected to alternate server %s", c.server.ServerEP)
		}
	}

	switch ec.Code {
	case stun.CodeUnauthorised, stun.CodeStaleNonce:
		nonceAttr, _ := resp.Get(stun.AttrNonce)
		realmAttr, _ := resp.Get(stun.AttrRealm)
		c.server.mu.Lock()
		c.server.nonce = string(nonceAttr.Value)
		if len(realmAttr.Value) > 0 {
			c.server.realm = string(realmAttr.Value)
		}
		c.server.username = c.creds.Username
		c.server.password = c.creds.Password
		c.server.transactionID = stun.NewTransactionID()
		c.server.errorCount = 1
		c.server.mu.Unlock()
		c.setState(StateAuthedAllocate)
		return fmt.Errorf("turn: %d challenge (%s), retrying with credentials", ec.Code, ec.Reason)
	default:
		c.setState(StateFailed)
		return fmt.Errorf("turn: allocate failed: %d %s", ec.Code, ec.Reason)
	}
}

// attachCredentialsIfKnown adds USERNAME/REALM/NONCE and
// MESSAGE-INTEGRITY to msg when a prior 401/438 has already taught the
// client the server's nonce/realm (IceServer invariant: "an
// authenticated retry requires all of nonce, realm, username,
// password"). Returns whether credentials were attached.
func (c *Client) attachCredentialsIfKnown(msg *stun.Message) bool {
	c.server.mu.Lock()
	nonce, realm, username, password := c.server.nonce, c.server.realm, c.server.username, c.server.password
	c.server.mu.Unlock()

	if nonce == "" || realm == "" || username == "" || password == "" {
		return false
	}
	msg.Add(stun.AttrUsername, []byte(username))
	msg.Add(stun.AttrRealm, []byte(realm))
	msg.Add(stun.AttrNonce, []byte(nonce))
	key := wire.LongTermKey(username, realm, password)
	_ = stun.AddMessageIntegrity(msg, key)
	return true
}

func (c *Client) newRequest(method stun.Method) *stun.Message {
	c.server.mu.Lock()
	tid := c.server.transactionID
	if tid == ([stun.TransactionIDSize]byte{}) {
		tid = stun.NewTransactionID()
		c.server.transactionID = tid
	}
	c.server.mu.Unlock()
	return &stun.Message{Type: stun.NewType(method, stun.ClassRequest), TransactionID: tid}
}

// roundTrip sends msg to the server and waits (with defaultRequestTimeout)
// for a response sharing its transaction ID.
func (c *Client) roundTrip(ctx context.Context, msg *stun.Message) (*stun.Message, error) {
	raw, err := stun.Encode(msg)
	if err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	c.server.lastReqAt = time.Now()
	c.server.outstandingReqs++
	c.server.mu.Unlock()

	udpAddr := net.UDPAddrFromAddrPort(c.server.ServerEP)
	if _, err := c.conn.WriteTo(raw, udpAddr); err != nil {
		return nil, fmt.Errorf("turn: write: %w", err)
	}

	deadline := time.Now().Add(defaultRequestTimeout)
	buf := make([]byte, 1500)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("turn: read: %w", err)
		}
		resp, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}
		if resp.TransactionID != msg.TransactionID {
			continue
		}
		c.server.mu.Lock()
		c.server.lastRespAt = time.Now()
		c.server.outstandingReqs--
		c.server.mu.Unlock()
		return resp, nil
	}
	return nil, fmt.Errorf("turn: response timeout")
}
