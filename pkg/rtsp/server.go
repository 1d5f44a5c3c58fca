package rtsp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/rtcore/pkg/logger"
)

const (
	maxTCPConnections = 1000
	connReadChunk     = 4096
	connBufCap        = 2 * connReadChunk

	pruneGrace       = 60 * time.Second
	pruneInterval    = 20 * time.Second
	connIdleTimeout  = 70 * time.Minute
	sessionIdleLimit = 60 * time.Second
)

// Session is the server-side RtspSession data model entity: a
// playback session keyed by an opaque server-assigned token, tracking
// the client's RTP/RTCP endpoints and the activity timestamps the
// prune loop checks.
type Session struct {
	ID          string
	CameraID    string
	RTPPort     int
	CtlPort     int
	RemoteRTPEP *net.UDPAddr
	RemoteCtlEP *net.UDPAddr

	SSRC       uint32
	Sequence   uint16
	Timestamp  uint32
	CreatedAt  time.Time
	StartedAt  time.Time
	DontTimeout bool

	mu              sync.Mutex
	rtpLastActivity time.Time
	ctlLastActivity time.Time
	isClosed        bool
}

// NewSession constructs a registry entry with both activity
// timestamps initialised to now.
func NewSession(cameraID string, ssrc uint32, rtpPort, ctlPort int) *Session {
	now := time.Now()
	return &Session{
		ID:              uuid.NewString(),
		CameraID:        cameraID,
		SSRC:            ssrc,
		RTPPort:         rtpPort,
		CtlPort:         ctlPort,
		CreatedAt:       now,
		rtpLastActivity: now,
		ctlLastActivity: now,
	}
}

func (s *Session) TouchRTP() {
	s.mu.Lock()
	s.rtpLastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) TouchCtl() {
	s.mu.Lock()
	s.ctlLastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) MarkClosed() {
	s.mu.Lock()
	s.isClosed = true
	s.mu.Unlock()
}

// idle reports whether this session matches the prune loop's
// inactivity predicate: not flagged dont_timeout, and both RTP and
// control activity are older than sessionIdleLimit, or the session was
// explicitly closed.
func (s *Session) idle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return true
	}
	if s.DontTimeout {
		return false
	}
	return now.Sub(s.rtpLastActivity) > sessionIdleLimit && now.Sub(s.ctlLastActivity) > sessionIdleLimit
}

// conn is one accepted TCP connection: its own read buffer (residual
// bytes are shifted to the head after each scan using ParseStream's
// consumed count) and the last time any byte was seen from it.
type conn struct {
	remote string
	nc     net.Conn

	writeMu sync.Mutex
	buf     []byte

	lastTransmission atomic.Int64 // unix nano
}

func (c *conn) touch() { c.lastTransmission.Store(time.Now().UnixNano()) }

// Server accepts RTSP TCP connections, scans each for complete
// messages, and runs a prune loop over both the connection map and the
// RtspSession registry. Answering a request (what a DESCRIBE or SETUP
// should return) is the caller's job, not this package's, since that
// depends on the camera/producer it's fronting; callers supply a
// Handler.
type Server struct {
	log *logger.Logger

	// Handler answers one parsed request; a nil return means "no
	// response" (e.g. for requests the caller wants to ignore).
	Handler func(remote string, req *Message) *Message

	listener net.Listener

	connMu sync.Mutex
	conns  map[string]*conn

	sessMu   sync.Mutex
	sessions map[string]*Session

	bytesSkipped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server; call Listen then Start.
func NewServer(log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		log:      log,
		conns:    make(map[string]*conn),
		sessions: make(map[string]*Session),
	}
}

// Listen binds addr (e.g. ":554").
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtsp: listen %s: %w", addr, err)
	}
	s.listener = l
	return nil
}

// Start launches the accept loop and the prune loop.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.acceptLoop()
	go s.pruneLoop()
}

// Stop closes the listener and every open connection, then waits for
// both background loops to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for _, c := range s.conns {
		_ = c.nc.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// RegisterSession adds sess to the prune-eligible registry.
func (s *Server) RegisterSession(sess *Session) {
	s.sessMu.Lock()
	s.sessions[sess.ID] = sess
	s.sessMu.Unlock()
}

// Session looks up a registered session by ID.
func (s *Server) Session(id string) (*Session, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// CloseSession marks a session closed; it is reaped on the next prune
// cycle (TEARDOWN handling calls this before the caller closes the
// session's sockets, preserving the TEARDOWN-before-close ordering
// guarantee).
func (s *Server) CloseSession(id string) {
	s.sessMu.Lock()
	sess, ok := s.sessions[id]
	s.sessMu.Unlock()
	if ok {
		sess.MarkClosed()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error("rtsp accept failed", "error", err)
				return
			}
		}

		s.connMu.Lock()
		tooMany := len(s.conns) >= maxTCPConnections
		if !tooMany {
			c := &conn{remote: nc.RemoteAddr().String(), nc: nc, buf: make([]byte, 0, connBufCap)}
			c.touch()
			s.conns[c.remote] = c
			s.connMu.Unlock()
			s.wg.Add(1)
			go s.handleConn(c)
			continue
		}
		s.connMu.Unlock()
		s.log.Warn("rtsp connection limit reached, rejecting", "remote", nc.RemoteAddr().String())
		_ = nc.Close()
	}
}

func (s *Server) handleConn(c *conn) {
	defer s.wg.Done()
	defer s.unregisterConn(c)

	readBuf := make([]byte, connReadChunk)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, err := c.nc.Read(readBuf)
		if err != nil {
			return
		}
		c.touch()
		c.buf = append(c.buf, readBuf[:n]...)

		msgs, consumed, skipped, _, perr := ParseStream(c.buf)
		if skipped > 0 {
			s.bytesSkipped.Add(int64(skipped))
		}
		if consumed > 0 {
			c.buf = append(c.buf[:0], c.buf[consumed:]...)
		}
		if perr != nil {
			s.log.DebugRTSP("rtsp stream parse error", "remote", c.remote, "error", perr)
			return
		}
		for _, msg := range msgs {
			s.dispatch(c, msg)
		}
	}
}

func (s *Server) dispatch(c *conn, req *Message) {
	if sessionID, ok := req.Header("Session"); ok {
		if sess, ok := s.Session(strings.TrimSpace(strings.SplitN(sessionID, ";", 2)[0])); ok {
			sess.TouchCtl()
		}
	}
	if s.Handler == nil {
		return
	}
	resp := s.Handler(c.remote, req)
	if resp == nil {
		return
	}
	if cseq, ok := req.Header("CSeq"); ok {
		if resp.Headers == nil {
			resp.Headers = make(map[string]string)
		}
		resp.Headers["CSeq"] = cseq
	}
	if err := s.Send(c.remote, resp); err != nil {
		s.log.DebugRTSP("rtsp response send failed", "remote", c.remote, "error", err)
	}
}

// Send looks up the connection registered under destEP and writes
// msg's wire form to it.
func (s *Server) Send(destEP string, msg *Message) error {
	s.connMu.Lock()
	c, ok := s.conns[destEP]
	s.connMu.Unlock()
	if !ok {
		return fmt.Errorf("rtsp: no connection registered for %s", destEP)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(msg.Marshal()); err != nil {
		s.unregisterConn(c)
		return err
	}
	return nil
}

func (s *Server) unregisterConn(c *conn) {
	s.connMu.Lock()
	if cur, ok := s.conns[c.remote]; ok && cur == c {
		delete(s.conns, c.remote)
	}
	s.connMu.Unlock()
	_ = c.nc.Close()
}

func (s *Server) pruneLoop() {
	defer s.wg.Done()
	select {
	case <-time.After(pruneGrace):
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pruneConns()
			s.pruneSessions()
		}
	}
}

func (s *Server) pruneConns() {
	now := time.Now()
	var stale []*conn
	s.connMu.Lock()
	for _, c := range s.conns {
		if now.Sub(time.Unix(0, c.lastTransmission.Load())) > connIdleTimeout {
			stale = append(stale, c)
		}
	}
	s.connMu.Unlock()
	for _, c := range stale {
		s.unregisterConn(c)
	}
}

func (s *Server) pruneSessions() {
	now := time.Now()
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for id, sess := range s.sessions {
		if sess.idle(now) {
			delete(s.sessions, id)
		}
	}
}

// BytesSkipped reports the total NAT-keepalive bytes dropped across
// every connection this server has handled.
func (s *Server) BytesSkipped() int64 { return s.bytesSkipped.Load() }
