// Package rtpsession implements the RTP/RTCP datapath: UDP port-pair
// reservation, datagram classification (DTLS/STUN/RTCP/RTP), queue
// backpressure, periodic RTCP sender reports, and the JPEG/H.264/VP8
// packetisers in packetize.go. The MJPEG-over-RTP reconstructor lives
// in the mjpeg subpackage.
package rtpsession

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/wire"
)

const (
	minRTPPort   = 30000
	maxRTPPort   = 40000
	bindJump     = 100
	maxBindTries = 3

	maxQueuedPackets = 1000

	rtcpSenderReportInterval = 5 * time.Second
	rtpClockRate90K          = 90000
)

// portAllocator hands out consecutive UDP port pairs from a single
// process-wide cursor ( "Port allocator: a single
// process-wide mutex protects the next_media_port cursor").
type portAllocator struct {
	mu     sync.Mutex
	cursor int
}

var globalPortAllocator = &portAllocator{cursor: minRTPPort}

// reserve binds a UDP pair (conn, conn+1) starting from the cursor,
// jumping the cursor by bindJump and retrying up to maxBindTries times
// on bind failure.
func (a *portAllocator) reserve() (rtpConn, ctlConn *net.UDPConn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxBindTries; attempt++ {
		if a.cursor+1 >= maxRTPPort {
			a.cursor = minRTPPort
		}
		port := a.cursor
		rtpConn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			a.cursor += bindJump
			continue
		}
		ctlConn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtpConn.Close()
			a.cursor += bindJump
			continue
		}
		a.cursor = port + 2
		return rtpConn, ctlConn, nil
	}
	return nil, nil, fmt.Errorf("rtpsession: exhausted %d port-pair bind attempts", maxBindTries)
}

// DatagramKind classifies one received UDP datagram by its leading
// bytes.
type DatagramKind int

const (
	KindUnknown DatagramKind = iota
	KindDTLS
	KindSTUN
	KindRTCP
	KindRTP
)

// Classify sniffs the first byte of buf to tell a DTLS record, STUN
// binding, RTCP packet, and RTP packet apart on a shared UDP socket
// (RFC 7983 demultiplexing).
func Classify(buf []byte) DatagramKind {
	if len(buf) == 0 {
		return KindUnknown
	}
	b0 := buf[0]
	switch {
	case b0 >= 20 && b0 <= 63:
		return KindDTLS
	case b0 == 0 || b0 == 1:
		return KindSTUN
	case b0 >= 128 && b0 <= 191:
		if len(buf) >= 2 && (buf[1] == 0xC8 || buf[1] == 0xC9) {
			return KindRTCP
		}
		return KindRTP
	default:
		return KindUnknown
	}
}

// Session owns one media session's RTP/RTCP socket pair, receive loop,
// packet queue, and RTCP sender-report timer.
type Session struct {
	CameraID string // out-of-scope producer role, threaded through for logging/metrics only

	SSRC uint32

	// RemoteRTPEP and RemoteCtlEP are the peer's RTP/RTCP endpoints,
	// learned from RTSP SETUP; sender reports
	// go to RemoteCtlEP once it is set.
	RemoteRTPEP *net.UDPAddr
	RemoteCtlEP *net.UDPAddr

	rtpConn *net.UDPConn
	ctlConn *net.UDPConn

	log *logger.Logger

	mu          sync.Mutex
	queue       []*rtp.Packet
	packetCount uint32
	octetCount  uint32
	closed      bool

	// OnRTP delivers a classified RTP packet from the receive loop.
	OnRTP func(pkt *rtp.Packet)
	// OnRTCP delivers raw RTCP bytes from the receive loop.
	OnRTCP func(buf []byte)
	// OnSTUN delivers raw STUN bytes from the receive loop (for STUN
	// connectivity checks multiplexed onto the RTP socket).
	OnSTUN func(buf []byte)
	// OnDTLS delivers raw DTLS bytes; DTLS handshake internals are out
	// of scope, this is a hand-off hook only.
	OnDTLS func(buf []byte)
	// OnRTPQueueFull fires when the packet queue is purged for
	// exceeding maxQueuedPackets.
	OnRTPQueueFull func()

	metrics *metrics.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetMetrics attaches a collector bundle; nil (the default) disables
// metric recording entirely. Call before Start so the active-session
// gauge is incremented exactly once.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewSession reserves a UDP port pair and constructs a Session.
func NewSession(cameraID string, ssrc uint32, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Default()
	}
	rtpConn, ctlConn, err := globalPortAllocator.reserve()
	if err != nil {
		return nil, err
	}
	return &Session{
		CameraID: cameraID,
		SSRC:     ssrc,
		rtpConn:  rtpConn,
		ctlConn:  ctlConn,
		log:      log,
		stopCh:   make(chan struct{}),
	}, nil
}

// RTPPort and CtlPort report the reserved consecutive UDP pair.
func (s *Session) RTPPort() int { return s.rtpConn.LocalAddr().(*net.UDPAddr).Port }
func (s *Session) CtlPort() int { return s.ctlConn.LocalAddr().(*net.UDPAddr).Port }

// Start launches the receive loop and the RTCP sender-report timer.
func (s *Session) Start() {
	if s.metrics != nil {
		s.metrics.ActiveRTPSessions.Inc()
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.senderReportLoop()
}

// Close stops the session's goroutines and closes its sockets.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveRTPSessions.Dec()
	}

	close(s.stopCh)
	s.rtpConn.Close()
	s.ctlConn.Close()
	s.wg.Wait()
	return nil
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		_ = s.rtpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.rtpConn.ReadFromUDP(buf)
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.dispatch(buf[:n])
	}
}

func (s *Session) dispatch(buf []byte) {
	switch Classify(buf) {
	case KindDTLS:
		if s.OnDTLS != nil {
			s.OnDTLS(append([]byte(nil), buf...))
		}
	case KindSTUN:
		if s.OnSTUN != nil {
			s.OnSTUN(append([]byte(nil), buf...))
		}
	case KindRTCP:
		if s.OnRTCP != nil {
			s.OnRTCP(append([]byte(nil), buf...))
		}
	case KindRTP:
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf); err != nil {
			s.log.DebugRTP("dropping unparseable rtp packet", "error", err)
			return
		}
		s.enqueue(pkt)
	default:
		s.log.DebugRTP("dropping unclassified datagram", "first_byte", buf[0])
	}
}

// enqueue appends pkt to the backpressure queue, purging it and firing
// OnRTPQueueFull if it has grown past maxQueuedPackets.
func (s *Session) enqueue(pkt *rtp.Packet) {
	s.mu.Lock()
	s.queue = append(s.queue, pkt)
	overflow := len(s.queue) > maxQueuedPackets
	if overflow {
		s.queue = nil
	}
	s.mu.Unlock()

	if overflow {
		s.log.Warn("rtp queue full, purged", "camera_id", s.CameraID)
		if s.OnRTPQueueFull != nil {
			s.OnRTPQueueFull()
		}
		return
	}
	if s.OnRTP != nil {
		s.OnRTP(pkt)
	}
}

// Send writes a built RTP packet over the session's RTP socket to dst,
// tracking packetCount/octetCount for the next sender report.
func (s *Session) Send(dst *net.UDPAddr, pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.rtpConn.WriteToUDP(raw, dst); err != nil {
		return err
	}
	s.mu.Lock()
	s.packetCount++
	s.octetCount += uint32(len(pkt.Payload))
	s.mu.Unlock()
	return nil
}

// SendRaw writes payload directly to the RTP socket without wrapping
// it as an rtp.Packet, for protocol keepalives (e.g. RTSP's 4-byte
// zero payload) that are not themselves RTP packets.
func (s *Session) SendRaw(dst *net.UDPAddr, payload []byte) error {
	_, err := s.rtpConn.WriteToUDP(payload, dst)
	return err
}

func (s *Session) senderReportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(rtcpSenderReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.emitSenderReport()
		}
	}
}

// emitSenderReport builds and writes an RTCP Sender Report (SSRC, NTP
// timestamp, RTP timestamp, and cumulative packet/octet counts) per
// RFC 3550 §6.4.1.
func (s *Session) emitSenderReport() {
	now := time.Now()
	s.mu.Lock()
	pc, oc := s.packetCount, s.octetCount
	s.mu.Unlock()

	sr := &rtcp.SenderReport{
		SSRC:        s.SSRC,
		NTPTime:     wire.NTPTimestamp64(now),
		RTPTime:     wire.NptTimestamp90K(now),
		PacketCount: pc,
		OctetCount:  oc,
	}
	raw, err := sr.Marshal()
	if err != nil {
		s.log.DebugRTP("failed to marshal sender report", "error", err)
		return
	}
	if s.RemoteCtlEP == nil {
		return
	}
	if _, err := s.ctlConn.WriteToUDP(raw, s.RemoteCtlEP); err != nil {
		s.log.DebugRTP("sender report write failed", "error", err)
	}
}
