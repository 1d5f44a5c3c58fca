package rtsp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/rtpsession"
)

const (
	defaultRTSPPort   = "554"
	keepaliveInterval = 30 * time.Second
	noPacketTimeout   = 15 * time.Second
	requestTimeout    = 10 * time.Second
	rtpReceiveChanCap = 256
)

// Track is one SDP media section: its payload type and control
// attribute (the path SETUP must be issued against), recovered from
// pion/sdp's typed SessionDescription rather than a hand-rolled line
// scanner.
type Track struct {
	Index       int
	Media       string
	Control     string
	PayloadType uint8
}

// Client drives DESCRIBE -> SETUP -> PLAY -> keepalive -> TEARDOWN
// against one RTSP server. Media flows over its own rtpsession.Session
// UDP port pair, negotiated with Transport: RTP/AVP;unicast rather than
// an interleaved RTP/AVP/TCP channel.
type Client struct {
	rawURL  string
	baseURL string
	log     *logger.Logger

	conn    net.Conn
	reader  *bufio.Reader
	cseq    int
	session string
	writeMu sync.Mutex

	tracks []*Track
	Track  *Track

	Session *rtpsession.Session

	assembler *frameAssembler
	rtpCh     chan *rtp.Packet

	lastPacketAtNano atomic.Int64

	OnSetupSuccess func()
	OnFrameReady   func(*Frame)
	OnRTPQueueFull func()
	OnClosed       func()

	// Metrics, if set before Setup, is attached to the RtpSession it
	// allocates so active-session accounting starts from the same
	// instant the gauge would otherwise miss.
	Metrics *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once
}

// NewClient constructs a Client for rtspURL (rtsp://host[:port]/path).
func NewClient(rtspURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		rawURL: rtspURL,
		log:    log,
		rtpCh:  make(chan *rtp.Packet, rtpReceiveChanCap),
	}
	c.assembler = newFrameAssembler(c.deliverFrame, c.queueFull)
	return c
}

// Connect dials the server, then sequences OPTIONS and DESCRIBE.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return fmt.Errorf("rtsp: parse url: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = defaultRTSPPort
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	dialer := &net.Dialer{Timeout: requestTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rtsp: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 8192)
	c.log.DebugRTSP("connected", "addr", addr)

	c.ctx, c.cancel = context.WithCancel(ctx)

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	if _, err := c.do(c.newRequest("OPTIONS", c.rawURL)); err != nil {
		return fmt.Errorf("rtsp: OPTIONS: %w", err)
	}
	if err := c.describe(username, password); err != nil {
		return fmt.Errorf("rtsp: DESCRIBE: %w", err)
	}
	return nil
}

func (c *Client) describe(username, password string) error {
	req := c.newRequest("DESCRIBE", c.rawURL)
	req.Headers["Accept"] = "application/sdp"
	if username != "" {
		req.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if base, ok := resp.Header("Content-Base"); ok && base != "" {
		c.baseURL = strings.TrimSpace(base)
	} else {
		c.baseURL = c.rawURL
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(resp.Body); err != nil {
		return fmt.Errorf("rtsp: parse SDP: %w", err)
	}
	for i, md := range sd.MediaDescriptions {
		t := &Track{Index: i, Media: md.MediaName.Media}
		if len(md.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(md.MediaName.Formats[0]); err == nil {
				t.PayloadType = uint8(pt)
			}
		}
		if control, ok := md.Attribute("control"); ok {
			t.Control = control
		}
		c.tracks = append(c.tracks, t)
	}
	c.log.DebugRTSP("parsed SDP", "tracks", len(c.tracks))
	return nil
}

// Setup reserves an RtpSession UDP port pair and issues SETUP for the
// first video track; each Client owns exactly one RtpSession. cameraID
// is threaded through purely for logging and metrics labels.
func (c *Client) Setup(cameraID string) error {
	track := c.pickTrack()
	if track == nil {
		return fmt.Errorf("rtsp: no media tracks in SDP")
	}
	c.Track = track

	ssrc := uint32(time.Now().UnixNano())
	sess, err := rtpsession.NewSession(cameraID, ssrc, c.log)
	if err != nil {
		return fmt.Errorf("rtsp: allocate rtp session: %w", err)
	}
	c.Session = sess
	c.Session.OnRTP = c.onRTP
	c.Session.OnRTPQueueFull = c.queueFull
	if c.Metrics != nil {
		c.Session.SetMetrics(c.Metrics)
	}

	controlURL := c.resolveControlURL(track.Control)
	req := c.newRequest("SETUP", controlURL)
	req.Headers["Transport"] = TransportHeader{
		Specifier: "RTP/AVP",
		Broadcast: "unicast",
		Params: map[string]string{
			"client_port": fmt.Sprintf("%d-%d", sess.RTPPort(), sess.CtlPort()),
		},
	}.String()

	resp, err := c.do(req)
	if err != nil {
		sess.Close()
		return fmt.Errorf("rtsp: SETUP: %w", err)
	}

	if sessionHdr, ok := resp.Header("Session"); ok {
		if idx := strings.IndexByte(sessionHdr, ';'); idx > 0 {
			c.session = sessionHdr[:idx]
		} else {
			c.session = sessionHdr
		}
	}

	transportResp, _ := resp.Header("Transport")
	th := ParseTransportHeader(transportResp)
	serverHost := hostOf(c.conn.RemoteAddr())
	if dest, ok := th.Params["destination"]; ok && dest != "" {
		serverHost = dest
	}
	if portsRaw, ok := th.Params["server_port"]; ok {
		lo, hi, err := PortRange(portsRaw)
		if err == nil {
			c.Session.RemoteRTPEP = &net.UDPAddr{IP: net.ParseIP(serverHost), Port: lo}
			c.Session.RemoteCtlEP = &net.UDPAddr{IP: net.ParseIP(serverHost), Port: hi}
		}
	}

	c.Session.Start()
	c.wg.Add(1)
	go c.frameAssembleLoop()

	if c.OnSetupSuccess != nil {
		c.OnSetupSuccess()
	}
	return nil
}

func (c *Client) pickTrack() *Track {
	for _, t := range c.tracks {
		if t.Media == "video" {
			return t
		}
	}
	if len(c.tracks) > 0 {
		return c.tracks[0]
	}
	return nil
}

func (c *Client) resolveControlURL(control string) string {
	if strings.HasPrefix(control, "rtsp://") || strings.HasPrefix(control, "rtsps://") {
		return control
	}
	base := strings.TrimSuffix(c.baseURL, "/")
	return base + "/" + strings.TrimPrefix(control, "/")
}

// Play issues PLAY and starts the keepalive and no-packet-timeout
// watchdogs.
func (c *Client) Play() error {
	req := c.newRequest("PLAY", c.baseURL)
	req.Headers["Range"] = "npt=0.000-"
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("rtsp: PLAY: %w", err)
	}

	c.lastPacketAtNano.Store(time.Now().UnixNano())
	c.wg.Add(2)
	go c.keepaliveLoop()
	go c.watchdogLoop()
	return nil
}

func (c *Client) onRTP(pkt *rtp.Packet) {
	c.lastPacketAtNano.Store(time.Now().UnixNano())
	select {
	case c.rtpCh <- pkt:
	default:
		c.log.DebugRTP("rtp receive channel full, dropping packet", "seq", pkt.SequenceNumber)
	}
}

func (c *Client) frameAssembleLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case pkt := <-c.rtpCh:
			c.assembler.Push(pkt)
		}
	}
}

func (c *Client) deliverFrame(f *Frame) {
	if c.OnFrameReady != nil {
		c.OnFrameReady(f)
	}
}

func (c *Client) queueFull() {
	c.log.Warn("rtsp frame/packet queue full, purged")
	if c.OnRTPQueueFull != nil {
		c.OnRTPQueueFull()
	}
}

func (c *Client) keepaliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.Session != nil && c.Session.RemoteRTPEP != nil {
				if err := c.Session.SendRaw(c.Session.RemoteRTPEP, make([]byte, 4)); err != nil {
					c.log.DebugRTSP("keepalive rtp send failed", "error", err)
				}
			}
			if _, err := c.do(c.newRequest("OPTIONS", c.rawURL)); err != nil {
				c.log.DebugRTSP("keepalive OPTIONS failed", "error", err)
			}
		}
	}
}

// watchdogLoop closes the session if no RTP packet arrives for
// noPacketTimeout.
func (c *Client) watchdogLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPacketAtNano.Load())
			if time.Since(last) > noPacketTimeout {
				c.log.Warn("no rtp packet received within timeout, closing session")
				_ = c.Close()
				return
			}
		}
	}
}

// Close sends TEARDOWN before releasing any socket, per the
// concurrency model's ordering guarantee, then stops every worker and
// fires OnClosed exactly once.
func (c *Client) Close() error {
	var err error
	c.closeOne.Do(func() {
		if c.conn != nil {
			_, _ = c.do(c.newRequest("TEARDOWN", c.baseURL))
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.Session != nil {
			_ = c.Session.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.wg.Wait()
		if c.OnClosed != nil {
			c.OnClosed()
		}
	})
	return err
}

func (c *Client) newRequest(method, rawURL string) *Message {
	c.cseq++
	headers := map[string]string{"CSeq": strconv.Itoa(c.cseq)}
	if c.session != "" {
		headers["Session"] = c.session
	}
	return &Message{Type: TypeRequest, Method: method, URL: rawURL, Version: "RTSP/1.0", Headers: headers}
}

func (c *Client) do(req *Message) (*Message, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) writeRequest(req *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(requestTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(req.Marshal())
	if err == nil {
		c.log.DebugRTSP("sent request", "method", req.Method, "url", req.URL)
	}
	return err
}

func (c *Client) readResponse() (*Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	headBlock := statusLine
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		headBlock += line
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	msg, err := parseHeadBlock([]byte(headBlock))
	if err != nil {
		return nil, err
	}
	if n := msg.contentLength(); n > 0 {
		body := make([]byte, n)
		if _, err := readFullReader(c.reader, body); err != nil {
			return nil, err
		}
		msg.Body = body
	}
	c.log.DebugRTSPMessage(statusLine, msg.contentLength())
	if msg.StatusCode != 0 && msg.StatusCode != 200 {
		return msg, fmt.Errorf("rtsp: server returned %d %s", msg.StatusCode, msg.Reason)
	}
	return msg, nil
}

func readFullReader(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
