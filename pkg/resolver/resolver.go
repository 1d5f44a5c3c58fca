// Package resolver implements the stub resolver this module queries
// DNS through: a rotating list of upstream servers, UDP transport with
// TCP fallback/AXFR support, and a TTL-keyed success/failure cache.
package resolver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
)

const (
	// switchActiveTimeoutCount is the number of consecutive timeouts on
	// the active server before rotation moves to the next one.
	switchActiveTimeoutCount = 5
	// retriesPerServer is how many times a single query is retried
	// against the same server before moving on.
	retriesPerServer = 3
	// minCacheSeconds floors the TTL a successful answer is cached for.
	minCacheSeconds = 60
	// failureRetry is how long a failed lookup is cached before retrying.
	failureRetry = 60 * time.Second

	udpRequestSize = 512
	udpTimeout     = 2 * time.Second
	tcpTimeout     = 15 * time.Second
)

// defaultServers is the OpenDNS fallback used when the caller supplies
// no explicit server list.
var defaultServers = []string{"208.67.222.222", "208.67.220.220"}

// ResponseError reports a DNS response whose RCODE was not NOERROR. A
// transport-level failure (timeout, malformed wire message) is returned
// as a plain error instead; this type exists so callers can tell an
// authoritative NXDOMAIN/SERVFAIL/REFUSED apart from that and decide
// whether to retry, fall back to a suffix, or give up.
type ResponseError struct {
	Name  string
	RCode dns.RCode
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("resolver: %s: rcode %v", e.Name, e.RCode)
}

type cacheEntry struct {
	resp    *dns.DnsResponse
	expires time.Time
	failed  bool
}

// Resolver queries a rotating set of upstream DNS servers and caches
// both successful and failed lookups.
type Resolver struct {
	log *logger.Logger

	mu           sync.Mutex
	servers      []string
	active       int
	timeoutCount int
	port         string

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector bundle; nil (the default) disables
// metric recording entirely, so callers that never register one pay no
// cost.
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// New builds a Resolver over servers, filtering out IPv6 link-local
// addresses (they're scoped to an interface and unreachable as a
// resolver target without also knowing which one) and falling back to
// OpenDNS when servers is empty.
func New(servers []string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	filtered := filterServers(servers)
	if len(filtered) == 0 {
		filtered = append([]string(nil), defaultServers...)
	}
	return &Resolver{
		log:     log,
		servers: filtered,
		cache:   make(map[string]cacheEntry),
		port:    "53",
	}
}

func filterServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		addr, err := netip.ParseAddr(s)
		if err == nil && addr.Is6() && addr.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, s)
	}
	return out
}

func cacheKey(name string, qtype dns.RRType) string {
	return fmt.Sprintf("%s|%d", name, qtype)
}

// ClearCache discards every cached answer.
func (r *Resolver) ClearCache() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// QueryCache returns a cached answer for name/qtype if one exists and
// has not expired.
func (r *Resolver) QueryCache(name string, qtype dns.RRType) (*dns.DnsResponse, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	e, ok := r.cache[cacheKey(name, qtype)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	if e.failed {
		return nil, false
	}
	return e.resp, true
}

func (r *Resolver) storeSuccess(name string, qtype dns.RRType, resp *dns.DnsResponse) {
	ttl := minAnswerTTL(resp)
	if ttl < minCacheSeconds {
		ttl = minCacheSeconds
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[cacheKey(name, qtype)] = cacheEntry{resp: resp, expires: time.Now().Add(time.Duration(ttl) * time.Second)}
}

func (r *Resolver) storeFailure(name string, qtype dns.RRType) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[cacheKey(name, qtype)] = cacheEntry{failed: true, expires: time.Now().Add(failureRetry)}
}

func minAnswerTTL(resp *dns.DnsResponse) uint32 {
	min := uint32(0)
	found := false
	for _, rr := range resp.Answers {
		if !found || rr.TTL < min {
			min = rr.TTL
			found = true
		}
	}
	if !found {
		return minCacheSeconds
	}
	return min
}

// Query resolves name/qtype, consulting the cache first and falling
// back to the live resolver on a miss. Failed lookups are cached
// briefly (failureRetry) so a thundering herd of retries doesn't hammer
// a server that's already down.
func (r *Resolver) Query(ctx context.Context, name string, qtype dns.RRType) (*dns.DnsResponse, error) {
	if resp, ok := r.QueryCache(name, qtype); ok {
		r.log.DebugDNS("cache hit", "name", name, "type", qtype)
		if r.metrics != nil {
			r.metrics.DNSCacheHits.Inc()
		}
		return resp, nil
	}
	if r.metrics != nil {
		r.metrics.DNSCacheMisses.Inc()
	}

	r.cacheMu.Lock()
	e, failed := r.cache[cacheKey(name, qtype)]
	r.cacheMu.Unlock()
	if failed && e.failed && time.Now().Before(e.expires) {
		return nil, fmt.Errorf("resolver: %s recently failed, retry after %s", name, e.expires)
	}

	resp, err := r.queryLive(ctx, name, qtype)
	if err != nil {
		r.storeFailure(name, qtype)
		return nil, err
	}
	r.storeSuccess(name, qtype, resp)
	return resp, nil
}

var txIDGenerator = randutil.NewMathRandomGenerator()

func (r *Resolver) queryLive(ctx context.Context, name string, qtype dns.RRType) (*dns.DnsResponse, error) {
	txID := uint16(txIDGenerator.Uint32())

	req, err := dns.EncodeRequest(txID, name, qtype)
	if err != nil {
		return nil, err
	}

	var lastErr error
	serverCount := r.serverCount()
	for attempt := 0; attempt < serverCount; attempt++ {
		server := r.activeServer()
		resp, err := r.exchangeWithServer(ctx, server, req)
		if err == nil {
			r.noteSuccess()
			done, result, rerr := classifyRCode(name, resp)
			if done {
				return result, rerr
			}
			lastErr = rerr
			r.mu.Lock()
			r.active = (r.active + 1) % len(r.servers)
			r.mu.Unlock()
			continue
		}
		lastErr = err
		r.noteTimeout()
	}
	return nil, fmt.Errorf("resolver: all servers failed for %s: %w", name, lastErr)
}

// classifyRCode decides what a successfully-exchanged response means:
// NOERROR is a result, NXDOMAIN is authoritative and ends the search
// immediately, and anything else (SERVFAIL, REFUSED, ...) is treated as
// retryable against the next server in rotation.
func classifyRCode(name string, resp *dns.DnsResponse) (done bool, result *dns.DnsResponse, err error) {
	switch resp.RCode() {
	case dns.RCodeNoError:
		return true, resp, nil
	case dns.RCodeNXDomain:
		return true, nil, &ResponseError{Name: name, RCode: resp.RCode()}
	default:
		return false, nil, &ResponseError{Name: name, RCode: resp.RCode()}
	}
}

func (r *Resolver) serverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

func (r *Resolver) activeServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[r.active]
}

// noteTimeout counts a timeout against the active server; after
// switchActiveTimeoutCount consecutive timeouts, rotation advances to
// the next server in the list.
func (r *Resolver) noteTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeoutCount++
	if r.timeoutCount >= switchActiveTimeoutCount {
		r.active = (r.active + 1) % len(r.servers)
		r.timeoutCount = 0
		r.log.DebugDNS("rotated active dns server", "server", r.servers[r.active])
	}
}

func (r *Resolver) noteSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeoutCount = 0
}

func (r *Resolver) exchangeWithServer(ctx context.Context, server string, req []byte) (*dns.DnsResponse, error) {
	addr := net.JoinHostPort(server, r.port)

	resp, err := r.exchangeUDP(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	// RFC 1035 §4.2.1: a truncated UDP response must be retried over TCP.
	if resp.Flags&dns.TCFlag != 0 {
		return r.exchangeTCP(ctx, addr, req)
	}
	return resp, nil
}

func (r *Resolver) exchangeUDP(ctx context.Context, addr string, req []byte) (*dns.DnsResponse, error) {
	if len(req) > udpRequestSize {
		return r.exchangeTCP(ctx, addr, req)
	}

	var lastErr error
	for attempt := 0; attempt < retriesPerServer; attempt++ {
		conn, err := (&net.Dialer{Timeout: udpTimeout}).DialContext(ctx, "udp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := udpRoundTrip(conn, req)
		conn.Close()
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func udpRoundTrip(conn net.Conn, req []byte) (*dns.DnsResponse, error) {
	conn.SetDeadline(time.Now().Add(udpTimeout))
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, dns.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return dns.DecodeResponse(buf[:n])
}

// exchangeTCP sends req with a 2-byte big-endian length prefix per
// RFC 1035 §4.2.2, and for AXFR queries (qtype 252) aggregates zone
// transfer messages until the second SOA record closes the transfer.
func (r *Resolver) exchangeTCP(ctx context.Context, addr string, req []byte) (*dns.DnsResponse, error) {
	conn, err := (&net.Dialer{Timeout: tcpTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(tcpTimeout))

	if err := writeTCPMessage(conn, req); err != nil {
		return nil, err
	}

	first, err := readTCPMessage(conn)
	if err != nil {
		return nil, err
	}
	resp, err := dns.DecodeResponse(first)
	if err != nil {
		return nil, err
	}

	if !isAXFRQuery(resp) {
		return resp, nil
	}
	return r.aggregateAXFR(conn, resp)
}

func isAXFRQuery(resp *dns.DnsResponse) bool {
	for _, q := range resp.Questions {
		if q.Type == 252 {
			return true
		}
	}
	return false
}

// aggregateAXFR reads additional zone-transfer messages off conn and
// appends their answers to the first message until a second SOA record
// is observed, per RFC 5936 framing.
func (r *Resolver) aggregateAXFR(conn net.Conn, first *dns.DnsResponse) (*dns.DnsResponse, error) {
	soaCount := countSOA(first.Answers)
	resp := first
	for soaCount < 2 {
		msg, err := readTCPMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("resolver: axfr aggregation: %w", err)
		}
		part, err := dns.DecodeResponse(msg)
		if err != nil {
			return nil, err
		}
		resp.Answers = append(resp.Answers, part.Answers...)
		soaCount += countSOA(part.Answers)
	}
	return resp, nil
}

func countSOA(rrs []dns.DnsResourceRecord) int {
	n := 0
	for _, rr := range rrs {
		if rr.Type == dns.TypeSOA {
			n++
		}
	}
	return n
}

func writeTCPMessage(conn net.Conn, msg []byte) error {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(len(msg)))
	if _, err := conn.Write(prefix); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

func readTCPMessage(conn net.Conn) ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := readFull(conn, prefix); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix)
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
