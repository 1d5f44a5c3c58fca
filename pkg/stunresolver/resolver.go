// Package stunresolver resolves a STUN/TURN URI (RFC 7064 grammar:
// scheme ":" host [":" port] ["?transport=" proto]) to a concrete
// endpoint: IP literals short-circuit, bare/.local
// hosts or A/AAAA-only lookups go through OS-style DNS (with an mDNS
// fallback for .local), and everything else prefers an SRV lookup
// ordered by (priority ascending, weight descending) before resolving
// the chosen target's address.
package stunresolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/pion/mdns/v2"

	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/resolver"
)

// Scheme is a STUN/TURN URI scheme (RFC 7064 §3.1).
type Scheme string

const (
	SchemeSTUN  Scheme = "stun"
	SchemeSTUNS Scheme = "stuns"
	SchemeTURN  Scheme = "turn"
	SchemeTURNS Scheme = "turns"
)

// URI is a parsed STUN/TURN URI.
type URI struct {
	Scheme    Scheme
	Host      string
	Port      uint16 // 0 if not explicitly given
	Transport string // "udp", "tcp", "tls", "dtls"; "" if not given
}

func defaultPort(scheme Scheme) uint16 {
	switch scheme {
	case SchemeSTUNS, SchemeTURNS:
		return 5349
	default:
		return 3478
	}
}

// ParseURI parses a STUN/TURN URI per RFC 7064.
func ParseURI(raw string) (URI, error) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return URI{}, fmt.Errorf("stunresolver: missing scheme in %q", raw)
	}
	scheme := Scheme(raw[:idx])
	switch scheme {
	case SchemeSTUN, SchemeSTUNS, SchemeTURN, SchemeTURNS:
	default:
		return URI{}, fmt.Errorf("stunresolver: unknown scheme %q", scheme)
	}

	rest := raw[idx+1:]
	transport := ""
	if q := strings.Index(rest, "?transport="); q >= 0 {
		transport = rest[q+len("?transport="):]
		rest = rest[:q]
	}

	host, portStr := rest, ""
	if h, p, err := net.SplitHostPort(rest); err == nil {
		host, portStr = h, p
	}

	var port uint16
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return URI{}, fmt.Errorf("stunresolver: bad port in %q: %w", raw, err)
		}
		port = uint16(p)
	}

	return URI{Scheme: scheme, Host: host, Port: port, Transport: transport}, nil
}

// Resolver resolves STUN/TURN URIs to endpoints using res for unicast
// DNS and mDNS for `.local` names.
type Resolver struct {
	res *resolver.Resolver
	log *logger.Logger
}

func New(res *resolver.Resolver, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{res: res, log: log}
}

// PreferredFamily says which address family the caller would like
// first when both are available, falling back to the first result
// found if the preferred family has none.
type PreferredFamily int

const (
	PreferEither PreferredFamily = iota
	PreferIPv4
	PreferIPv6
)

// Resolve implements the four-rule resolution order described above.
func (r *Resolver) Resolve(ctx context.Context, uri URI, prefer PreferredFamily) (netip.AddrPort, error) {
	// Rule 1: IP literal short-circuit.
	if addr, err := netip.ParseAddr(uri.Host); err == nil {
		port := uri.Port
		if port == 0 {
			port = defaultPort(uri.Scheme)
		}
		return netip.AddrPortFrom(addr, port), nil
	}

	// Rule 2: no-dot / .local / A-AAAA-only goes through (unicast or
	// multicast) DNS rather than SRV.
	noDot := !strings.Contains(uri.Host, ".")
	isLocal := strings.HasSuffix(strings.ToLower(uri.Host), ".local")
	if noDot || isLocal {
		addr, err := r.resolveHostAddress(ctx, uri.Host, prefer, isLocal)
		if err != nil {
			return netip.AddrPort{}, err
		}
		port := uri.Port
		if port == 0 {
			port = defaultPort(uri.Scheme)
		}
		return netip.AddrPortFrom(addr, port), nil
	}

	// Rule 3: explicit port -> direct A/AAAA.
	if uri.Port != 0 {
		addr, err := r.resolveHostAddress(ctx, uri.Host, prefer, false)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(addr, uri.Port), nil
	}

	// Rule 4: SRV-then-A/AAAA.
	proto := uri.Transport
	if proto == "" {
		proto = "udp"
	}
	target, port, err := r.resolveSRV(ctx, uri.Scheme, proto, uri.Host)
	if err != nil {
		r.log.DebugSTUN("srv lookup failed, falling back to direct A/AAAA", "host", uri.Host, "error", err)
		addr, err := r.resolveHostAddress(ctx, uri.Host, prefer, false)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(addr, defaultPort(uri.Scheme)), nil
	}
	addr, err := r.resolveHostAddress(ctx, target, prefer, false)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

// resolveHostAddress resolves host to a single address, trying AAAA
// first unless prefer==PreferIPv4 and falling back to A if no AAAA
// record exists.
func (r *Resolver) resolveHostAddress(ctx context.Context, host string, prefer PreferredFamily, mdnsOK bool) (netip.Addr, error) {
	if mdnsOK && strings.HasSuffix(strings.ToLower(host), ".local") {
		if addr, err := queryMDNS(ctx, host); err == nil {
			return addr, nil
		} else {
			r.log.DebugSTUN("mdns query failed", "host", host, "error", err)
		}
	}

	tryAAAA := prefer != PreferIPv4
	if tryAAAA {
		if resp, err := r.res.Query(ctx, host, dns.TypeAAAA); err == nil {
			if addr, ok := firstAAAA(resp); ok {
				return addr, nil
			}
		}
	}
	resp, err := r.res.Query(ctx, host, dns.TypeA)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("stunresolver: resolve %s: %w", host, err)
	}
	if addr, ok := firstA(resp); ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("stunresolver: no A/AAAA record for %s", host)
}

func firstA(resp *dns.DnsResponse) (netip.Addr, bool) {
	for _, rr := range resp.Answers {
		if a, ok := rr.Data.(dns.AData); ok {
			return netip.AddrFrom4(a.Addr), true
		}
	}
	return netip.Addr{}, false
}

func firstAAAA(resp *dns.DnsResponse) (netip.Addr, bool) {
	for _, rr := range resp.Answers {
		if a, ok := rr.Data.(dns.AAAAData); ok {
			return netip.AddrFrom16(a.Addr), true
		}
	}
	return netip.Addr{}, false
}

// srvCandidate is one SRV answer, kept alongside its sort keys.
type srvCandidate struct {
	priority uint16
	weight   uint16
	port     uint16
	target   string
}

// resolveSRV queries `_service._proto.host` and returns the
// highest-priority (lowest number), highest-weight target.
func (r *Resolver) resolveSRV(ctx context.Context, scheme Scheme, proto, host string) (string, uint16, error) {
	name := fmt.Sprintf("_%s._%s.%s", scheme, proto, strings.TrimSuffix(host, "."))
	resp, err := r.res.Query(ctx, name, dns.TypeSRV)
	if err != nil {
		return "", 0, err
	}

	var candidates []srvCandidate
	for _, rr := range resp.Answers {
		if srv, ok := rr.Data.(dns.SRVData); ok {
			candidates = append(candidates, srvCandidate{priority: srv.Priority, weight: srv.Weight, port: srv.Port, target: srv.Target})
		}
	}
	if len(candidates) == 0 {
		return "", 0, fmt.Errorf("stunresolver: no SRV records for %s", name)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].weight > candidates[j].weight
	})
	best := candidates[0]
	return best.target, best.port, nil
}

// queryMDNS resolves a .local name over multicast DNS using
// pion/mdns/v2.
func queryMDNS(ctx context.Context, host string) (netip.Addr, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return netip.Addr{}, err
	}
	l, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return netip.Addr{}, err
	}
	defer l.Close()

	conn, err := mdns.Server(ipv4.NewPacketConn(l), &mdns.Config{})
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, src, err := conn.Query(queryCtx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("mdns query %s: %w", host, err)
	}
	switch a := src.(type) {
	case *net.UDPAddr:
		if ap, ok := netip.AddrFromSlice(a.IP); ok {
			return ap.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("mdns query %s: unexpected source address type", host)
}
