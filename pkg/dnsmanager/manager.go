// Package dnsmanager coalesces and off-loads DNS lookups onto a small
// worker pool sitting in front of pkg/resolver: identical concurrent
// requests share one in-flight query, a hostname suffix search runs
// when the bare name fails, and IP-literal hostnames short-circuit
// straight to a synthetic response without touching the network.
package dnsmanager

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ethan/rtcore/pkg/config"
	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/resolver"
)

// numberLookupThreads is the fixed size of the worker pool draining
// queued lookups.
const numberLookupThreads = 5

// dispatchRate paces how fast queued tickets are handed to a worker, so
// a cache-expiry storm of identical lookups doesn't all hit the
// resolver in the same instant.
const dispatchRate = 50 // per second

// lookupResult is what a completed ticket resolves to.
type lookupResult struct {
	resp *dns.DnsResponse
	err  error
}

// ticket tracks one in-flight lookup and every duplicate request
// coalesced onto it.
type ticket struct {
	key   string
	name  string
	qtype dns.RRType
	id    uuid.UUID

	mu         sync.Mutex
	done       bool
	result     lookupResult
	duplicates []chan lookupResult
}

func newTicket(name string, qtype dns.RRType) *ticket {
	return &ticket{
		key:        requestKey(name, qtype),
		name:       name,
		qtype:      qtype,
		id:         uuid.New(),
		duplicates: make([]chan lookupResult, 0, 1),
	}
}

// subscribe registers a fresh channel that will receive the ticket's
// outcome, whether the ticket is still pending or already resolved.
func (t *ticket) subscribe() chan lookupResult {
	ch := make(chan lookupResult, 1)
	t.mu.Lock()
	if t.done {
		ch <- t.result
	} else {
		t.duplicates = append(t.duplicates, ch)
	}
	t.mu.Unlock()
	return ch
}

// resolve stores the outcome and releases every subscriber, including
// duplicates coalesced onto this ticket after it was submitted.
func (t *ticket) resolve(res lookupResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.result = res
	for _, ch := range t.duplicates {
		ch <- res
	}
}

func requestKey(name string, qtype dns.RRType) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(name), qtype)
}

// Manager coalesces lookups against a resolver.Resolver behind a fixed
// worker pool.
type Manager struct {
	resolver *resolver.Resolver
	cfg      *config.DNSConfig
	log      *logger.Logger
	limiter  *rate.Limiter

	workCh chan *ticket

	mu       sync.Mutex
	inflight map[string]*ticket

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector bundle; nil (the default) disables
// metric recording entirely.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// New builds a Manager over res and starts its worker pool. cfg may be
// nil, in which case suffix search is disabled.
func New(res *resolver.Resolver, cfg *config.DNSConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if cfg == nil {
		cfg = &config.DNSConfig{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		resolver: res,
		cfg:      cfg,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(dispatchRate), 1),
		workCh:   make(chan *ticket, 256),
		inflight: make(map[string]*ticket),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < numberLookupThreads; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	return m
}

// Close stops the worker pool, leaving any still-queued tickets
// unresolved.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.workCh:
			if err := m.limiter.Wait(m.ctx); err != nil {
				t.resolve(lookupResult{err: err})
				continue
			}
			m.execute(t)
		}
	}
}

// execute runs the real lookup (with suffix search) and publishes the
// outcome to every subscriber, then drops the ticket from inflight so a
// later identical request starts its own lookup.
func (m *Manager) execute(t *ticket) {
	resp, err := m.resolveWithSuffixes(t.name, t.qtype)

	m.mu.Lock()
	delete(m.inflight, t.key)
	m.mu.Unlock()

	m.log.DebugDNS("lookup completed", "request_id", t.id, "name", t.name, "type", t.qtype, "error", err)
	t.resolve(lookupResult{resp: resp, err: err})
}

// resolveWithSuffixes tries name as-is; if that fails and suffix search
// is enabled, it retries name+suffix (ensuring exactly one trailing
// dot) for each configured suffix in order, returning the first
// success.
func (m *Manager) resolveWithSuffixes(name string, qtype dns.RRType) (*dns.DnsResponse, error) {
	resp, err := m.resolver.Query(m.ctx, name, qtype)
	if err == nil {
		return resp, nil
	}
	if !m.cfg.UseDNSSuffixes || len(m.cfg.DnsSuffixes) == 0 {
		return nil, err
	}

	lastErr := err
	for _, suffix := range m.cfg.DnsSuffixes {
		candidate := joinSuffix(name, suffix)
		resp, err := m.resolver.Query(m.ctx, candidate, qtype)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func joinSuffix(name, suffix string) string {
	name = strings.TrimSuffix(name, ".")
	suffix = strings.TrimPrefix(suffix, ".")
	suffix = strings.TrimSuffix(suffix, ".")
	return name + "." + suffix + "."
}

// submit coalesces req onto an existing in-flight ticket sharing its
// key, or starts a new one and enqueues it for a worker.
func (m *Manager) submit(name string, qtype dns.RRType) (*ticket, chan lookupResult) {
	key := requestKey(name, qtype)

	m.mu.Lock()
	if existing, ok := m.inflight[key]; ok {
		ch := existing.subscribe()
		m.mu.Unlock()
		return existing, ch
	}

	t := newTicket(name, qtype)
	m.inflight[key] = t
	m.mu.Unlock()

	ch := t.subscribe()
	select {
	case m.workCh <- t:
	default:
		// worker pool saturated; still queue blocking so no request is lost
		go func() { m.workCh <- t }()
	}
	if m.metrics != nil {
		m.metrics.DNSQueueDepth.Set(float64(len(m.workCh)))
	}
	return t, ch
}

// LookupAsync returns a cached response immediately if one exists.
// Otherwise it enqueues the lookup (coalescing with any identical
// in-flight request) and returns ok=false; the caller is expected to
// retry the cache-only read after a short delay, the SIP retransmit
// pattern.
func (m *Manager) LookupAsync(name string, qtype dns.RRType) (*dns.DnsResponse, bool) {
	if resp, ok := literalResponse(name, qtype); ok {
		return resp, true
	}
	if resp, ok := m.resolver.QueryCache(name, qtype); ok {
		return resp, true
	}
	m.submit(name, qtype)
	return nil, false
}

// Lookup enqueues the lookup and blocks on its completion signal for up
// to 2×timeout. On timeout it returns a synthetic response carrying
// RCodeServFail rather than blocking indefinitely.
func (m *Manager) Lookup(ctx context.Context, name string, qtype dns.RRType, timeout time.Duration) (*dns.DnsResponse, error) {
	if resp, ok := literalResponse(name, qtype); ok {
		return resp, nil
	}
	if resp, ok := m.resolver.QueryCache(name, qtype); ok {
		return resp, nil
	}

	_, ch := m.submit(name, qtype)

	timer := time.NewTimer(2 * timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-timer.C:
		return timedOutResponse(name, qtype), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func timedOutResponse(name string, qtype dns.RRType) *dns.DnsResponse {
	return &dns.DnsResponse{
		Flags:     uint16(dns.QRFlag) | uint16(dns.RCodeServFail),
		Questions: []dns.DnsQuestion{{Name: name, Type: qtype, Class: dns.ClassIN}},
	}
}

// literalResponse recognizes name as an IPv4 literal, a bare IPv6
// literal, or a bracketed IPv6 literal with an optional port, and
// builds a synthetic single-record A/AAAA response without touching
// the network.
func literalResponse(name string, qtype dns.RRType) (*dns.DnsResponse, bool) {
	host := name
	if strings.HasPrefix(name, "[") {
		end := strings.IndexByte(name, ']')
		if end < 0 {
			return nil, false
		}
		host = name[1:end]
	} else if idx := strings.LastIndexByte(name, ':'); idx >= 0 && strings.Count(name, ":") == 1 {
		host = name[:idx]
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}

	q := dns.DnsQuestion{Name: name, Type: qtype, Class: dns.ClassIN}
	if addr.Is4() && qtype == dns.TypeA {
		return &dns.DnsResponse{
			Flags:     uint16(dns.QRFlag),
			Questions: []dns.DnsQuestion{q},
			Answers:   []dns.DnsResourceRecord{{Name: name, Type: dns.TypeA, Class: dns.ClassIN, TTL: 0, Data: dns.AData{Addr: addr.As4()}}},
		}, true
	}
	if addr.Is6() && qtype == dns.TypeAAAA {
		return &dns.DnsResponse{
			Flags:     uint16(dns.QRFlag),
			Questions: []dns.DnsQuestion{q},
			Answers:   []dns.DnsResourceRecord{{Name: name, Type: dns.TypeAAAA, Class: dns.ClassIN, TTL: 0, Data: dns.AAAAData{Addr: addr.As16()}}},
		}, true
	}
	return nil, false
}
