package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/metrics"
)

func TestFilterServersDropsIPv6LinkLocal(t *testing.T) {
	got := filterServers([]string{"8.8.8.8", "fe80::1", "2001:4860:4860::8888"})
	assert.Equal(t, []string{"8.8.8.8", "2001:4860:4860::8888"}, got)
}

func TestNewFallsBackToOpenDNS(t *testing.T) {
	r := New(nil, nil)
	assert.Equal(t, defaultServers, r.servers)
}

func TestNoteTimeoutRotatesAfterThreshold(t *testing.T) {
	r := New([]string{"1.1.1.1", "2.2.2.2"}, nil)
	for i := 0; i < switchActiveTimeoutCount-1; i++ {
		r.noteTimeout()
	}
	assert.Equal(t, 0, r.active)
	r.noteTimeout()
	assert.Equal(t, 1, r.active)
}

func TestNoteSuccessResetsTimeoutCount(t *testing.T) {
	r := New([]string{"1.1.1.1"}, nil)
	r.noteTimeout()
	r.noteTimeout()
	r.noteSuccess()
	r.mu.Lock()
	count := r.timeoutCount
	r.mu.Unlock()
	assert.Zero(t, count)
}

func TestCacheStoreAndQueryCacheRoundTrip(t *testing.T) {
	r := New([]string{"1.1.1.1"}, nil)
	resp := &dns.DnsResponse{
		Answers: []dns.DnsResourceRecord{{Name: "example.com", Type: dns.TypeA, TTL: 30}},
	}
	r.storeSuccess("example.com", dns.TypeA, resp)

	got, ok := r.QueryCache("example.com", dns.TypeA)
	require.True(t, ok)
	assert.Same(t, resp, got)
}

func TestCacheEnforcesMinimumTTL(t *testing.T) {
	r := New([]string{"1.1.1.1"}, nil)
	resp := &dns.DnsResponse{Answers: []dns.DnsResourceRecord{{TTL: 1}}}
	r.storeSuccess("example.com", dns.TypeA, resp)

	r.cacheMu.Lock()
	e := r.cache[cacheKey("example.com", dns.TypeA)]
	r.cacheMu.Unlock()
	assert.True(t, e.expires.After(time.Now().Add((minCacheSeconds-1)*time.Second)))
}

func TestFailedLookupIsCachedBriefly(t *testing.T) {
	r := New([]string{"1.1.1.1"}, nil)
	r.storeFailure("nosuch.example.com", dns.TypeA)

	_, ok := r.QueryCache("nosuch.example.com", dns.TypeA)
	assert.False(t, ok, "failed lookups are not served as cache hits")

	r.cacheMu.Lock()
	e, found := r.cache[cacheKey("nosuch.example.com", dns.TypeA)]
	r.cacheMu.Unlock()
	require.True(t, found)
	assert.True(t, e.failed)
}

// fakeUDPServer answers every query on its socket with a canned A
// record, letting queryLive be exercised end to end without touching
// the network beyond loopback.
func fakeUDPServer(t *testing.T, answer func(req *dns.DnsResponse) []byte) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := dns.DecodeResponse(buf[:n])
			if err != nil {
				continue
			}
			conn.WriteTo(answer(req), addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestQueryResolvesThroughFakeServer(t *testing.T) {
	addr := fakeUDPServer(t, func(req *dns.DnsResponse) []byte {
		resp := &dns.DnsResponse{
			ID:        req.ID,
			Flags:     dns.QRFlag,
			Questions: req.Questions,
			Answers: []dns.DnsResourceRecord{
				{Name: req.Questions[0].Name, Type: dns.TypeA, Class: dns.ClassIN, TTL: 300, Data: dns.AData{Addr: [4]byte{1, 2, 3, 4}}},
			},
		}
		wire, _ := resp.Marshal()
		return wire
	})
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	r := New([]string{host}, nil)
	r.servers = []string{host}

	// Servers are dialled on r.port (53 by default); point it at the
	// ephemeral fake-server port.
	r.port = port
	resp, err := r.Query(context.Background(), "example.com", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp.Answers, 1)
	a, ok := resp.Answers[0].Data.(dns.AData)
	require.True(t, ok)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, a.Addr)
}

func TestClassifyRCodeTreatsNXDomainAsDoneWithTypedError(t *testing.T) {
	resp := &dns.DnsResponse{Flags: uint16(dns.QRFlag) | uint16(dns.RCodeNXDomain)}
	done, result, err := classifyRCode("nosuch.example.com", resp)
	assert.True(t, done, "NXDOMAIN is authoritative and must not be retried against another server")
	assert.Nil(t, result)

	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, dns.RCodeNXDomain, rerr.RCode)
}

func TestClassifyRCodeRetriesOtherNonSuccessCodes(t *testing.T) {
	resp := &dns.DnsResponse{Flags: uint16(dns.QRFlag) | uint16(dns.RCodeServFail)}
	done, result, err := classifyRCode("example.com", resp)
	assert.False(t, done, "SERVFAIL might be server-specific, so rotation should keep trying")
	assert.Nil(t, result)
	require.Error(t, err)
}

func TestClassifyRCodeNoErrorIsDone(t *testing.T) {
	resp := &dns.DnsResponse{Flags: uint16(dns.QRFlag)}
	done, result, err := classifyRCode("example.com", resp)
	assert.True(t, done)
	assert.Same(t, resp, result)
	assert.NoError(t, err)
}

func TestNXDomainWireResponseClassifiesAsTypedError(t *testing.T) {
	addr := fakeUDPServer(t, func(req *dns.DnsResponse) []byte {
		resp := &dns.DnsResponse{
			ID:        req.ID,
			Flags:     uint16(dns.QRFlag) | uint16(dns.RCodeNXDomain),
			Questions: req.Questions,
		}
		wire, _ := resp.Marshal()
		return wire
	})
	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	// exchangeUDP takes the full address, so calling it directly reaches
	// the ephemeral fake-server port and returns the raw response for
	// classifyRCode to inspect.
	r := New([]string{host}, nil)
	resp, err := r.exchangeUDP(context.Background(), addr, mustEncode(t, "nosuch.example.com"))
	require.NoError(t, err, "the wire exchange itself succeeds; only the RCODE signals NXDOMAIN")
	done, result, cerr := classifyRCode("nosuch.example.com", resp)
	assert.True(t, done)
	assert.Nil(t, result)
	var rerr *ResponseError
	require.ErrorAs(t, cerr, &rerr)
	assert.Equal(t, dns.RCodeNXDomain, rerr.RCode)
}

func TestSetMetricsRecordsCacheHitsAndMisses(t *testing.T) {
	r := New([]string{"1.1.1.1"}, nil)
	mtr := metrics.New(prometheus.NewRegistry())
	r.SetMetrics(mtr)

	resp := &dns.DnsResponse{Answers: []dns.DnsResourceRecord{{Name: "example.com", Type: dns.TypeA, TTL: 300}}}
	r.storeSuccess("example.com", dns.TypeA, resp)

	_, err := r.Query(context.Background(), "example.com", dns.TypeA)
	require.NoError(t, err)

	var hits dto.Metric
	require.NoError(t, mtr.DNSCacheHits.Write(&hits))
	assert.Equal(t, 1.0, hits.GetCounter().GetValue())

	r.storeFailure("nosuch.example.com", dns.TypeA)
	_, err = r.Query(context.Background(), "nosuch.example.com", dns.TypeA)
	require.Error(t, err)

	var misses dto.Metric
	require.NoError(t, mtr.DNSCacheMisses.Write(&misses))
	assert.Equal(t, 1.0, misses.GetCounter().GetValue())
}

func mustEncode(t *testing.T, name string) []byte {
	t.Helper()
	b, err := dns.EncodeRequest(1, name, dns.TypeA)
	require.NoError(t, err)
	return b
}
