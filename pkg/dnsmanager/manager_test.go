package dnsmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/rtcore/pkg/config"
	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/resolver"
)

func newTestManager(t *testing.T, cfg *config.DNSConfig) *Manager {
	t.Helper()
	res := resolver.New([]string{"203.0.113.1"}, nil) // unroutable TEST-NET-3, exchanges always fail
	m := New(res, cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func TestLookupAsyncReturnsIPv4LiteralWithoutQueueing(t *testing.T) {
	m := newTestManager(t, nil)
	resp, ok := m.LookupAsync("203.0.113.7", dns.TypeA)
	require.True(t, ok)
	require.Len(t, resp.Answers, 1)
	a, ok := resp.Answers[0].Data.(dns.AData)
	require.True(t, ok)
	assert.Equal(t, [4]byte{203, 0, 113, 7}, a.Addr)
}

func TestLookupAsyncRecognizesBracketedIPv6Literal(t *testing.T) {
	m := newTestManager(t, nil)
	resp, ok := m.LookupAsync("[2001:db8::1]:5060", dns.TypeAAAA)
	require.True(t, ok)
	require.Len(t, resp.Answers, 1)
	_, ok = resp.Answers[0].Data.(dns.AAAAData)
	assert.True(t, ok)
}

func TestLookupAsyncMissReturnsFalseAndQueuesWork(t *testing.T) {
	m := newTestManager(t, nil)
	resp, ok := m.LookupAsync("example.com", dns.TypeA)
	assert.False(t, ok)
	assert.Nil(t, resp)
}

func TestLookupTimesOutWithSyntheticServFail(t *testing.T) {
	m := newTestManager(t, nil)
	resp, err := m.Lookup(context.Background(), "example.com", dns.TypeA, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RCodeServFail, resp.RCode())
}

func TestSubmitCoalescesIdenticalRequests(t *testing.T) {
	m := newTestManager(t, nil)
	t1, ch1 := m.submit("dup.example.com", dns.TypeA)
	t2, ch2 := m.submit("dup.example.com", dns.TypeA)

	assert.Same(t, t1, t2, "identical requests must share one ticket")

	t1.resolve(lookupResult{resp: &dns.DnsResponse{ID: 42}})

	r1 := <-ch1
	r2 := <-ch2
	assert.Equal(t, uint16(42), r1.resp.ID)
	assert.Equal(t, uint16(42), r2.resp.ID)
}

func TestTicketSubscribeAfterResolveReplaysResult(t *testing.T) {
	tk := newTicket("example.com", dns.TypeA)
	tk.resolve(lookupResult{resp: &dns.DnsResponse{ID: 7}})

	ch := tk.subscribe()
	res := <-ch
	assert.Equal(t, uint16(7), res.resp.ID)
}

func TestJoinSuffixEnsuresExactlyOneTrailingDot(t *testing.T) {
	assert.Equal(t, "host.corp.example.", joinSuffix("host", "corp.example."))
	assert.Equal(t, "host.corp.example.", joinSuffix("host.", ".corp.example"))
}

func TestResolveWithSuffixesSkipsSearchWhenDisabled(t *testing.T) {
	m := newTestManager(t, nil) // UseDNSSuffixes defaults to false
	m.cancel()                  // force every query to fail instantly with context.Canceled

	_, err := m.resolveWithSuffixes("host", dns.TypeA)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveWithSuffixesTriesConfiguredSuffixesOnFailure(t *testing.T) {
	m := newTestManager(t, &config.DNSConfig{
		UseDNSSuffixes: true,
		DnsSuffixes:    []string{"corp.example."},
	})
	m.cancel() // force every query (bare name and suffixed) to fail instantly

	_, err := m.resolveWithSuffixes("host", dns.TypeA)
	require.Error(t, err, "every candidate fails so the overall lookup still errors")
}

func TestRequestKeyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, requestKey("Example.com", dns.TypeA), requestKey("example.COM", dns.TypeA))
}
