// Package metrics exposes the process's Prometheus collectors: DNS
// cache effectiveness, DNS worker queue depth, active RTP sessions,
// and TURN allocation counts.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the process registers, so callers
// thread a single value through resolver/dnsmanager/rtpsession/turn
// instead of reaching for global state.
type Metrics struct {
	DNSCacheHits       prometheus.Counter
	DNSCacheMisses     prometheus.Counter
	DNSQueueDepth      prometheus.Gauge
	ActiveRTPSessions  prometheus.Gauge
	TurnAllocations    prometheus.Counter
	TurnAllocationFail prometheus.Counter
}

// New constructs a Metrics bundle and registers it with reg. Passing a
// fresh *prometheus.Registry keeps tests isolated from the global
// default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		DNSCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcore",
			Subsystem: "dns",
			Name:      "cache_hits_total",
			Help:      "DNS queries answered from cache without a wire lookup.",
		}),
		DNSCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcore",
			Subsystem: "dns",
			Name:      "cache_misses_total",
			Help:      "DNS queries that required a wire lookup.",
		}),
		DNSQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtcore",
			Subsystem: "dns",
			Name:      "worker_queue_depth",
			Help:      "Number of in-flight lookup tickets awaiting a worker.",
		}),
		ActiveRTPSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtcore",
			Subsystem: "rtp",
			Name:      "active_sessions",
			Help:      "RTP sessions currently holding a bound port pair.",
		}),
		TurnAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcore",
			Subsystem: "turn",
			Name:      "allocations_total",
			Help:      "TURN allocations successfully established.",
		}),
		TurnAllocationFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcore",
			Subsystem: "turn",
			Name:      "allocation_failures_total",
			Help:      "TURN allocate requests that ended in Failed state.",
		}),
	}
	reg.MustRegister(
		m.DNSCacheHits,
		m.DNSCacheMisses,
		m.DNSQueueDepth,
		m.ActiveRTPSessions,
		m.TurnAllocations,
		m.TurnAllocationFail,
	)
	return m
}

// CacheHitRatio reports the fraction of DNS queries served from cache,
// or 0 if no queries have been observed yet.
func (m *Metrics) CacheHitRatio() float64 {
	hits := getCounterValue(m.DNSCacheHits)
	misses := getCounterValue(m.DNSCacheMisses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return hits / total
}

func getCounterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
