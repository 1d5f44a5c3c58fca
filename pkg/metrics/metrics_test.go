package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCacheHitRatio(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.Equal(t, 0.0, m.CacheHitRatio())

	m.DNSCacheHits.Add(3)
	m.DNSCacheMisses.Add(1)
	require.InDelta(t, 0.75, m.CacheHitRatio(), 0.0001)
}

func TestGaugesAreIndependentPerRegistry(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.ActiveRTPSessions.Set(5)
	require.Equal(t, 0.0, getGaugeValue(b.ActiveRTPSessions))
	require.Equal(t, 5.0, getGaugeValue(a.ActiveRTPSessions))
}

func getGaugeValue(g prometheus.Gauge) float64 {
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}
