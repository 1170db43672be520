package netmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/go-netstack/netstackd/internal/netmetrics"
)

func TestNewCollectorRegistersEveryMetric(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := netmetrics.NewCollector(reg)

	if c.ARPTableEntries == nil || c.ARPPendingEntries == nil {
		t.Fatal("ARP gauges not constructed")
	}
	if c.FragmentsSent == nil || c.UnreachableSent == nil {
		t.Fatal("fragmentation/unreachable counters not constructed")
	}
	if c.PingRTTMin == nil || c.PingRTTAvg == nil || c.PingRTTMax == nil {
		t.Fatal("ping gauges not constructed")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}

func TestARPGaugesTrackOccupancy(t *testing.T) {
	t.Parallel()
	c := netmetrics.NewCollector(prometheus.NewRegistry())

	c.SetARPTableEntries(3)
	c.SetARPPendingEntries(1)

	if got := gaugeValue(t, c.ARPTableEntries); got != 3 {
		t.Fatalf("ARPTableEntries = %v, want 3", got)
	}
	if got := gaugeValue(t, c.ARPPendingEntries); got != 1 {
		t.Fatalf("ARPPendingEntries = %v, want 1", got)
	}

	c.SetARPTableEntries(2)
	if got := gaugeValue(t, c.ARPTableEntries); got != 2 {
		t.Fatalf("ARPTableEntries after update = %v, want 2", got)
	}
}

func TestUnreachableSentLabelsByCode(t *testing.T) {
	t.Parallel()
	c := netmetrics.NewCollector(prometheus.NewRegistry())

	c.IncUnreachableSent(3) // port unreachable
	c.IncUnreachableSent(3)
	c.IncUnreachableSent(2) // proto unreachable

	if got := counterValue(t, c.UnreachableSent, "03"); got != 2 {
		t.Fatalf("UnreachableSent{code=03} = %v, want 2", got)
	}
	if got := counterValue(t, c.UnreachableSent, "02"); got != 1 {
		t.Fatalf("UnreachableSent{code=02} = %v, want 1", got)
	}
}

func TestFragmentsSentCounts(t *testing.T) {
	t.Parallel()
	c := netmetrics.NewCollector(prometheus.NewRegistry())

	c.IncFragmentsSent()
	c.IncFragmentsSent()
	c.IncFragmentsSent()

	m := &dto.Metric{}
	if err := c.FragmentsSent.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Fatalf("FragmentsSent = %v, want 3", got)
	}
}

func TestPingStatsSnapshot(t *testing.T) {
	t.Parallel()
	c := netmetrics.NewCollector(prometheus.NewRegistry())

	c.SetPingStats(0.001, 0.004, 0.009)

	if got := gaugeValue(t, c.PingRTTMin); got != 0.001 {
		t.Fatalf("PingRTTMin = %v, want 0.001", got)
	}
	if got := gaugeValue(t, c.PingRTTAvg); got != 0.004 {
		t.Fatalf("PingRTTAvg = %v, want 0.004", got)
	}
	if got := gaugeValue(t, c.PingRTTMax); got != 0.009 {
		t.Fatalf("PingRTTMax = %v, want 0.009", got)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
