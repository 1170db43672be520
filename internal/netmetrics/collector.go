// Package netmetrics exposes the stack's internal state as Prometheus
// metrics: ARP table and pending-queue occupancy, fragmentation and
// destination-unreachable activity, and ping round-trip statistics.
package netmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "netstackd"
	subsystem = "stack"
)

const labelCode = "code"

// -------------------------------------------------------------------------
// Collector — Prometheus stack metrics
// -------------------------------------------------------------------------

// Collector holds all stack Prometheus metrics.
//
//   - ARP gauges track current table and pending-queue occupancy.
//   - Fragment and unreachable counters track per-code TX activity.
//   - Ping gauges report the most recent round-trip statistics snapshot.
type Collector struct {
	// ARPTableEntries tracks the number of live entries in the ARP table.
	ARPTableEntries prometheus.Gauge

	// ARPPendingEntries tracks the number of destinations awaiting ARP
	// resolution.
	ARPPendingEntries prometheus.Gauge

	// FragmentsSent counts IPv4 fragments transmitted.
	FragmentsSent prometheus.Counter

	// UnreachableSent counts destination-unreachable messages sent,
	// labeled by ICMP/ICMPv6 code.
	UnreachableSent *prometheus.CounterVec

	// PingRTTMin reports the minimum observed ping round-trip time, in
	// seconds, across all replies received so far.
	PingRTTMin prometheus.Gauge

	// PingRTTMax reports the maximum observed ping round-trip time.
	PingRTTMax prometheus.Gauge

	// PingRTTAvg reports the mean observed ping round-trip time.
	PingRTTAvg prometheus.Gauge
}

// NewCollector creates a Collector with all stack metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ARPTableEntries,
		c.ARPPendingEntries,
		c.FragmentsSent,
		c.UnreachableSent,
		c.PingRTTMin,
		c.PingRTTMax,
		c.PingRTTAvg,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ARPTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "arp_table_entries",
			Help:      "Number of live entries in the ARP table.",
		}),

		ARPPendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "arp_pending_entries",
			Help:      "Number of destinations currently awaiting ARP resolution.",
		}),

		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ipv4_fragments_sent_total",
			Help:      "Total IPv4 fragments transmitted.",
		}),

		UnreachableSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unreachable_sent_total",
			Help:      "Total destination-unreachable messages sent, by code.",
		}, []string{labelCode}),

		PingRTTMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ping_rtt_min_seconds",
			Help:      "Minimum observed ping round-trip time.",
		}),

		PingRTTMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ping_rtt_max_seconds",
			Help:      "Maximum observed ping round-trip time.",
		}),

		PingRTTAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ping_rtt_avg_seconds",
			Help:      "Mean observed ping round-trip time.",
		}),
	}
}

// -------------------------------------------------------------------------
// ARP occupancy
// -------------------------------------------------------------------------

// SetARPTableEntries records the current ARP table occupancy.
func (c *Collector) SetARPTableEntries(n int) { c.ARPTableEntries.Set(float64(n)) }

// SetARPPendingEntries records the current ARP pending-queue occupancy.
func (c *Collector) SetARPPendingEntries(n int) { c.ARPPendingEntries.Set(float64(n)) }

// -------------------------------------------------------------------------
// Fragmentation and unreachable activity
// -------------------------------------------------------------------------

// IncFragmentsSent increments the fragments-transmitted counter.
func (c *Collector) IncFragmentsSent() { c.FragmentsSent.Inc() }

// IncUnreachableSent increments the destination-unreachable counter for
// code.
func (c *Collector) IncUnreachableSent(code uint8) {
	c.UnreachableSent.WithLabelValues(codeLabel(code)).Inc()
}

func codeLabel(code uint8) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[code>>4], hexDigits[code&0x0F]})
}

// -------------------------------------------------------------------------
// Ping statistics
// -------------------------------------------------------------------------

// SetPingStats records a fresh snapshot of ping round-trip statistics,
// all given in seconds.
func (c *Collector) SetPingStats(min, avg, max float64) {
	c.PingRTTMin.Set(min)
	c.PingRTTAvg.Set(avg)
	c.PingRTTMax.Set(max)
}
