package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the relay's /metrics surface: counters and gauges
// covering the parts of spec.md §4.9's operator API whose rendering
// the spec leaves unspecified.
type Metrics struct {
	registry *Registry
	pending  *PendingTable

	connectedAgents   prometheus.GaugeFunc
	pendingRequests   prometheus.GaugeFunc
	dispatchSuccesses prometheus.Counter
	dispatchFailures  prometheus.Counter
	sweepEvictions    prometheus.Counter
}

// NewMetrics registers the relay's Prometheus collectors against reg.
func NewMetrics(reg *prometheus.Registry, registry *Registry, pending *PendingTable) *Metrics {
	m := &Metrics{registry: registry, pending: pending}

	m.connectedAgents = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tunnelforge_connected_agents",
		Help: "Number of agents currently connected to the relay.",
	}, func() float64 { return float64(len(registry.ListConnected())) })

	m.pendingRequests = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tunnelforge_pending_requests",
		Help: "Number of requests currently awaiting a response from an agent.",
	}, func() float64 { return float64(pending.Len()) })

	m.dispatchSuccesses = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tunnelforge_dispatch_success_total",
		Help: "Total number of requests successfully round-tripped through an agent.",
	})

	m.dispatchFailures = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tunnelforge_dispatch_failure_total",
		Help: "Total number of requests that failed to round-trip through an agent.",
	})

	m.sweepEvictions = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tunnelforge_heartbeat_sweep_evictions_total",
		Help: "Total number of agents evicted by the heartbeat sweep.",
	})

	return m
}
