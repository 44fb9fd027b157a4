// Package metrics exposes relay counters to prometheus
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes
const (
	OutcomeExecuted = "executed"
	OutcomeCached   = "cached"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeOK       = "ok"
)

// Metrics holds the relay's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	coalesced       prometheus.Counter
	broadcastSlots  *prometheus.CounterVec
	connections     *prometheus.GaugeVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.requestCounter = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of dispatched RPC requests",
		},
		[]string{"method", "outcome"},
	)

	m.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	m.coalesced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "rpc",
		Name:      "coalesced_total",
		Help:      "Requests that waited on an identical in-flight execution",
	})

	m.broadcastSlots = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "slots_total",
			Help:      "Broadcast relay slots by outcome",
		},
		[]string{"outcome"},
	)

	m.connections = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Open RPC connections by transport",
		},
		[]string{"transport"},
	)

	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// RegisterCacheSize exposes the current number of cache entries
func (m *Metrics) RegisterCacheSize(size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Number of cached responses",
	}, func() float64 {
		return float64(size())
	}))
}

// ObserveRequest records one dispatched request
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestCounter.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncCoalesced records a request that waited on another execution
func (m *Metrics) IncCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// ObserveBroadcastSlot records the outcome of one relay slot
func (m *Metrics) ObserveBroadcastSlot(outcome string) {
	if m == nil {
		return
	}
	m.broadcastSlots.WithLabelValues(outcome).Inc()
}

// ConnectionOpened increments the open connection gauge
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the open connection gauge
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
