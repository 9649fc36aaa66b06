// Package metrics exposes Prometheus collectors for the worker and relay.
//
// Each process builds one Metrics value on its own registry so tests and
// multiple instances never collide on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tatchi"

// Metrics holds all collectors.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	// Worker
	WorkerRequests *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
	ResidentActive prometheus.Gauge

	// Handshake
	HandshakeOutcomes *prometheus.CounterVec

	// Relay
	LockOperations *prometheus.CounterVec
	LockDuration   *prometheus.HistogramVec
	RateLimited    prometheus.Counter
}

// New registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		namespace: namespace,
		WorkerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Worker messages handled, by type and result kind.",
		}, []string{"type", "result"}),
		WorkerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Worker message handling latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
		ResidentActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "resident_keypair_active",
			Help:      "1 when a VRF keypair is resident.",
		}),
		HandshakeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "outcomes_total",
			Help:      "Wrap key seed handshake outcomes.",
		}, []string{"outcome"}),
		LockOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "lock_operations_total",
			Help:      "Relay lock operations, by operation and status.",
		}, []string{"op", "status"}),
		LockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "lock_duration_seconds",
			Help:      "Modular exponentiation latency on the relay.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}

	reg.MustRegister(
		m.WorkerRequests,
		m.WorkerDuration,
		m.ResidentActive,
		m.HandshakeOutcomes,
		m.LockOperations,
		m.LockDuration,
		m.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWorker records one handled worker message.
func (m *Metrics) ObserveWorker(msgType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerRequests.WithLabelValues(msgType, result).Inc()
	m.WorkerDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// ObserveLock records one relay lock operation.
func (m *Metrics) ObserveLock(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockOperations.WithLabelValues(op, status).Inc()
	m.LockDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveHandshake records a handshake outcome.
func (m *Metrics) ObserveHandshake(outcome string) {
	if m == nil {
		return
	}
	m.HandshakeOutcomes.WithLabelValues(outcome).Inc()
}

// SetResident sets the resident keypair gauge.
func (m *Metrics) SetResident(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ResidentActive.Set(1)
	} else {
		m.ResidentActive.Set(0)
	}
}

// TrackHandshakeSessions reports fn as the number of sessions the signer
// currently holds. Call it once per Metrics.
func (m *Metrics) TrackHandshakeSessions(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "handshake",
		Name:      "sessions",
		Help:      "Handshake sessions held by the signer.",
	}, func() float64 { return float64(fn()) }))
}

// IncRateLimited counts one rejected request.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
