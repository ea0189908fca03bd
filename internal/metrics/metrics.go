// Package metrics exposes Prometheus collectors for the host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wrangler"

// Session outcomes
const (
	OutcomeCompleted    = "completed"
	OutcomeFallback     = "fallback"
	OutcomeCancelled    = "cancelled"
	OutcomeDisconnected = "disconnected"
	OutcomeAborted      = "aborted"
)

// Metrics holds every collector the host records into
type Metrics struct {
	connectionsActive prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	wakesRejected     prometheus.Counter
	sessionErrors     *prometheus.CounterVec
	adapterDuration   *prometheus.HistogramVec
	adapterFailures   *prometheus.CounterVec
	evictionsTotal    prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of edge devices currently connected",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Utterance sessions by outcome",
		}, []string{"outcome"}),
		wakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakes_rejected_total",
			Help:      "Wake messages rejected because a session was already active",
		}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Audio or control messages discarded by session checks",
		}, []string{"kind"}),
		adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_duration_seconds",
			Help:      "Duration of adapter calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"adapter"}),
		adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "Adapter failures by kind",
		}, []string{"adapter", "kind"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Connection states evicted after the inactivity window",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive,
			m.sessionsTotal,
			m.wakesRejected,
			m.sessionErrors,
			m.adapterDuration,
			m.adapterFailures,
			m.evictionsTotal,
		)
	}
	return m
}

// NewNop returns collectors that are not registered anywhere
func NewNop() *Metrics {
	return New(nil)
}

func (m *Metrics) ConnectionOpened() { m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }
func (m *Metrics) WakeRejected()     { m.wakesRejected.Inc() }
func (m *Metrics) Evicted()          { m.evictionsTotal.Inc() }

func (m *Metrics) SessionEnded(outcome string) {
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionError(kind string) {
	m.sessionErrors.WithLabelValues(kind).Inc()
}

// AdapterCall records one adapter invocation; kind is empty on success
func (m *Metrics) AdapterCall(adapter string, took time.Duration, kind string) {
	m.adapterDuration.WithLabelValues(adapter).Observe(took.Seconds())
	if kind != "" {
		m.adapterFailures.WithLabelValues(adapter, kind).Inc()
	}
}
