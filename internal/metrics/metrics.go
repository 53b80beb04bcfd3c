// Package metrics exposes co-edit session counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coedit"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry         *prometheus.Registry
	sessionsCreated  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	finalizeFailures prometheus.Counter
	sessionsActive   prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Co-edit sessions that reached the active state.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Co-edit sessions torn down after upload, by trigger.",
		}, []string{"trigger"}),
		finalizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_failures_total",
			Help:      "Finalize attempts that failed and left the session active.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry.",
		}),
	}
	registry.MustRegister(
		m.sessionsCreated,
		m.sessionsEnded,
		m.finalizeFailures,
		m.sessionsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionEnded(trigger string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(trigger).Inc()
}

func (m *Metrics) FinalizeFailed() {
	if m == nil {
		return
	}
	m.finalizeFailures.Inc()
}

// SetActive records the registry size.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
