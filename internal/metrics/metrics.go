// Package metrics exposes Prometheus counters for saga legs, offer matching
// and sweeper runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paneta"

type Metrics struct {
	registry *prometheus.Registry

	legsCompleted     *prometheus.CounterVec
	legAttemptsFailed *prometheus.CounterVec
	sagaOutcomes      *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	offerEvents       *prometheus.CounterVec
	sweptItems        *prometheus.CounterVec
	sweepErrors       *prometheus.CounterVec
}

// New builds the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		legsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "legs_completed_total",
			Help: "Cross-border saga legs completed, by leg.",
		}, []string{"leg"}),
		legAttemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "leg_attempts_failed_total",
			Help: "Failed leg attempts, by leg.",
		}, []string{"leg"}),
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "outcomes_total",
			Help: "Terminal saga outcomes, by status.",
		}, []string{"status"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfers", Name: "total",
			Help: "Transfers by kind and outcome.",
		}, []string{"kind", "outcome"}),
		offerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fx", Name: "offer_events_total",
			Help: "Offer lifecycle events: matched, executed, reverted, cancelled.",
		}, []string{"event"}),
		sweptItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "items_total",
			Help: "Rows affected by sweeper jobs.",
		}, []string{"job"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "errors_total",
			Help: "Sweeper job errors.",
		}, []string{"job"}),
	}
	m.registry.MustRegister(
		m.legsCompleted, m.legAttemptsFailed, m.sagaOutcomes, m.transfers,
		m.offerEvents, m.sweptItems, m.sweepErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LegCompleted(leg string) {
	if m != nil {
		m.legsCompleted.WithLabelValues(leg).Inc()
	}
}

func (m *Metrics) LegAttemptFailed(leg string) {
	if m != nil {
		m.legAttemptsFailed.WithLabelValues(leg).Inc()
	}
}

func (m *Metrics) SagaOutcome(status string) {
	if m != nil {
		m.sagaOutcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Transfer(kind, outcome string) {
	if m != nil {
		m.transfers.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) OfferEvent(event string) {
	if m != nil {
		m.offerEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Swept(job string, n int) {
	if m != nil && n > 0 {
		m.sweptItems.WithLabelValues(job).Add(float64(n))
	}
}

func (m *Metrics) SweepError(job string) {
	if m != nil {
		m.sweepErrors.WithLabelValues(job).Inc()
	}
}
