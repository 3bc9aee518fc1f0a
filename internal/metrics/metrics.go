// Package metrics exposes Prometheus counters and histograms for upstream
// fetches, artifact generation and report transitions.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches          *prometheus.CounterVec
	artifacts        *prometheus.CounterVec
	artifactDuration *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

// New registers the collectors with registerer. A nil registerer uses the
// default registry.
func New(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "adreport"
	}

	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream API calls by service, operation and failure class.",
		}, []string{"service", "operation", "outcome"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_generated_total",
			Help:      "Artifact generation attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		artifactDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_generation_seconds",
			Help:      "Artifact generation latency by kind.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_transitions_total",
			Help:      "Report status transitions.",
		}, []string{"from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per upstream service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
	}

	registerer.MustRegister(m.fetches, m.artifacts, m.artifactDuration, m.transitions, m.breakerState)
	return m
}

// ObserveFetch counts one upstream call. An empty class means success.
func (m *Metrics) ObserveFetch(service, operation, class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = OutcomeOK
	}
	m.fetches.WithLabelValues(service, operation, class).Inc()
}

// ObserveArtifact counts one artifact task and its latency.
func (m *Metrics) ObserveArtifact(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind, outcome).Inc()
	m.artifactDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveTransition counts one committed status change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetBreakerState records the current state of a service's breaker.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}
