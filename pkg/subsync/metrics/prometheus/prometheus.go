// Package prommetrics implements subsync.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal            *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	applyDuration              *prometheus.HistogramVec
	conflictsTotal             prometheus.Counter
	intentsTotal               *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_admissions_total",
			Help:      "Events recorded in the deduplication log, by decision.",
		}, []string{"event_type", "admission"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Events applied to subscription state, by outcome.",
		}, []string{"kind", "outcome"}),

		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Latency of reduce, store and execute for one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		conflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Conditional subscription writes that lost a race and were retried.",
		}),

		intentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Side-effect intents handled by the executor, by status.",
		}, []string{"intent", "status"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Admitted events waiting for a worker.",
		}),
	}
}

func (m *Metrics) RecordAdmission(eventType, admission string) {
	m.admissionsTotal.WithLabelValues(eventType, admission).Inc()
}

func (m *Metrics) RecordTransition(kind, outcome string) {
	m.transitionsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordApplyDuration(kind string, duration time.Duration) {
	m.applyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordConflict() {
	m.conflictsTotal.Inc()
}

func (m *Metrics) RecordIntent(kind, status string) {
	m.intentsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
