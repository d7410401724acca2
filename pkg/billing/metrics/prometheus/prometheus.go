package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codecraft/subsync/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
//
// Webhook traffic is split in two: requests the provider refused
// (webhook_rejections_total, by reason and status class) and verified
// events the event log answered for (webhook_admissions_total, by event
// type and outcome). Their sum is every delivery attempt that carried a body.
type Metrics struct {
	admissions   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	lastAdmitted *prometheus.GaugeVec
	ackLatency   *prometheus.HistogramVec

	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// ackBuckets covers the window processors allow before they redeliver.
var ackBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20}

// NewMetrics registers the billing collectors on reg. It panics when they
// are already registered there, like promauto.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}

	return &Metrics{
		admissions: counter("webhook_admissions_total",
			"Verified webhook events by event log outcome.",
			"provider", "event_type", "admission"),
		rejections: counter("webhook_rejections_total",
			"Webhook requests refused before admission.",
			"provider", "reason", "code"),
		lastAdmitted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_last_admitted_timestamp_seconds",
			Help:      "Unix time of the most recently admitted webhook event.",
		}, []string{"provider"}),
		ackLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_ack_duration_seconds",
			Help:      "Time from receiving a webhook to acknowledging it.",
			Buckets:   ackBuckets,
		}, []string{"provider", "admission"}),
		apiCalls: counter("api_calls_total",
			"Calls to the billing processor API.",
			"provider", "endpoint", "status"),
		apiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_call_duration_seconds",
			Help:      "Duration of billing processor API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookAdmission(provider, eventType, admission string) {
	m.admissions.WithLabelValues(provider, eventType, admission).Inc()
	if admission == "admitted" {
		m.lastAdmitted.WithLabelValues(provider).SetToCurrentTime()
	}
}

func (m *Metrics) RecordWebhookRejection(provider, reason string, status int) {
	m.rejections.WithLabelValues(provider, reason, statusClass(status)).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, admission string, duration time.Duration) {
	m.ackLatency.WithLabelValues(provider, admission).Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// statusClass keeps the code label bounded: "4xx", "5xx", or the code itself
// for anything unexpected.
func statusClass(status int) string {
	if status >= 400 && status < 600 {
		return strconv.Itoa(status/100) + "xx"
	}
	return strconv.Itoa(status)
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
