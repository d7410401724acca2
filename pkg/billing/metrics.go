package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookAdmission records what the event log did with a verified
	// event. admission: "admitted", "duplicate" or "unavailable"
	RecordWebhookAdmission(provider, eventType, admission string)

	// RecordWebhookRejection counts requests refused before they reached the
	// event log, with the HTTP status they were answered with.
	// reason: e.g. "invalid_signature", "malformed_header", "missing_secret", "payload_too_large"
	RecordWebhookRejection(provider, reason string, status int)

	// RecordWebhookProcessingDuration records how long a webhook took to
	// acknowledge, labelled by its admission outcome.
	RecordWebhookProcessingDuration(provider, admission string, duration time.Duration)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success", "error", "not_found"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookAdmission(_, _, _ string)                        {}
func (n *NoopMetrics) RecordWebhookRejection(_, _ string, _ int)                    {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
