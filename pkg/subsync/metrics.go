package subsync

import "time"

// Metrics defines the interface for tracking pipeline behavior.
type Metrics interface {
	// RecordAdmission records a dedup-log decision ("admitted" or "duplicate").
	RecordAdmission(eventType string, admission string)

	// RecordTransition records the outcome of applying an event
	// ("applied", "stale", "noop", "failed").
	RecordTransition(kind string, outcome string)

	// RecordApplyDuration records how long one event took to reduce, store and execute.
	RecordApplyDuration(kind string, duration time.Duration)

	// RecordConflict records a lost conditional write that was retried.
	RecordConflict()

	// RecordIntent records an intent execution ("success", "retry", "skipped", "dead_letter").
	RecordIntent(kind string, status string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordQueueDepth records the number of admitted events waiting for a worker.
	RecordQueueDepth(depth int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(_, _ string)                                {}
func (n *NoopMetrics) RecordTransition(_, _ string)                               {}
func (n *NoopMetrics) RecordApplyDuration(_ string, _ time.Duration)              {}
func (n *NoopMetrics) RecordConflict()                                            {}
func (n *NoopMetrics) RecordIntent(_, _ string)                                   {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                   {}
func (n *NoopMetrics) RecordQueueDepth(_ int)                                     {}
