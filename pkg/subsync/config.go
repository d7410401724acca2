package subsync

import (
	"errors"
	"time"
)

const (
	// DefaultEventRetention keeps event ids past the processor's redelivery window.
	DefaultEventRetention = 35 * 24 * time.Hour

	DefaultMaxConflictRetries = 3
	DefaultApplyTimeout       = 30 * time.Second
	DefaultWorkers            = 4
	DefaultQueueSize          = 256
)

// Config holds Manager settings. Zero values are replaced with defaults.
type Config struct {
	Reducer ReducerConfig

	// EventRetention is how long admitted event ids are remembered (default: 35 days)
	EventRetention time.Duration

	// MaxConflictRetries bounds re-read/re-reduce cycles after a lost
	// conditional write (default: 3)
	MaxConflictRetries int

	// ApplyTimeout bounds one event's reduce, store and execute (default: 30s)
	ApplyTimeout time.Duration

	// Async acknowledges events right after admission and applies them on
	// background workers.
	Async     bool
	Workers   int
	QueueSize int

	Retry                RetryPolicy
	CircuitBreakerConfig *CircuitBreakerConfig

	// Access applies access intents (default: StoreAccess on the Manager's storage)
	Access AccessController

	// Notifier delivers notification intents (default: LogNotifier)
	Notifier Notifier

	// Audit archives every applied event (optional)
	Audit AuditSink

	// Metrics is used for tracking pipeline operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.EventRetention <= 0 {
		c.EventRetention = DefaultEventRetention
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	if c.Reducer.SuspendAfterAttempts < 0 {
		return errors.New("suspend-after attempts must not be negative")
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.FailureThreshold < 0 {
		return errors.New("circuit breaker failure threshold must not be negative")
	}
	return nil
}
