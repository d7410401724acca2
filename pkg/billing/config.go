package billing

import (
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
)

const (
	// DefaultSignatureHeader carries the processor's webhook signature
	DefaultSignatureHeader = "Stripe-Signature"

	// DefaultTolerance bounds clock skew and replay age for signed webhooks
	DefaultTolerance = 5 * time.Minute

	// MaxWebhookBody caps webhook request bodies
	MaxWebhookBody = 256 * 1024
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager receives verified events
	Manager *subsync.Manager

	// WebhookSecret is the shared signing secret for inbound callbacks.
	// An empty secret makes every webhook fail with 500 and an alarm log.
	WebhookSecret string

	// SignatureHeader names the header carrying the signature (default: Stripe-Signature)
	SignatureHeader string

	// Tolerance bounds the signed timestamp's distance from now (default: 5m)
	Tolerance time.Duration

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// BaseURL is the storefront origin used for success, cancel and return URLs.
	BaseURL string

	// RateLimit caps webhook requests per client IP per minute (default: 100)
	RateLimit int

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for webhook and API logging (default: NoopLogger)
	Logger subsync.Logger
}
