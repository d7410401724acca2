package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/billing/internal"
	"github.com/codecraft/subsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultSource            = "subsync_checkout"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, WebhookSecret, etc.)

	// Checkout session options
	AutomaticTax          bool
	RequireBillingAddress bool

	// Source is written to checkout session metadata (default: subsync_checkout)
	Source string
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	manager         *subsync.Manager
	config          Config
	rateLimiter     *internal.RateLimiter
	verifier        *Verifier
	api             stripeAPI
	webhookSecret   string
	signatureHeader string
	baseURL         string
	metrics         billing.Metrics
	logger          subsync.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider. A missing webhook secret
// is not a construction error: the webhook endpoint reports it on every call.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return newProvider(config, &clientAPI{client: stripe.NewClient(apiKey)}), nil
}

func newProvider(config Config, api stripeAPI) *Provider {
	header := config.SignatureHeader
	if header == "" {
		header = billing.DefaultSignatureHeader
	}
	if config.Source == "" {
		config.Source = defaultSource
	}
	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return &Provider{
		manager:         config.Manager,
		config:          config,
		rateLimiter:     internal.NewRateLimiter(limit, defaultRateLimitWindow),
		verifier:        NewVerifier(config.Tolerance),
		api:             api,
		webhookSecret:   strings.TrimSpace(config.WebhookSecret),
		signatureHeader: header,
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		metrics:         metrics,
		logger:          logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the rate-limited HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
