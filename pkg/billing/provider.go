package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Verifier authenticates a raw webhook body against its signature header and
// only then parses it into an event.
type Verifier interface {
	Verify(payload []byte, signatureHeader, secret string) (*subsync.Event, error)
}

// Sessions creates and inspects processor-hosted checkout and portal sessions.
type Sessions interface {
	CreateCheckoutSession(ctx context.Context, priceID string) (string, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionSnapshot, error)
}

// Provider is the interface a payment processor integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, admits and applies
	// processor callbacks.
	WebhookHandler() http.Handler

	Sessions
	subsync.SubscriptionFetcher
}

// SessionSnapshot is a read-only view of a checkout session. It is
// informational and never grants access: only verified webhook events do.
type SessionSnapshot struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	CustomerID     string    `json:"customer_id,omitempty"`
	CustomerEmail  string    `json:"customer_email,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	AmountTotal    int64     `json:"amount_total"`
	Currency       string    `json:"currency,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Untrusted      bool      `json:"untrusted"`
}
