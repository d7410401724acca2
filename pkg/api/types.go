package api

import (
	"time"

	"github.com/codecraft/subsync/pkg/billing"
)

// AccountResponse is a customer's billing standing, read from storage.
type AccountResponse struct {
	CustomerID    string                 `json:"customer_id"`
	Entitled      bool                   `json:"entitled"`
	Access        string                 `json:"access"` // "granted", "suspended", "revoked", "none"
	KeepData      bool                   `json:"keep_data"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// SubscriptionResponse is the public view of one subscription.
type SubscriptionResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	Retired           bool       `json:"retired"`
}

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
}

type portalRequest struct {
	CustomerID string `json:"customerId"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type checkSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type checkSessionResponse struct {
	Session *billing.SessionSnapshot `json:"session"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
