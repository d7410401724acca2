package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/codecraft/subsync/pkg/billing"
)

const (
	checkoutEndpoint = "/checkout/sessions"
	portalEndpoint   = "/billing_portal/sessions"
)

// CreateCheckoutSession creates a hosted subscription checkout for priceID
// and returns the session id.
func (p *Provider) CreateCheckoutSession(ctx context.Context, priceID string) (string, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", billing.ErrPriceRequired
	}
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.baseURL + "/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(p.baseURL + "/subscriptions"),
		Metadata:   map[string]string{"source": p.config.Source},
	}
	if p.config.AutomaticTax {
		params.AutomaticTax = &stripe.CheckoutSessionCreateAutomaticTaxParams{Enabled: stripe.Bool(true)}
	}
	if p.config.RequireBillingAddress {
		params.BillingAddressCollection = stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired))
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		return "", fmt.Errorf("%w: create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")
	return session.ID, nil
}

// CreatePortalSession creates a customer portal session returning to the
// account page and returns its URL.
func (p *Provider) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", billing.ErrCustomerRequired
	}
	startTime := time.Now()

	session, err := p.api.CreatePortalSession(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.baseURL + "/account"),
	})
	p.metrics.RecordAPICallDuration(providerName, portalEndpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, portalEndpoint, "error")
		return "", fmt.Errorf("%w: create portal session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, portalEndpoint, "success")
	return session.URL, nil
}

// RetrieveSession returns a snapshot of a checkout session. The snapshot is
// for display only; access changes come from webhook events.
func (p *Provider) RetrieveSession(ctx context.Context, sessionID string) (*billing.SessionSnapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, billing.ErrSessionRequired
	}
	startTime := time.Now()

	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	params.AddExpand("customer")

	session, err := p.api.RetrieveCheckoutSession(ctx, sessionID, params)
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		return nil, fmt.Errorf("%w: retrieve checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")

	snap := &billing.SessionSnapshot{
		ID:            session.ID,
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		AmountTotal:   session.AmountTotal,
		Currency:      string(session.Currency),
		CustomerEmail: session.CustomerEmail,
		Untrusted:     true,
	}
	if session.Created > 0 {
		snap.CreatedAt = time.Unix(session.Created, 0).UTC()
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		snap.CustomerEmail = session.CustomerDetails.Email
	}
	if session.Customer != nil {
		snap.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		snap.SubscriptionID = session.Subscription.ID
	}
	return snap, nil
}
