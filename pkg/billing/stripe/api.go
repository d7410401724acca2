package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// stripeAPI is the slice of the Stripe client the provider calls.
type stripeAPI interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
	RetrieveSubscription(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (c *clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) RetrieveCheckoutSession(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Retrieve(ctx, id, params)
}

func (c *clientAPI) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, params)
}
