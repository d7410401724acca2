package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

const subscriptionsEndpoint = "/subscriptions"

// FetchSubscription reads a subscription straight from Stripe for
// reconciliation. A subscription Stripe no longer has yields
// subsync.ErrSubscriptionNotFound.
func (p *Provider) FetchSubscription(ctx context.Context, id string) (*subsync.SubscriptionSnapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, subsync.ErrSubscriptionNotFound
	}
	startTime := time.Now()

	sub, err := p.api.RetrieveSubscription(ctx, id, &stripe.SubscriptionRetrieveParams{})
	p.metrics.RecordAPICallDuration(providerName, subscriptionsEndpoint, time.Since(startTime))
	if err != nil {
		if isNotFound(err) {
			p.metrics.RecordAPICall(providerName, subscriptionsEndpoint, "not_found")
			return nil, fmt.Errorf("%w: %s", subsync.ErrSubscriptionNotFound, id)
		}
		p.metrics.RecordAPICall(providerName, subscriptionsEndpoint, "error")
		if !IsRetryable(err) {
			err = subsync.Permanent(err)
		}
		return nil, fmt.Errorf("%w: retrieve subscription %s: %w", billing.ErrProviderAPIError, id, err)
	}
	p.metrics.RecordAPICall(providerName, subscriptionsEndpoint, "success")
	return snapshotFromSubscription(sub)
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

func snapshotFromSubscription(sub *stripe.Subscription) (*subsync.SubscriptionSnapshot, error) {
	status := subsync.Status(sub.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: subscription %s has unknown status %q", subsync.ErrInvalidEvent, sub.ID, sub.Status)
	}

	snap := &subsync.SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		end := time.Unix(sub.TrialEnd, 0).UTC()
		snap.TrialEnd = &end
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			snap.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			snap.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return snap, nil
}
