package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

func TestFetchSubscription(t *testing.T) {
	api := &fakeAPI{subscription: &stripe.Subscription{
		ID:                "sub_1",
		Customer:          &stripe.Customer{ID: "cus_1"},
		Status:            stripe.SubscriptionStatusPastDue,
		CancelAtPeriodEnd: true,
		TrialEnd:          1736600000,
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Price:              &stripe.Price{ID: "price_pro"},
			CurrentPeriodStart: 1736400000,
			CurrentPeriodEnd:   1739000000,
		}}},
	}}
	p := newTestProvider(t, api, nil)

	snap, err := p.FetchSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", snap.CustomerID)
	assert.Equal(t, subsync.StatusPastDue, snap.Status)
	assert.Equal(t, "price_pro", snap.PriceID)
	assert.True(t, snap.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1739000000, 0).UTC(), snap.CurrentPeriodEnd)
	require.NotNil(t, snap.TrialEnd)
}

func TestFetchSubscription_NotFound(t *testing.T) {
	for _, apiErr := range []*stripe.Error{
		{HTTPStatusCode: http.StatusNotFound},
		{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCodeResourceMissing},
	} {
		p := newTestProvider(t, &fakeAPI{err: apiErr}, nil)
		_, err := p.FetchSubscription(context.Background(), "sub_gone")
		assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
	}
}

func TestFetchSubscription_ClassifiesFailures(t *testing.T) {
	p := newTestProvider(t, &fakeAPI{err: &stripe.Error{HTTPStatusCode: http.StatusUnauthorized}}, nil)
	_, err := p.FetchSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.True(t, subsync.IsPermanent(err))

	p = newTestProvider(t, &fakeAPI{err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}}, nil)
	_, err = p.FetchSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.False(t, subsync.IsPermanent(err))
}

func TestFetchSubscription_UnknownStatus(t *testing.T) {
	p := newTestProvider(t, &fakeAPI{subscription: &stripe.Subscription{ID: "sub_1", Status: "mystery"}}, nil)
	_, err := p.FetchSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, subsync.ErrInvalidEvent)
}

func TestProviderDrivesReconciler(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{subscription: &stripe.Subscription{
		ID: "sub_1", Customer: &stripe.Customer{ID: "cus_1"}, Status: stripe.SubscriptionStatusActive,
	}}
	p := newTestProvider(t, api, nil)

	r, err := subsync.NewReconciler(p.manager, p, subsync.ReconcilerConfig{})
	require.NoError(t, err)
	res, err := r.ReconcileSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusActive, res.Subscription.Status)

	ent, err := p.manager.Entitlement(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, ent.Entitled)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &stripe.Error{HTTPStatusCode: 503}, true},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429, Code: stripe.ErrorCodeRateLimit}, true},
		{"lock timeout", &stripe.Error{HTTPStatusCode: 400, Code: stripe.ErrorCodeLockTimeout}, true},
		{"card declined", &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}, false},
		{"bad request", &stripe.Error{HTTPStatusCode: 400}, false},
		{"wrapped server error", fmt.Errorf("call: %w", &stripe.Error{HTTPStatusCode: 500}), true},
		{"network timeout", timeoutErr{}, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
