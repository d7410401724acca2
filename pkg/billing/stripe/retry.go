package stripe

import (
	"errors"
	"net"
	"syscall"

	"github.com/stripe/stripe-go/v83"
)

// IsRetryable reports whether a Stripe call failing with err may succeed if
// repeated: server errors, throttling, lock contention, network timeouts and
// refused or reset connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return isRetryableStripeError(err) || isRetryableNetworkError(err)
}

func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode < 600 {
		return true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
