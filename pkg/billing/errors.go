package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingSecret is returned when no webhook signing secret is configured.
	// It is a deployment error, never a property of the request.
	ErrMissingSecret = errors.New("webhook signing secret not configured")

	// ErrMalformedHeader is returned when the signature header cannot be parsed
	ErrMalformedHeader = errors.New("malformed signature header")

	// ErrInvalidSignature is returned when no supplied signature matches the payload
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrTimestampOutOfTolerance is returned when the signed timestamp is too
	// far from the local clock, in either direction
	ErrTimestampOutOfTolerance = errors.New("signature timestamp outside tolerance")

	// ErrInvalidWebhookPayload is returned when a verified payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrPriceRequired is returned when a checkout session is requested without a price
	ErrPriceRequired = errors.New("price id is required")

	// ErrCustomerRequired is returned when a portal session is requested without a customer
	ErrCustomerRequired = errors.New("customer id is required")

	// ErrSessionRequired is returned when a session lookup has no session id
	ErrSessionRequired = errors.New("session id is required")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)

// VerificationError reports why an inbound webhook was rejected.
type VerificationError struct {
	Reason error
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *VerificationError) Unwrap() error {
	return e.Reason
}

// Reject builds a VerificationError for reason.
func Reject(reason error, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
