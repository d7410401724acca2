package stripe

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

const signingScheme = "v1"

// Verifier checks Stripe's "t=<unix>,v1=<hex>" webhook signatures over the
// exact request bytes.
type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
}

var _ billing.Verifier = (*Verifier)(nil)

// NewVerifier returns a verifier accepting timestamps within tolerance of now
// (default: billing.DefaultTolerance).
func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = billing.DefaultTolerance
	}
	return &Verifier{tolerance: tolerance, now: time.Now}
}

type signedHeader struct {
	timestamp  time.Time
	signatures [][]byte
}

func parseSignatureHeader(header string) (*signedHeader, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, billing.Reject(billing.ErrMalformedHeader, "header is empty")
	}

	h := &signedHeader{}
	var sawTimestamp, sawScheme bool
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, billing.Reject(billing.ErrMalformedHeader, "element %q is not key=value", part)
		}
		switch key {
		case "t":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, billing.Reject(billing.ErrMalformedHeader, "timestamp %q is not an integer", value)
			}
			h.timestamp = time.Unix(secs, 0)
			sawTimestamp = true
		case signingScheme:
			sawScheme = true
			sig, err := hex.DecodeString(value)
			if err != nil {
				// An undecodable signature can never match; keep checking the rest.
				continue
			}
			h.signatures = append(h.signatures, sig)
		}
	}
	if !sawTimestamp {
		return nil, billing.Reject(billing.ErrMalformedHeader, "no timestamp")
	}
	if !sawScheme {
		return nil, billing.Reject(billing.ErrMalformedHeader, "no %s signature", signingScheme)
	}
	return h, nil
}

// Verify authenticates payload and parses it into an event. The signature
// is checked before the timestamp, so a forged header always reports
// ErrInvalidSignature.
func (v *Verifier) Verify(payload []byte, header, secret string) (*subsync.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, &billing.VerificationError{Reason: billing.ErrMissingSecret}
	}

	h, err := parseSignatureHeader(header)
	if err != nil {
		return nil, err
	}

	expected := webhook.ComputeSignature(h.timestamp, payload, secret)
	matched := false
	for _, sig := range h.signatures {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, &billing.VerificationError{Reason: billing.ErrInvalidSignature}
	}

	skew := v.now().Sub(h.timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return nil, billing.Reject(billing.ErrTimestampOutOfTolerance, "signed %s ago, tolerance %s", v.now().Sub(h.timestamp).Round(time.Second), v.tolerance)
	}

	ev, err := subsync.ParseEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return ev, nil
}
