package stripe

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/codecraft/subsync/pkg/billing"
)

const testSecret = "whsec_test_secret"

var verifierNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func testVerifier() *Verifier {
	v := NewVerifier(0)
	v.now = func() time.Time { return verifierNow }
	return v
}

func sign(payload []byte, secret string, at time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(webhook.ComputeSignature(at, payload, secret)))
}

var samplePayload = []byte(`{"id": "evt_1", "type": "customer.subscription.updated",
  "data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "past_due"}}}`)

func TestVerify_ValidSignature(t *testing.T) {
	ev, err := testVerifier().Verify(samplePayload, sign(samplePayload, testSecret, verifierNow), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_1", ev.Subscription.ID)
}

func TestVerify_MatchesStripeTestSigner(t *testing.T) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   samplePayload,
		Secret:    testSecret,
		Timestamp: verifierNow,
		Scheme:    "v1",
	})
	_, err := testVerifier().Verify(signed.Payload, signed.Header, testSecret)
	assert.NoError(t, err)
}

func TestVerify_Rejections(t *testing.T) {
	validHeader := sign(samplePayload, testSecret, verifierNow)

	tampered := append([]byte(nil), samplePayload...)
	tampered[len(tampered)-5] = ' '

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(samplePayload, &parsed))
	reserialized, err := json.Marshal(parsed)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		want    error
	}{
		{"missing secret", samplePayload, validHeader, "", billing.ErrMissingSecret},
		{"blank secret", samplePayload, validHeader, "  ", billing.ErrMissingSecret},
		{"tampered body", tampered, validHeader, testSecret, billing.ErrInvalidSignature},
		{"re-serialized body", reserialized, validHeader, testSecret, billing.ErrInvalidSignature},
		{"wrong secret", samplePayload, validHeader, "whsec_other", billing.ErrInvalidSignature},
		{"non-hex signature", samplePayload, fmt.Sprintf("t=%d,v1=zz", verifierNow.Unix()), testSecret, billing.ErrInvalidSignature},
		{"empty header", samplePayload, "", testSecret, billing.ErrMalformedHeader},
		{"no key value pairs", samplePayload, "garbage", testSecret, billing.ErrMalformedHeader},
		{"bad timestamp", samplePayload, "t=soon,v1=abcd", testSecret, billing.ErrMalformedHeader},
		{"no timestamp", samplePayload, "v1=abcd", testSecret, billing.ErrMalformedHeader},
		{"no v1 signature", samplePayload, fmt.Sprintf("t=%d,v0=abcd", verifierNow.Unix()), testSecret, billing.ErrMalformedHeader},
		{"replayed", samplePayload, sign(samplePayload, testSecret, verifierNow.Add(-6*time.Minute)), testSecret, billing.ErrTimestampOutOfTolerance},
		{"future dated", samplePayload, sign(samplePayload, testSecret, verifierNow.Add(6*time.Minute)), testSecret, billing.ErrTimestampOutOfTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testVerifier().Verify(tt.payload, tt.header, tt.secret)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var verr *billing.VerificationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestVerify_WithinTolerance(t *testing.T) {
	for _, offset := range []time.Duration{-4 * time.Minute, 4 * time.Minute} {
		_, err := testVerifier().Verify(samplePayload, sign(samplePayload, testSecret, verifierNow.Add(offset)), testSecret)
		assert.NoError(t, err, "offset %s", offset)
	}
}

func TestVerify_AnyOfSeveralSignatures(t *testing.T) {
	good := hex.EncodeToString(webhook.ComputeSignature(verifierNow, samplePayload, testSecret))
	old := hex.EncodeToString(webhook.ComputeSignature(verifierNow, samplePayload, "whsec_rotated_out"))
	header := fmt.Sprintf("t=%d,v1=%s,v0=ignored,v1=%s", verifierNow.Unix(), old, good)

	_, err := testVerifier().Verify(samplePayload, header, testSecret)
	assert.NoError(t, err)
}

func TestVerify_InvalidPayloadAfterValidSignature(t *testing.T) {
	payload := []byte(`{"type":"invoice.paid"}`)
	_, err := testVerifier().Verify(payload, sign(payload, testSecret, verifierNow), testSecret)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}
