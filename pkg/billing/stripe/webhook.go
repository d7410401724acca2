package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/billing/internal"
	"github.com/codecraft/subsync/pkg/subsync"
)

type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook verifies, admits and applies one Stripe callback.
// Duplicates and unknown event types are acknowledged with 200.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		p.metrics.RecordWebhookRejection(providerName, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, billing.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large", err.Error())
			p.metrics.RecordWebhookRejection(providerName, "payload_too_large", http.StatusRequestEntityTooLarge)
			return
		}
		internal.WriteError(w, http.StatusBadRequest, "invalid payload", err.Error())
		p.metrics.RecordWebhookRejection(providerName, "invalid_payload", http.StatusBadRequest)
		return
	}

	remote := internal.GetClientIP(r)
	ev, err := p.verifier.Verify(body, r.Header.Get(p.signatureHeader), p.webhookSecret)
	if err != nil {
		p.rejectWebhook(w, remote, err)
		return
	}

	fields := []subsync.Field{
		{Key: "event_id", Value: ev.ID},
		{Key: "event_type", Value: string(ev.Type)},
		{Key: "remote_addr", Value: remote},
	}
	admission, err := p.manager.Ingest(r.Context(), ev)
	if err != nil {
		p.logger.Error("event log unavailable, event not admitted", append(fields, subsync.Field{Key: "error", Value: err})...)
		internal.WriteError(w, http.StatusServiceUnavailable, "event log unavailable", "")
		p.metrics.RecordWebhookAdmission(providerName, string(ev.Type), "unavailable")
		p.metrics.RecordWebhookProcessingDuration(providerName, "unavailable", time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})

	p.metrics.RecordWebhookAdmission(providerName, string(ev.Type), admission.String())
	p.metrics.RecordWebhookProcessingDuration(providerName, admission.String(), time.Since(startTime))
}

func (p *Provider) rejectWebhook(w http.ResponseWriter, remote string, err error) {
	fields := []subsync.Field{{Key: "remote_addr", Value: remote}, {Key: "error", Value: err}}

	switch {
	case errors.Is(err, billing.ErrMissingSecret):
		p.logger.Error("webhook signing secret is not configured", append(fields, subsync.Field{Key: "alarm", Value: true})...)
		internal.WriteError(w, http.StatusInternalServerError, "webhook not configured", "")
		p.metrics.RecordWebhookRejection(providerName, "missing_secret", http.StatusInternalServerError)
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.logger.Warn("verified webhook has an invalid payload", fields...)
		internal.WriteError(w, http.StatusBadRequest, "invalid payload", err.Error())
		p.metrics.RecordWebhookRejection(providerName, "invalid_payload", http.StatusBadRequest)
	default:
		p.logger.Warn("webhook verification failed", fields...)
		internal.WriteError(w, http.StatusBadRequest, "webhook verification failed", err.Error())
		p.metrics.RecordWebhookRejection(providerName, verificationErrorType(err), http.StatusBadRequest)
	}
}

func verificationErrorType(err error) string {
	switch {
	case errors.Is(err, billing.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, billing.ErrTimestampOutOfTolerance):
		return "timestamp_out_of_tolerance"
	default:
		return "invalid_signature"
	}
}
