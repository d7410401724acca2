package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

const (
	maxCustomerIDLen = 255
	maxRequestBody   = 64 * 1024
	accessNone       = "none"
)

// Handler serves the account and checkout/portal session endpoints.
type Handler struct {
	config Config
}

// GetAccount returns the caller's entitlement, access record and subscriptions.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	customerID := h.config.GetCustomerID(r)
	if customerID == "" {
		h.handleError(w, r, errors.New("customer ID not found"), "", http.StatusUnauthorized)
		return
	}
	if len(customerID) > maxCustomerIDLen {
		h.handleError(w, r, errors.New("invalid customer ID format"), "", http.StatusBadRequest)
		return
	}

	ent, err := h.config.Manager.Entitlement(r.Context(), customerID)
	if err != nil {
		h.config.Logger.Error("account lookup failed", subsync.Field{Key: "customer_id", Value: customerID}, subsync.Field{Key: "error", Value: err})
		h.handleError(w, r, errors.New("failed to load account"), "", http.StatusInternalServerError)
		return
	}

	resp := AccountResponse{
		CustomerID:    customerID,
		Entitled:      ent.Entitled,
		Access:        accessNone,
		Subscriptions: make([]SubscriptionResponse, 0, len(ent.Subscriptions)),
	}
	if ent.Access != nil {
		resp.Access = string(ent.Access.State)
		resp.KeepData = ent.Access.KeepData
	}
	for _, s := range ent.Subscriptions {
		sr := SubscriptionResponse{
			ID:                s.ID,
			Status:            string(s.Status),
			PriceID:           s.PriceID,
			CancelAtPeriodEnd: s.CancelAtPeriodEnd,
			TrialEnd:          s.TrialEnd,
			Retired:           s.Retired,
		}
		if !s.CurrentPeriodEnd.IsZero() {
			end := s.CurrentPeriodEnd
			sr.CurrentPeriodEnd = &end
		}
		resp.Subscriptions = append(resp.Subscriptions, sr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateCheckoutSession handles {priceId} and answers {sessionId}.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w, r) {
		return
	}
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PriceID == "" {
		h.handleError(w, r, errors.New("Price ID is required"), "", http.StatusBadRequest)
		return
	}

	id, err := h.config.Sessions.CreateCheckoutSession(r.Context(), req.PriceID)
	if err != nil {
		h.config.Logger.Error("checkout session creation failed", subsync.Field{Key: "price_id", Value: req.PriceID}, subsync.Field{Key: "error", Value: err})
		h.handleError(w, r, errors.New("Error creating checkout session"), err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: id})
}

// CreatePortalSession handles {customerId} and answers {url}.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w, r) {
		return
	}
	var req portalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		h.handleError(w, r, errors.New("Customer ID is required"), "", http.StatusBadRequest)
		return
	}

	url, err := h.config.Sessions.CreatePortalSession(r.Context(), req.CustomerID)
	if err != nil {
		h.config.Logger.Error("portal session creation failed", subsync.Field{Key: "customer_id", Value: req.CustomerID}, subsync.Field{Key: "error", Value: err})
		h.handleError(w, r, errors.New("Error creating portal session"), err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: url})
}

// CheckSession handles {sessionId} and answers {session}. The snapshot is
// display data only.
func (h *Handler) CheckSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w, r) {
		return
	}
	var req checkSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.handleError(w, r, errors.New("Session ID is required"), "", http.StatusBadRequest)
		return
	}

	snap, err := h.config.Sessions.RetrieveSession(r.Context(), req.SessionID)
	if err != nil {
		h.handleError(w, r, errors.New("Failed to retrieve session"), err.Error(), http.StatusBadRequest)
		return
	}
	if snap.PaymentStatus == "paid" {
		h.config.Logger.Info("checkout session paid",
			subsync.Field{Key: "session_id", Value: snap.ID},
			subsync.Field{Key: "subscription_id", Value: snap.SubscriptionID})
	}
	writeJSON(w, http.StatusOK, checkSessionResponse{Session: snap})
}

func (h *Handler) sessionsReady(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, errors.New("method not allowed"), "", http.StatusMethodNotAllowed)
		return false
	}
	if h.config.Sessions == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, "", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.handleError(w, r, errors.New("invalid request body"), err.Error(), http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.handleError(w, r, errors.New("invalid request body"), fmt.Sprintf("decode json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, details string, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, errorResponse{Error: err.Error(), Details: details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
