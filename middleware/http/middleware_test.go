package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/memory"
)

// errorStorage fails every subscription listing
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListSubscriptionsByCustomer(context.Context, string) ([]*subsync.Subscription, error) {
	return nil, errors.New("connection refused")
}

func setupTestManager(t *testing.T, storage subsync.Storage) *subsync.Manager {
	t.Helper()
	manager, err := subsync.NewManager(storage, subsync.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func seedSubscription(t *testing.T, storage subsync.Storage, customerID string, status subsync.Status) {
	t.Helper()
	now := time.Now().UTC()
	_, err := storage.UpsertSubscription(context.Background(), &subsync.Subscription{
		ID:          "sub_" + customerID,
		CustomerID:  customerID,
		Status:      status,
		LastEventID: "evt_seed",
		LastEventAt: now,
		UpdatedAt:   now,
	}, subsync.AnyVersion)
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ent, ok := EntitlementFromContext(r.Context())
		if !ok || !ent.Entitled {
			t.Errorf("expected entitlement in context")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serve(h http.Handler, customerID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if customerID != "" {
		req.Header.Set("X-Customer-ID", customerID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "cus_active", subsync.StatusActive)
	seedSubscription(t, store, "cus_pastdue", subsync.StatusPastDue)
	seedSubscription(t, store, "cus_canceled", subsync.StatusCanceled)
	seedSubscription(t, store, "cus_suspended", subsync.StatusPastDue)
	if err := store.SetAccess(context.Background(), &subsync.Access{
		CustomerID: "cus_suspended", State: subsync.AccessSuspended, KeepData: true,
	}); err != nil {
		t.Fatal(err)
	}

	h := Middleware(Config{
		Manager:       setupTestManager(t, store),
		GetCustomerID: FromHeader("X-Customer-ID"),
	})(okHandler(t))

	tests := []struct {
		name       string
		customerID string
		wantStatus int
	}{
		{"active", "cus_active", http.StatusOK},
		{"past due keeps access", "cus_pastdue", http.StatusOK},
		{"canceled", "cus_canceled", http.StatusPaymentRequired},
		{"suspended access", "cus_suspended", http.StatusPaymentRequired},
		{"unknown customer", "cus_unknown", http.StatusPaymentRequired},
		{"no customer", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.customerID)
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	h := Middleware(Config{
		Manager:       setupTestManager(t, &errorStorage{memory.New()}),
		GetCustomerID: FromHeader("X-Customer-ID"),
	})(okHandler(t))

	if rec := serve(h, "cus_1"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var gotErr error
	var gotEnt *subsync.Entitlement
	unauthorized := false

	config := Config{
		Manager:       setupTestManager(t, memory.New()),
		GetCustomerID: FromHeader("X-Customer-ID"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			unauthorized = true
			w.WriteHeader(http.StatusForbidden)
		},
		OnNotEntitled: func(w http.ResponseWriter, _ *http.Request, ent *subsync.Entitlement) {
			gotEnt = ent
			w.WriteHeader(http.StatusForbidden)
		},
	}
	h := Middleware(config)(okHandler(t))

	if rec := serve(h, ""); rec.Code != http.StatusForbidden || !unauthorized {
		t.Errorf("OnUnauthorized not used: %d", rec.Code)
	}
	if rec := serve(h, "cus_x"); rec.Code != http.StatusForbidden || gotEnt == nil || gotEnt.CustomerID != "cus_x" {
		t.Errorf("OnNotEntitled not used: %d", rec.Code)
	}

	config.Manager = setupTestManager(t, &errorStorage{memory.New()})
	config.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
		gotErr = err
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	h = Middleware(config)(okHandler(t))
	if rec := serve(h, "cus_x"); rec.Code != http.StatusServiceUnavailable || gotErr == nil {
		t.Errorf("OnError not used: %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "cus_ctx", subsync.StatusTrialing)

	h := HandlerFunc(Config{
		Manager:       setupTestManager(t, store),
		GetCustomerID: FromContext(CustomerIDKey),
	})(okHandler(t).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req = req.WithContext(WithCustomerID(req.Context(), "cus_ctx"))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing manager")
		}
	}()
	Middleware(Config{GetCustomerID: FromHeader("X-Customer-ID")})
}
