package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/memory"
)

type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListSubscriptionsByCustomer(context.Context, string) ([]*subsync.Subscription, error) {
	return nil, errors.New("connection refused")
}

func init() {
	gongin.SetMode(gongin.TestMode)
}

func newManager(t *testing.T, storage subsync.Storage) *subsync.Manager {
	t.Helper()
	m, err := subsync.NewManager(storage, subsync.Config{})
	require.NoError(t, err)
	return m
}

func seed(t *testing.T, store *memory.Storage, customerID string, status subsync.Status) {
	t.Helper()
	now := time.Now().UTC()
	_, err := store.UpsertSubscription(context.Background(), &subsync.Subscription{
		ID: "sub_" + customerID, CustomerID: customerID, Status: status,
		LastEventID: "evt_seed", LastEventAt: now, UpdatedAt: now,
	}, subsync.AnyVersion)
	require.NoError(t, err)
}

func newRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/api/test", func(c *gongin.Context) {
		ent, ok := GetEntitlement(c)
		if !ok {
			c.String(http.StatusTeapot, "missing entitlement")
			return
		}
		c.String(http.StatusOK, ent.CustomerID)
	})
	return r
}

func do(r http.Handler, customerID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if customerID != "" {
		req.Header.Set("X-Customer-ID", customerID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Entitled(t *testing.T) {
	store := memory.New()
	seed(t, store, "cus_1", subsync.StatusActive)
	r := newRouter(Config{Manager: newManager(t, store), GetCustomerID: FromHeader("X-Customer-ID")})

	rec := do(r, "cus_1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cus_1", rec.Body.String())
}

func TestMiddleware_NotEntitled(t *testing.T) {
	store := memory.New()
	seed(t, store, "cus_1", subsync.StatusPastDue)
	require.NoError(t, store.SetAccess(context.Background(), &subsync.Access{
		CustomerID: "cus_1", State: subsync.AccessSuspended,
	}))
	r := newRouter(Config{Manager: newManager(t, store), GetCustomerID: FromHeader("X-Customer-ID")})

	rec := do(r, "cus_1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "suspended", body["access"])

	assert.Equal(t, http.StatusPaymentRequired, do(r, "cus_unknown").Code)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	r := newRouter(Config{Manager: newManager(t, memory.New()), GetCustomerID: FromHeader("X-Customer-ID")})
	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
}

func TestMiddleware_Error(t *testing.T) {
	var got error
	r := newRouter(Config{
		Manager:       newManager(t, &errorStorage{memory.New()}),
		GetCustomerID: FromHeader("X-Customer-ID"),
		OnError: func(c *gongin.Context, err error) {
			got = err
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "try later"})
		},
	})
	assert.Equal(t, http.StatusServiceUnavailable, do(r, "cus_1").Code)
	assert.Error(t, got)
}

func TestFromContext(t *testing.T) {
	store := memory.New()
	seed(t, store, "cus_ctx", subsync.StatusTrialing)

	r := gongin.New()
	r.Use(func(c *gongin.Context) { c.Set("CustomerID", "cus_ctx") })
	r.Use(Middleware(Config{Manager: newManager(t, store), GetCustomerID: FromContext("CustomerID")}))
	r.GET("/api/test", func(c *gongin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, do(r, "").Code)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Manager: newManager(t, memory.New())}) })
}
