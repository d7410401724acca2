package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/memory"
)

// errorStorage is a mock storage that always fails to list subscriptions
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

func setupSubscription(t *testing.T, store *memory.Storage, customerID string, status subsync.Status) {
	t.Helper()
	now := time.Now().UTC()
	_, err := store.UpsertSubscription(context.Background(), &subsync.Subscription{
		ID: "sub_" + customerID, CustomerID: customerID, Status: status,
		LastEventID: "evt_seed", LastEventAt: now, UpdatedAt: now,
	}, subsync.AnyVersion)
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/api/test", func(c *fiber.Ctx) error {
		ent, ok := GetEntitlement(c)
		if !ok {
			return c.Status(fiber.StatusTeapot).SendString("missing entitlement")
		}
		return c.SendString(ent.CustomerID)
	})
	return app
}

func request(t *testing.T, app *fiber.App, customerID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if customerID != "" {
		req.Header.Set("X-Customer-ID", customerID)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMiddleware_Success(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "cus_1", subsync.StatusTrialing)
	app := newApp(Config{Manager: setupTestManager(t, store), GetCustomerID: FromHeader("X-Customer-ID")})

	status, body := request(t, app, "cus_1")
	if status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if body != "cus_1" {
		t.Errorf("Expected 'cus_1', got %s", body)
	}
}

func TestMiddleware_NotEntitled(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "cus_1", subsync.StatusCanceled)
	app := newApp(Config{Manager: setupTestManager(t, store), GetCustomerID: FromHeader("X-Customer-ID")})

	if status, _ := request(t, app, "cus_1"); status != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", status)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := newApp(Config{Manager: setupTestManager(t, memory.New()), GetCustomerID: FromHeader("X-Customer-ID")})
	if status, _ := request(t, app, ""); status != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", status)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	app := newApp(Config{
		Manager:       setupTestManager(t, &errorStorage{memory.New()}),
		GetCustomerID: FromHeader("X-Customer-ID"),
	})
	if status, _ := request(t, app, "cus_1"); status != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", status)
	}
}

func TestMiddleware_CustomError(t *testing.T) {
	app := newApp(Config{
		Manager:       setupTestManager(t, &errorStorage{memory.New()}),
		GetCustomerID: FromHeader("X-Customer-ID"),
		OnError: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
		},
	})
	status, body := request(t, app, "cus_1")
	if status != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", status)
	}
	if body == "" {
		t.Error("expected error text in body")
	}
}

func TestFromLocals(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "cus_locals", subsync.StatusActive)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("customer_id", "cus_locals")
		return c.Next()
	})
	app.Use(Middleware(Config{Manager: setupTestManager(t, store), GetCustomerID: FromLocals("customer_id")}))
	app.Get("/api/test", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	if status, _ := request(t, app, ""); status != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", status)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Middleware(Config{Manager: setupTestManager(t, memory.New())})
}
