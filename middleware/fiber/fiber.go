// Package fiber provides Fiber middleware that gates routes on subscription entitlement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codecraft/subsync/pkg/subsync"
)

// EntitlementKey is the Locals key holding the resolved *subsync.Entitlement
const EntitlementKey = "subsync.entitlement"

// CustomerIDExtractor extracts the customer ID from a Fiber context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement queries (required)
	Manager *subsync.Manager

	// GetCustomerID extracts the customer ID from context (required)
	GetCustomerID CustomerIDExtractor

	// OnUnauthorized is called when no customer ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the customer is not entitled
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *fiber.Ctx, ent *subsync.Entitlement) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that lets only entitled customers through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("subsync/fiber: Config.Manager is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/fiber: Config.GetCustomerID is required")
	}

	return func(c *fiber.Ctx) error {
		customerID := cfg.GetCustomerID(c)
		if customerID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ent, err := cfg.Manager.Entitlement(c.UserContext(), customerID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !ent.Entitled {
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c, ent)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Subscription required"})
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// GetEntitlement returns the entitlement the middleware resolved
func GetEntitlement(c *fiber.Ctx) (*subsync.Entitlement, bool) {
	ent, ok := c.Locals(EntitlementKey).(*subsync.Entitlement)
	return ent, ok
}

// FromLocals returns a CustomerIDExtractor that reads c.Locals, where auth
// middleware usually stores the caller
func FromLocals(key string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		if id, ok := c.Locals(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that reads a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that reads a route parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
