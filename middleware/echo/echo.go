// Package echo provides Echo middleware that gates routes on subscription entitlement
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codecraft/subsync/pkg/subsync"
)

// EntitlementKey is the Echo context key holding the resolved *subsync.Entitlement
const EntitlementKey = "subsync.entitlement"

// CustomerIDExtractor extracts the customer ID from an Echo context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement queries (required)
	Manager *subsync.Manager

	// GetCustomerID extracts the customer ID from context (required)
	GetCustomerID CustomerIDExtractor

	// OnUnauthorized is called when no customer ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the customer is not entitled
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c echo.Context, ent *subsync.Entitlement) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that lets only entitled customers through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("subsync/echo: Config.Manager is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/echo: Config.GetCustomerID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			customerID := cfg.GetCustomerID(c)
			if customerID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ent, err := cfg.Manager.Entitlement(c.Request().Context(), customerID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !ent.Entitled {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, ent)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Subscription required"})
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// GetEntitlement returns the entitlement the middleware resolved
func GetEntitlement(c echo.Context) (*subsync.Entitlement, bool) {
	ent, ok := c.Get(EntitlementKey).(*subsync.Entitlement)
	return ent, ok
}

// FromContext returns a CustomerIDExtractor that reads an Echo context value
func FromContext(key string) CustomerIDExtractor {
	return func(c echo.Context) string {
		if id, ok := c.Get(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that reads a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that reads a path parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
