// Package gin provides Gin middleware that gates routes on subscription entitlement
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/codecraft/subsync/pkg/subsync"
)

// EntitlementKey is the Gin context key holding the resolved *subsync.Entitlement
const EntitlementKey = "subsync.entitlement"

// CustomerIDExtractor extracts the customer ID from a Gin context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement queries (required)
	Manager *subsync.Manager

	// GetCustomerID extracts the customer ID from context (required)
	GetCustomerID CustomerIDExtractor

	// OnUnauthorized is called when no customer ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the customer is not entitled
	// If nil, returns 402 Payment Required JSON
	OnNotEntitled func(c *gongin.Context, ent *subsync.Entitlement)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that lets only entitled customers through
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("subsync/gin: Config.Manager is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/gin: Config.GetCustomerID is required")
	}

	return func(c *gongin.Context) {
		customerID := cfg.GetCustomerID(c)
		if customerID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ent, err := cfg.Manager.Entitlement(c.Request.Context(), customerID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !ent.Entitled {
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c, ent)
			} else {
				defaultNotEntitled(c, ent)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

func defaultNotEntitled(c *gongin.Context, ent *subsync.Entitlement) {
	body := gongin.H{"error": "Subscription required"}
	if ent.Access != nil {
		body["access"] = ent.Access.State
	}
	c.JSON(http.StatusPaymentRequired, body)
}

// GetEntitlement returns the entitlement the middleware resolved
func GetEntitlement(c *gongin.Context) (*subsync.Entitlement, bool) {
	val, exists := c.Get(EntitlementKey)
	if !exists {
		return nil, false
	}
	ent, ok := val.(*subsync.Entitlement)
	return ent, ok
}

// FromContext returns a CustomerIDExtractor that gets the customer ID from Gin
// context values set by auth middleware, e.g. c.Set("CustomerID", id)
func FromContext(key string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that gets the customer ID from a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that gets the customer ID from a route parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
