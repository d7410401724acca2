package api

import (
	"fmt"
	"net/http"

	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

// Config holds configuration for the account and session API handler
type Config struct {
	// Manager answers entitlement queries (required)
	Manager *subsync.Manager

	// Sessions creates checkout and portal sessions (required for the session endpoints)
	Sessions billing.Sessions

	// GetCustomerID extracts the caller's customer id for the account endpoint (required)
	GetCustomerID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, writes {error, details} JSON
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for request failures (default: NoopLogger)
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetCustomerID == nil {
		return fmt.Errorf("getCustomerID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetCustomerID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetCustomerID function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}
