// Package http provides net/http middleware that gates routes on a
// customer's subscription entitlement. It works with any router built on
// http.Handler (chi, gorilla/mux, the standard mux).
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/codecraft/subsync/pkg/subsync"
)

// CustomerIDExtractor extracts the customer ID from an HTTP request
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement queries (required)
	Manager *subsync.Manager

	// GetCustomerID extracts the customer ID from the request (required)
	GetCustomerID CustomerIDExtractor

	// OnUnauthorized is called when no customer ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled is called when the customer has no entitling subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, ent *subsync.Entitlement)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that lets only entitled customers through.
// The entitlement is stored in the request context for downstream handlers.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("subsync/http: Config.Manager is required")
	}
	if config.GetCustomerID == nil {
		panic("subsync/http: Config.GetCustomerID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			customerID := config.GetCustomerID(r)
			if customerID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			ent, err := config.Manager.Entitlement(r.Context(), customerID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			if !ent.Entitled {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, ent)
				} else {
					writeError(w, http.StatusPaymentRequired, "Subscription required")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEntitlement(r.Context(), ent)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// CustomerIDKey is the context key for the customer ID
	CustomerIDKey ContextKey = "subsync:customerID"

	entitlementKey ContextKey = "subsync:entitlement"
)

// FromContext returns a CustomerIDExtractor that reads the request context
func FromContext(key ContextKey) CustomerIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that reads a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithCustomerID adds a customer ID to the context, for auth middleware
// that runs before the entitlement gate
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, CustomerIDKey, customerID)
}

// WithEntitlement stores an entitlement in the context
func WithEntitlement(ctx context.Context, ent *subsync.Entitlement) context.Context {
	return context.WithValue(ctx, entitlementKey, ent)
}

// EntitlementFromContext returns the entitlement the middleware resolved
func EntitlementFromContext(ctx context.Context) (*subsync.Entitlement, bool) {
	ent, ok := ctx.Value(entitlementKey).(*subsync.Entitlement)
	return ent, ok
}
