package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/codecraft/subsync/internal/config"
	subsynchttp "github.com/codecraft/subsync/middleware/http"
	"github.com/codecraft/subsync/pkg/api"
	"github.com/codecraft/subsync/pkg/billing"
	"github.com/codecraft/subsync/pkg/subsync"
)

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Get("/healthz", api.Health)
	r.Get("/readyz", readiness(a.storage))
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	webhook := http.Handler(http.HandlerFunc(providerMissing))
	if a.provider != nil {
		webhook = a.provider.WebhookHandler()
	}
	r.Handle("/webhooks/billing", webhook)
	r.Handle("/webhooks/stripe", webhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/account", a.api.GetAccount)
		r.HandleFunc("/create-checkout-session", a.api.CreateCheckoutSession)
		r.HandleFunc("/create-portal-session", a.api.CreatePortalSession)
		r.HandleFunc("/check-session", a.api.CheckSession)

		gate := subsynchttp.Middleware(subsynchttp.Config{
			Manager:       a.manager,
			GetCustomerID: subsynchttp.FromHeader(a.cfg.CustomerHeader),
		})
		r.With(gate).Get("/entitlement", func(w http.ResponseWriter, r *http.Request) {
			ent, _ := subsynchttp.EntitlementFromContext(r.Context())
			writeJSON(w, http.StatusOK, ent)
		})
	})
	return r
}

func providerMissing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": billing.ErrProviderNotConfigured.Error()})
}

func readiness(store subsync.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := log.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				event = log.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serve runs the HTTP server and background loops until ctx is cancelled,
// then drains in-flight requests and queued events.
func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a.manager.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Str("storage", a.cfg.Storage.Backend).Msg("subsyncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := a.manager.Close(shutdownCtx); cerr != nil {
			a.log.Error().Err(cerr).Msg("event queue did not drain")
		}
		return err
	})

	if a.cfg.Reconcile.Enabled {
		if rec, err := a.reconciler(); err == nil {
			g.Go(func() error { return rec.Run(gctx) })
		} else {
			a.log.Info().Err(err).Msg("reconciliation disabled")
		}
	}

	if a.cfg.Storage.PurgeInterval > 0 && a.cfg.Storage.Backend != config.BackendPostgres {
		g.Go(func() error {
			purgeLoop(gctx, a)
			return nil
		})
	}

	return g.Wait()
}

func purgeLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(a.cfg.Storage.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.manager.PurgeExpiredEvents(ctx)
			if err != nil {
				a.log.Warn().Err(err).Msg("purge expired events failed")
				continue
			}
			if n > 0 {
				a.log.Info().Int("purged", n).Msg("purged expired event ids")
			}
		}
	}
}
