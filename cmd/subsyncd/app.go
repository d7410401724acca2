package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/codecraft/subsync/internal/config"
	"github.com/codecraft/subsync/pkg/api"
	"github.com/codecraft/subsync/pkg/billing"
	billingprom "github.com/codecraft/subsync/pkg/billing/metrics/prometheus"
	billingstripe "github.com/codecraft/subsync/pkg/billing/stripe"
	"github.com/codecraft/subsync/pkg/subsync"
	zerologadapter "github.com/codecraft/subsync/pkg/subsync/logger/zerolog"
	subsyncprom "github.com/codecraft/subsync/pkg/subsync/metrics/prometheus"
)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	logger   subsync.Logger
	registry *prometheus.Registry
	storage  subsync.Storage
	manager  *subsync.Manager
	provider billing.Provider
	api      *api.Handler
	closers  []func() error
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "subsyncd").Logger()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: newLogger(cfg, os.Stderr)}
	a.logger = zerologadapter.NewLogger(a.log)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, closeStore, err := openStorage(ctx, cfg.Storage, func(err error) {
		a.log.Warn().Err(err).Msg("storage cleanup failed")
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.storage = store
	a.closers = append(a.closers, closeStore)

	sk, err := buildSinks(ctx, cfg.Sinks, store, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { sk.close(); return nil })

	a.manager, err = subsync.NewManager(store, subsync.Config{
		Reducer:            subsync.ReducerConfig{SuspendAfterAttempts: cfg.Pipeline.SuspendAfterAttempts},
		EventRetention:     cfg.Pipeline.EventRetention,
		MaxConflictRetries: cfg.Pipeline.MaxConflictRetries,
		ApplyTimeout:       cfg.Pipeline.ApplyTimeout,
		Async:              cfg.Pipeline.Async,
		Workers:            cfg.Pipeline.Workers,
		QueueSize:          cfg.Pipeline.QueueSize,
		Retry: subsync.RetryPolicy{
			MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
		},
		CircuitBreakerConfig: &subsync.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Access:   sk.access,
		Notifier: sk.notifier,
		Audit:    sk.audit,
		Metrics:  subsyncprom.NewMetrics(a.registry, cfg.MetricsNamespace),
		Logger:   a.logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create manager: %w", err)
	}

	if cfg.Stripe.APIKey != "" {
		provider, err := billingstripe.NewProvider(billingstripe.Config{
			Config: billing.Config{
				Manager:         a.manager,
				WebhookSecret:   cfg.Stripe.WebhookSecret,
				SignatureHeader: cfg.Stripe.SignatureHeader,
				Tolerance:       cfg.Stripe.Tolerance,
				APIKey:          cfg.Stripe.APIKey,
				BaseURL:         cfg.Stripe.BaseURL,
				RateLimit:       cfg.Stripe.RateLimit,
				Metrics:         billingprom.NewMetrics(a.registry, cfg.MetricsNamespace),
				Logger:          a.logger,
			},
			AutomaticTax:          cfg.Stripe.AutomaticTax,
			RequireBillingAddress: cfg.Stripe.RequireAddress,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create stripe provider: %w", err)
		}
		a.provider = provider
	} else {
		a.log.Warn().Msg("STRIPE_SECRET_KEY not set: webhooks, sessions and reconciliation are disabled")
	}

	apiCfg := api.Config{
		Manager:       a.manager,
		GetCustomerID: api.FromHeader(cfg.CustomerHeader),
		Logger:        a.logger,
	}
	if a.provider != nil {
		apiCfg.Sessions = a.provider
	}
	a.api, err = api.NewHandler(apiCfg)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) reconciler() (*subsync.Reconciler, error) {
	if a.provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	return subsync.NewReconciler(a.manager, a.provider, subsync.ReconcilerConfig{
		Interval:    a.cfg.Reconcile.Interval,
		StaleAfter:  a.cfg.Reconcile.StaleAfter,
		BatchSize:   a.cfg.Reconcile.BatchSize,
		Concurrency: a.cfg.Reconcile.Concurrency,
		Logger:      a.logger,
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
