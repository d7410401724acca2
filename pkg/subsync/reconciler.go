package subsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SubscriptionFetcher reads a subscription directly from the processor.
// It returns ErrSubscriptionNotFound when the processor no longer knows it.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error)
}

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval between passes (default: 15m)
	Interval time.Duration

	// StaleAfter selects subscriptions not written for this long (default: 24h)
	StaleAfter time.Duration

	// BatchSize caps subscriptions per pass (default: 100)
	BatchSize int

	// Concurrency caps parallel processor calls (default: 4)
	Concurrency int

	Logger Logger
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Checked int
	Changed int
	Failed  int
}

// Reconciler re-reads quiet subscriptions from the processor and applies
// them as ground truth. It closes gaps left by lost or dead-lettered events.
type Reconciler struct {
	manager *Manager
	fetcher SubscriptionFetcher
	cfg     ReconcilerConfig
	logger  Logger
}

// NewReconciler creates a reconciler applying through m.
func NewReconciler(m *Manager, fetcher SubscriptionFetcher, cfg ReconcilerConfig) (*Reconciler, error) {
	if m == nil || fetcher == nil {
		return nil, errors.New("reconciler requires a manager and a fetcher")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	return &Reconciler{manager: m, fetcher: fetcher, cfg: cfg, logger: cfg.Logger}, nil
}

// Run reconciles every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation pass failed", Field{Key: "error", Value: err})
				continue
			}
			r.logger.Info("reconciliation pass complete",
				Field{Key: "checked", Value: report.Checked},
				Field{Key: "changed", Value: report.Changed},
				Field{Key: "failed", Value: report.Failed})
		}
	}
}

// RunOnce performs a single pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	before := r.manager.config.Now().UTC().Add(-r.cfg.StaleAfter)
	subs, err := r.manager.storage.ListStaleSubscriptions(ctx, before, r.cfg.BatchSize)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list stale subscriptions: %w", err)
	}

	var changed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			ok, err := r.reconcile(gctx, sub)
			if err != nil {
				failed.Add(1)
				r.logger.Warn("reconcile subscription failed",
					Field{Key: "subscription_id", Value: sub.ID}, Field{Key: "error", Value: err})
				return nil
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}
	return ReconcileReport{Checked: len(subs), Changed: int(changed.Load()), Failed: int(failed.Load())}, nil
}

// ReconcileSubscription reconciles one subscription by id.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, id string) (*Result, error) {
	snap, err := r.fetcher.FetchSubscription(ctx, id)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.manager.reconcileMissing(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return r.manager.Reconcile(ctx, snap)
}

func (r *Reconciler) reconcile(ctx context.Context, sub *Subscription) (bool, error) {
	res, err := r.ReconcileSubscription(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	return res.Subscription != nil && (res.Subscription.Status != sub.Status || res.Subscription.Retired != sub.Retired), nil
}

// reconcileMissing retires a subscription the processor no longer has.
func (m *Manager) reconcileMissing(ctx context.Context, id string) (*Result, error) {
	now := m.config.Now().UTC()
	ev := &Event{
		ID:           "reconcile:" + id + ":" + strconv.FormatInt(now.UnixNano(), 10),
		Type:         EventSubscriptionDeleted,
		OccurredAt:   now,
		Subscription: &SubscriptionSnapshot{ID: id},
	}
	return m.applyLocked(ctx, ev, false)
}
