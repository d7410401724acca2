package subsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy bounds how hard the executor tries before dead-lettering.
type RetryPolicy struct {
	// MaxAttempts includes the first try (default: 5)
	MaxAttempts int

	// BaseDelay is the delay before the first retry; it doubles per attempt (default: 200ms)
	BaseDelay time.Duration

	// MaxDelay caps a single delay (default: 30s)
	MaxDelay time.Duration

	// Retryable classifies errors. Default: everything except Permanent
	// errors and context cancellation.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the executor's default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Retryable:   DefaultRetryable,
	}
}

// DefaultRetryable retries anything not marked Permanent.
func DefaultRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = d.Retryable
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based), with
// jitter in [d/2, d).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	Access   AccessController
	Notifier Notifier
	Ledger   IntentLedger

	// Customers resolves emails for notifications that do not carry one and
	// the other subscriptions of a customer losing access.
	Customers CustomerView

	Retry   RetryPolicy
	Breaker CircuitBreaker

	// ClaimTTL is how long a delivered notification blocks re-delivery (default: 35 days)
	ClaimTTL time.Duration

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// CustomerView is what the executor reads about a customer.
type CustomerView interface {
	SubscriptionStore
	AccessStore
}

// Executor performs intents with retries and records dead letters when it
// gives up. Notifications are delivered at most once per intent key.
type Executor struct {
	access    AccessController
	notifier  Notifier
	ledger    IntentLedger
	customers CustomerView
	retry     RetryPolicy
	breaker   CircuitBreaker
	claimTTL  time.Duration
	logger    Logger
	metrics   Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. Access and Ledger are required.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Access == nil || cfg.Ledger == nil {
		return nil, errors.New("executor requires an access controller and an intent ledger")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &LogNotifier{Logger: cfg.Logger}
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultEventRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breaker == nil {
		metrics := cfg.Metrics
		cfg.Breaker = NewDefaultCircuitBreaker(CircuitBreakerConfig{}, func(s CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(s))
		})
	}
	return &Executor{
		access:    cfg.Access,
		notifier:  cfg.Notifier,
		ledger:    cfg.Ledger,
		customers: cfg.Customers,
		retry:     cfg.Retry.withDefaults(),
		breaker:   cfg.Breaker,
		claimTTL:  cfg.ClaimTTL,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		sleep:     sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TryExecute makes a single attempt at an access intent. handled is false
// when the attempt failed with a retryable error and the intent still needs
// Execute. Permanent failures are dead-lettered and handled.
func (x *Executor) TryExecute(ctx context.Context, in Intent) (handled bool, err error) {
	if !in.Kind.IsAccess() {
		return false, nil
	}
	err = x.run(ctx, in)
	switch {
	case err == nil:
		x.metrics.RecordIntent(string(in.Kind), "success")
		return true, nil
	case x.retry.Retryable(err):
		return false, err
	default:
		return true, x.deadLetter(ctx, in, 1, err)
	}
}

// Execute runs one intent. A nil return acknowledges it. On failure the
// intent has been dead-lettered and an *ExecutorError is returned.
func (x *Executor) Execute(ctx context.Context, in Intent) error {
	kind := string(in.Kind)

	if !in.Kind.IsAccess() {
		claimed, err := x.ledger.ClaimIntent(ctx, in.Key(), x.claimTTL)
		if err != nil {
			return x.deadLetter(ctx, in, 0, fmt.Errorf("claim intent: %w", err))
		}
		if !claimed {
			x.metrics.RecordIntent(kind, "skipped")
			x.logger.Debug("intent already delivered",
				Field{Key: "intent", Value: kind}, Field{Key: "event_id", Value: in.EventID})
			return nil
		}
	}

	var lastErr error
	attempt := 0
	for attempt < x.retry.MaxAttempts {
		attempt++
		lastErr = x.run(ctx, in)
		if lastErr == nil {
			x.metrics.RecordIntent(kind, "success")
			return nil
		}
		if !x.retry.Retryable(lastErr) || attempt == x.retry.MaxAttempts {
			break
		}
		x.metrics.RecordIntent(kind, "retry")
		x.logger.Warn("intent failed, retrying",
			Field{Key: "intent", Value: kind},
			Field{Key: "event_id", Value: in.EventID},
			Field{Key: "attempt", Value: attempt},
			Field{Key: "error", Value: lastErr},
		)
		if err := x.sleep(ctx, x.retry.Backoff(attempt)); err != nil {
			lastErr = fmt.Errorf("%w (last error: %v)", err, lastErr)
			break
		}
	}

	if !in.Kind.IsAccess() {
		// Detached so a cancelled request context does not leave the claim behind.
		if err := x.ledger.ReleaseIntent(context.WithoutCancel(ctx), in.Key()); err != nil {
			x.logger.Error("failed to release intent claim",
				Field{Key: "intent", Value: kind}, Field{Key: "error", Value: err})
		}
	}
	return x.deadLetter(ctx, in, attempt, lastErr)
}

func (x *Executor) deadLetter(ctx context.Context, in Intent, attempts int, cause error) error {
	x.metrics.RecordIntent(string(in.Kind), "dead_letter")
	dl := &DeadLetter{
		ID:        uuid.NewString(),
		Intent:    in,
		Attempts:  attempts,
		LastError: cause.Error(),
		CreatedAt: x.now().UTC(),
	}
	x.logger.Error("intent dead-lettered",
		Field{Key: "intent", Value: string(in.Kind)},
		Field{Key: "event_id", Value: in.EventID},
		Field{Key: "customer_id", Value: in.CustomerID},
		Field{Key: "attempts", Value: attempts},
		Field{Key: "error", Value: cause},
	)
	if err := x.ledger.RecordDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		x.logger.Error("failed to record dead letter",
			Field{Key: "dead_letter_id", Value: dl.ID}, Field{Key: "error", Value: err})
	}
	return &ExecutorError{Intent: in, Attempts: attempts, Err: cause}
}

func (x *Executor) run(ctx context.Context, in Intent) error {
	switch in.Kind {
	case IntentGrantAccess, IntentActivateSubscription:
		return x.applyAccess(ctx, in, AccessGranted)
	case IntentSuspendAccess:
		return x.applyAccess(ctx, in, AccessSuspended)
	case IntentRevokeAccess:
		return x.applyAccess(ctx, in, AccessRevoked)
	case IntentNotifyPaymentReminder, IntentNotifyPaymentFailure, IntentSendPaymentConfirmation,
		IntentNotifyTrialEnding, IntentSendWelcome:
		n := x.notification(ctx, in)
		return x.breaker.Execute(ctx, func() error {
			return x.notifier.Notify(ctx, n)
		})
	default:
		return Permanent(fmt.Errorf("unknown intent kind %q", in.Kind))
	}
}

func (x *Executor) applyAccess(ctx context.Context, in Intent, state AccessState) error {
	if in.CustomerID == "" {
		return Permanent(fmt.Errorf("%s: intent has no customer", in.Kind))
	}
	a := &Access{
		CustomerID:     in.CustomerID,
		State:          state,
		KeepData:       in.KeepData || state != AccessRevoked,
		SubscriptionID: in.SubscriptionID,
		Reason:         string(in.Kind),
		UpdatedAt:      x.now().UTC(),
	}

	if state != AccessGranted {
		other, err := x.coveringSubscription(ctx, in)
		if err != nil {
			return err
		}
		if other != "" {
			current, err := x.customers.GetAccess(ctx, in.CustomerID)
			switch {
			case err == nil && current.SubscriptionID == other:
				x.logger.Info("access held by another subscription, leaving it",
					Field{Key: "intent", Value: string(in.Kind)},
					Field{Key: "customer_id", Value: in.CustomerID},
					Field{Key: "subscription_id", Value: in.SubscriptionID},
					Field{Key: "held_by", Value: other})
				return nil
			case err != nil && !errors.Is(err, ErrAccessNotFound):
				return fmt.Errorf("get access: %w", err)
			}
			x.logger.Info("access moved to another live subscription",
				Field{Key: "intent", Value: string(in.Kind)},
				Field{Key: "customer_id", Value: in.CustomerID},
				Field{Key: "subscription_id", Value: in.SubscriptionID},
				Field{Key: "held_by", Value: other})
			a.State = AccessGranted
			a.KeepData = true
			a.SubscriptionID = other
			a.Reason = string(in.Kind) + ":superseded"
		}
	}
	return x.access.ApplyAccess(ctx, a)
}

// coveringSubscription returns a live, entitling subscription of the
// customer other than the intent's own, or "" when there is none.
func (x *Executor) coveringSubscription(ctx context.Context, in Intent) (string, error) {
	if x.customers == nil {
		return "", nil
	}
	subs, err := x.customers.ListSubscriptionsByCustomer(ctx, in.CustomerID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}
	for _, s := range subs {
		if s.ID != in.SubscriptionID && !s.Retired && s.Status.Entitling() {
			return s.ID, nil
		}
	}
	return "", nil
}

func (x *Executor) notification(ctx context.Context, in Intent) *Notification {
	n := &Notification{
		ID:             in.Key(),
		Kind:           in.Kind,
		CustomerID:     in.CustomerID,
		Email:          in.Email,
		SubscriptionID: in.SubscriptionID,
		InvoiceID:      in.InvoiceID,
		AmountPaid:     in.AmountPaid,
		Currency:       in.Currency,
		AttemptCount:   in.AttemptCount,
		TrialEnd:       in.TrialEnd,
	}
	if n.Email == "" && n.CustomerID != "" && x.customers != nil {
		if c, err := x.customers.GetCustomer(ctx, n.CustomerID); err == nil {
			n.Email = c.Email
		}
	}
	return n
}
