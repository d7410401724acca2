package subsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what applying an event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeStale   Outcome = "stale"
	OutcomeNoop    Outcome = "noop"
	OutcomeFailed  Outcome = "failed"
)

// Result reports the effect of applying one event.
type Result struct {
	Outcome      Outcome
	Subscription *Subscription
	Intents      []Intent

	// Failed holds intents that were dead-lettered. The state change itself
	// is committed even when intents fail.
	Failed []*ExecutorError

	// Deferred holds intents handed to the background after Ingest returned.
	// Their failures land in the dead-letter log.
	Deferred []Intent
}

// Manager runs the pipeline: admit, reduce, store, execute.
type Manager struct {
	storage    Storage
	config     Config
	reducer    *Reducer
	executor   *Executor
	locks      *keyedMutex
	dispatcher *dispatcher
	handoffs   handoffs
	logger     Logger
	metrics    Metrics
}

// NewManager creates a manager over storage.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	access := config.Access
	if access == nil {
		access = &StoreAccess{Store: storage}
	}

	var breaker CircuitBreaker
	if config.CircuitBreakerConfig != nil {
		metrics := config.Metrics
		breaker = NewDefaultCircuitBreaker(*config.CircuitBreakerConfig, func(s CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(s))
		})
	}

	executor, err := NewExecutor(ExecutorConfig{
		Access:    access,
		Notifier:  config.Notifier,
		Ledger:    storage,
		Customers: storage,
		Retry:     config.Retry,
		Breaker:   breaker,
		ClaimTTL:  config.EventRetention,
		Logger:    config.Logger,
		Metrics:   config.Metrics,
		Now:       config.Now,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		storage:  storage,
		config:   config,
		reducer:  NewReducer(config.Reducer),
		executor: executor,
		locks:    newKeyedMutex(),
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
	if config.Async {
		m.dispatcher = newDispatcher(m, config.Workers, config.QueueSize)
	}
	return m, nil
}

// Storage returns the manager's storage.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Ingest admits ev and applies it, inline or on a worker when Async is set.
// The returned admission is final once err is nil: the caller may
// acknowledge the event. Apply failures after admission are logged and
// recorded on the event log, not returned.
//
// Inline, only the state write and one attempt per access intent happen
// before Ingest returns. Notifications and access retries continue in the
// background; Drain waits for them.
func (m *Manager) Ingest(ctx context.Context, ev *Event) (Admission, error) {
	admission, err := m.Admit(ctx, ev)
	if err != nil || admission == Duplicate {
		return admission, err
	}

	if m.dispatcher != nil {
		if m.dispatcher.submit(ev) {
			return admission, nil
		}
		m.logger.Warn("dispatch queue full, applying inline", eventFields(ev)...)
	}

	// Detached: the processor's request may finish before we do.
	if _, err := m.process(context.WithoutCancel(ctx), ev, true); err != nil {
		m.logger.Error("apply failed after admission", append(eventFields(ev), Field{Key: "error", Value: err})...)
	}
	return admission, nil
}

// Admit records ev's id in the dedup log. Events without an occurrence
// time are stamped with the receive time.
func (m *Manager) Admit(ctx context.Context, ev *Event) (Admission, error) {
	now := m.config.Now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	rec := &EventRecord{
		ID:         ev.ID,
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt,
		ReceivedAt: now,
		ExpiresAt:  now.Add(m.config.EventRetention),
	}

	start := time.Now()
	admission, err := m.storage.AdmitEvent(ctx, rec)
	m.metrics.RecordStorageOperation("admit_event", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("admit event %s: %w", ev.ID, err)
	}
	m.metrics.RecordAdmission(string(ev.Type), admission.String())
	if admission == Duplicate {
		m.logger.Info("duplicate event ignored", eventFields(ev)...)
	}
	return admission, nil
}

// Apply reduces ev against stored state, persists the result and runs the
// resulting intents. Events for the same subscription are applied one at a time.
func (m *Manager) Apply(ctx context.Context, ev *Event) (*Result, error) {
	return m.process(ctx, ev, false)
}

func (m *Manager) process(ctx context.Context, ev *Event, handOff bool) (*Result, error) {
	res, err := m.applyLocked(ctx, ev, handOff)

	markErr := m.storage.MarkEventProcessed(context.WithoutCancel(ctx), ev.ID, m.config.Now().UTC(), err)
	if markErr != nil {
		m.logger.Warn("failed to mark event processed", append(eventFields(ev), Field{Key: "error", Value: markErr})...)
	}
	return res, err
}

func (m *Manager) applyLocked(ctx context.Context, ev *Event, handOff bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ApplyTimeout)
	defer cancel()

	unlock := m.locks.Lock(lockKey(ev))
	defer unlock()

	kind := ev.Type.Kind().String()
	start := time.Now()
	res, previous, err := m.apply(ctx, ev, handOff)
	m.metrics.RecordApplyDuration(kind, time.Since(start))
	if err != nil {
		m.metrics.RecordTransition(kind, string(OutcomeFailed))
		m.logger.Error("failed to apply event", append(eventFields(ev), Field{Key: "error", Value: err})...)
		return nil, err
	}
	m.metrics.RecordTransition(kind, string(res.Outcome))
	m.audit(ctx, ev, previous, res)
	return res, nil
}

func lockKey(ev *Event) string {
	if id := ev.SubscriptionID(); id != "" {
		return "sub:" + id
	}
	if id := ev.CustomerID(); id != "" {
		return "cus:" + id
	}
	return "evt:" + ev.ID
}

// writesState reports whether the event kind overwrites subscription state
// and is therefore subject to ordering.
func writesState(kind EventKind) bool {
	switch kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted:
		return true
	}
	return false
}

func (m *Manager) apply(ctx context.Context, ev *Event, handOff bool) (*Result, *Subscription, error) {
	kind := ev.Type.Kind()
	subID := ev.SubscriptionID()

	var (
		current *Subscription
		t       Transition
	)
	for attempt := 0; ; attempt++ {
		var err error
		current, err = m.load(ctx, subID)
		if err != nil {
			return nil, nil, err
		}

		if current != nil && writesState(kind) {
			if current.LastEventID == ev.ID {
				return &Result{Outcome: OutcomeNoop, Subscription: current}, current, nil
			}
			if ev.OccurredAt.Before(current.LastEventAt) {
				return m.stale(ev, current), current, nil
			}
			// Creation and its first update often share a second; creation
			// never replaces a record that already exists.
			if kind == KindSubscriptionCreated && !ev.OccurredAt.After(current.LastEventAt) {
				return m.stale(ev, current), current, nil
			}
		}

		t = m.reducer.Reduce(current, ev)
		if t.Next == nil {
			break
		}

		expected := int64(0)
		if current != nil {
			expected = current.Version
		}
		t.Next.UpdatedAt = m.config.Now().UTC()

		start := time.Now()
		saved, err := m.storage.UpsertSubscription(ctx, t.Next, expected)
		m.metrics.RecordStorageOperation("upsert_subscription", time.Since(start), err)
		switch {
		case err == nil:
			t.Next = saved
		case errors.Is(err, ErrConflict) && attempt < m.config.MaxConflictRetries:
			m.metrics.RecordConflict()
			m.logger.Debug("write conflict, retrying", append(eventFields(ev), Field{Key: "attempt", Value: attempt + 1})...)
			continue
		case errors.Is(err, ErrStaleEvent):
			return m.stale(ev, current), current, nil
		default:
			return nil, nil, fmt.Errorf("store subscription %s: %w", t.Next.ID, err)
		}
		break
	}

	if t.Customer != nil {
		if err := m.saveCustomer(ctx, t.Customer); err != nil {
			return nil, nil, err
		}
	}

	res := &Result{Outcome: OutcomeNoop, Subscription: current, Intents: t.Intents}
	if t.Next != nil {
		res.Subscription = t.Next
	}
	if t.Changed || t.Customer != nil || len(t.Intents) > 0 {
		res.Outcome = OutcomeApplied
	}

	for _, in := range t.Intents {
		if handOff {
			handled, err := m.executor.TryExecute(ctx, in)
			if !handled {
				res.Deferred = append(res.Deferred, in)
				continue
			}
			if err != nil {
				res.Failed = append(res.Failed, asExecutorError(in, err))
			}
			continue
		}
		if err := m.executor.Execute(ctx, in); err != nil {
			res.Failed = append(res.Failed, asExecutorError(in, err))
		}
	}
	m.handOff(ctx, ev, res.Deferred)

	if res.Outcome == OutcomeApplied {
		fields := append(eventFields(ev), Field{Key: "intents", Value: len(t.Intents)})
		if res.Subscription != nil {
			fields = append(fields,
				Field{Key: "status", Value: string(res.Subscription.Status)},
				Field{Key: "version", Value: res.Subscription.Version})
		}
		m.logger.Info("event applied", fields...)
	}
	return res, current, nil
}

func asExecutorError(in Intent, err error) *ExecutorError {
	var execErr *ExecutorError
	if !errors.As(err, &execErr) {
		execErr = &ExecutorError{Intent: in, Err: err}
	}
	return execErr
}

// handOff executes intents in the background, in order, with the full retry
// policy. Failures are dead-lettered by the executor.
func (m *Manager) handOff(ctx context.Context, ev *Event, intents []Intent) {
	if len(intents) == 0 {
		return
	}
	m.handoffs.add()
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer m.handoffs.done()
		ctx, cancel := context.WithTimeout(ctx, m.config.ApplyTimeout)
		defer cancel()
		for _, in := range intents {
			if err := m.executor.Execute(ctx, in); err != nil {
				m.logger.Debug("handed-off intent failed", append(eventFields(ev),
					Field{Key: "intent", Value: string(in.Kind)})...)
			}
		}
	}()
}

func (m *Manager) stale(ev *Event, current *Subscription) *Result {
	m.logger.Info("stale event ignored", append(eventFields(ev),
		Field{Key: "event_occurred_at", Value: ev.OccurredAt},
		Field{Key: "stored_event_at", Value: current.LastEventAt})...)
	return &Result{Outcome: OutcomeStale, Subscription: current}
}

func (m *Manager) load(ctx context.Context, subID string) (*Subscription, error) {
	if subID == "" {
		return nil, nil
	}
	start := time.Now()
	sub, err := m.storage.GetSubscription(ctx, subID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		err = nil
		sub = nil
	}
	m.metrics.RecordStorageOperation("get_subscription", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subID, err)
	}
	return sub, nil
}

func (m *Manager) saveCustomer(ctx context.Context, c *Customer) error {
	existing, err := m.storage.GetCustomer(ctx, c.ID)
	switch {
	case errors.Is(err, ErrCustomerNotFound):
	case err != nil:
		return fmt.Errorf("load customer %s: %w", c.ID, err)
	default:
		if c.Email == "" {
			c.Email = existing.Email
		}
		if len(c.Metadata) == 0 {
			c.Metadata = existing.Metadata
		}
	}
	c.UpdatedAt = m.config.Now().UTC()
	if err := m.storage.UpsertCustomer(ctx, c); err != nil {
		return fmt.Errorf("store customer %s: %w", c.ID, err)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, ev *Event, previous *Subscription, res *Result) {
	if m.config.Audit == nil || res.Outcome == OutcomeNoop {
		return
	}
	entry := &AuditEntry{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: ev.SubscriptionID(),
		CustomerID:     ev.CustomerID(),
		Outcome:        string(res.Outcome),
		At:             m.config.Now().UTC(),
	}
	if previous != nil {
		entry.FromStatus = previous.Status
	}
	if res.Subscription != nil {
		entry.ToStatus = res.Subscription.Status
		entry.Version = res.Subscription.Version
		if entry.CustomerID == "" {
			entry.CustomerID = res.Subscription.CustomerID
		}
	}
	for _, in := range res.Intents {
		entry.Intents = append(entry.Intents, in.Kind)
	}
	for _, f := range res.Failed {
		entry.FailedIntents = append(entry.FailedIntents, f.Intent.Kind)
	}
	if err := m.config.Audit.Record(ctx, entry); err != nil {
		m.logger.Warn("audit record failed", append(eventFields(ev), Field{Key: "error", Value: err})...)
	}
}

// Entitlement derives a customer's access from stored state only: some live
// subscription must be in an entitling status and not be blocked by the
// access record. A suspended or revoked record blocks the subscription it
// names, or every subscription when it names none.
func (m *Manager) Entitlement(ctx context.Context, customerID string) (*Entitlement, error) {
	subs, err := m.storage.ListSubscriptionsByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	access, err := m.storage.GetAccess(ctx, customerID)
	if err != nil && !errors.Is(err, ErrAccessNotFound) {
		return nil, fmt.Errorf("get access: %w", err)
	}

	ent := &Entitlement{CustomerID: customerID, Access: access, Subscriptions: subs}
	for _, s := range subs {
		if !s.Retired && s.Status.Entitling() && !access.blocks(s.ID) {
			ent.Entitled = true
			break
		}
	}
	return ent, nil
}

// GetSubscription returns the stored subscription.
func (m *Manager) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return m.storage.GetSubscription(ctx, id)
}

// Reconcile applies a subscription fetched from the processor as ground
// truth, then repairs the customer's access record if an earlier intent was lost.
func (m *Manager) Reconcile(ctx context.Context, snap *SubscriptionSnapshot) (*Result, error) {
	now := m.config.Now().UTC()
	ev := &Event{
		ID:           "reconcile:" + snap.ID + ":" + strconv.FormatInt(now.UnixNano(), 10),
		Type:         EventReconcile,
		OccurredAt:   now,
		Subscription: snap,
	}
	res, err := m.applyLocked(ctx, ev, false)
	if err != nil {
		return nil, err
	}
	if res.Subscription != nil {
		if err := m.repairAccess(ctx, ev, res.Subscription); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Manager) repairAccess(ctx context.Context, ev *Event, sub *Subscription) error {
	if sub.CustomerID == "" {
		return nil
	}
	access, err := m.storage.GetAccess(ctx, sub.CustomerID)
	if err != nil && !errors.Is(err, ErrAccessNotFound) {
		return fmt.Errorf("get access: %w", err)
	}

	var kind IntentKind
	switch {
	case sub.Status == StatusActive && (access == nil || access.State != AccessGranted):
		kind = IntentGrantAccess
	case sub.Status == StatusCanceled && access != nil && access.State == AccessGranted &&
		access.SubscriptionID == sub.ID:
		kind = IntentRevokeAccess
	case sub.Status == StatusUnpaid && access != nil && access.State == AccessGranted:
		kind = IntentSuspendAccess
	default:
		return nil
	}

	m.logger.Info("repairing access", Field{Key: "customer_id", Value: sub.CustomerID},
		Field{Key: "subscription_id", Value: sub.ID}, Field{Key: "intent", Value: string(kind)})
	return m.executor.Execute(ctx, Intent{
		Kind:           kind,
		EventID:        ev.ID,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		KeepData:       true,
	})
}

// ListDeadLetters returns up to limit dead letters, oldest first.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	return m.storage.ListDeadLetters(ctx, limit)
}

// RetryDeadLetters re-executes up to limit dead-lettered intents. Each
// dead letter is removed before its retry; a retry that fails again is
// dead-lettered anew.
func (m *Manager) RetryDeadLetters(ctx context.Context, limit int) (succeeded, failed int, err error) {
	letters, err := m.storage.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, dl := range letters {
		if err := m.storage.DeleteDeadLetter(ctx, dl.ID); err != nil {
			if errors.Is(err, ErrDeadLetterNotFound) {
				continue
			}
			return succeeded, failed, err
		}
		if err := m.executor.Execute(ctx, dl.Intent); err != nil {
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}

// PurgeExpiredEvents drops dedup records past their retention.
func (m *Manager) PurgeExpiredEvents(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := m.storage.PurgeExpiredEvents(ctx, m.config.Now().UTC())
	m.metrics.RecordStorageOperation("purge_events", time.Since(start), err)
	return n, err
}

// Start launches the async workers. It is a no-op unless Config.Async is set.
func (m *Manager) Start(ctx context.Context) {
	if m.dispatcher != nil {
		m.dispatcher.start(ctx)
	}
}

// Drain waits until intents handed to the background by Ingest have finished.
func (m *Manager) Drain(ctx context.Context) error {
	return m.handoffs.wait(ctx)
}

// Close stops accepting events and waits for queued events and handed-off
// intents to finish.
func (m *Manager) Close(ctx context.Context) error {
	if m.dispatcher != nil {
		if err := m.dispatcher.close(ctx); err != nil {
			return err
		}
	}
	return m.Drain(ctx)
}
