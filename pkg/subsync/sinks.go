package subsync

import (
	"context"
	"time"
)

// AccessController applies access changes decided by the reducer.
// Implementations must be idempotent: the same Access may be applied twice.
type AccessController interface {
	ApplyAccess(ctx context.Context, a *Access) error
}

// StoreAccess persists access decisions in the AccessStore. Entitlement
// checks read them back from the same store.
type StoreAccess struct {
	Store AccessStore
}

func (s *StoreAccess) ApplyAccess(ctx context.Context, a *Access) error {
	return s.Store.SetAccess(ctx, a)
}

// Notification is a customer-facing message requested by an intent.
type Notification struct {
	// ID is the intent key; transports use it as their message id.
	ID             string     `json:"id"`
	Kind           IntentKind `json:"kind"`
	CustomerID     string     `json:"customer_id"`
	Email          string     `json:"email,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	AmountPaid     int64      `json:"amount_paid,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	AttemptCount   int64      `json:"attempt_count,omitempty"`
	TrialEnd       *time.Time `json:"trial_end,omitempty"`
}

// Notifier delivers notifications (email, queue, ...).
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogNotifier writes notifications to the logger instead of delivering them.
type LogNotifier struct {
	Logger Logger
}

func (l *LogNotifier) Notify(_ context.Context, n *Notification) error {
	l.Logger.Info("notification",
		Field{Key: "kind", Value: string(n.Kind)},
		Field{Key: "customer_id", Value: n.CustomerID},
		Field{Key: "subscription_id", Value: n.SubscriptionID},
		Field{Key: "notification_id", Value: n.ID},
	)
	return nil
}

// MultiNotifier fans a notification out to several notifiers and fails if any fails.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n *Notification) error {
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// AuditEntry describes one applied event.
type AuditEntry struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	EventType      EventType    `json:"event_type"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	CustomerID     string       `json:"customer_id,omitempty"`
	FromStatus     Status       `json:"from_status,omitempty"`
	ToStatus       Status       `json:"to_status,omitempty"`
	Version        int64        `json:"version,omitempty"`
	Outcome        string       `json:"outcome"`
	Intents        []IntentKind `json:"intents,omitempty"`
	FailedIntents  []IntentKind `json:"failed_intents,omitempty"`
	At             time.Time    `json:"at"`
}

// AuditSink archives applied transitions.
type AuditSink interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// AuditSinkFunc adapts a function to an AuditSink.
type AuditSinkFunc func(ctx context.Context, entry *AuditEntry) error

func (f AuditSinkFunc) Record(ctx context.Context, entry *AuditEntry) error {
	return f(ctx, entry)
}
