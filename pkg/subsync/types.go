package subsync

import (
	"strings"
	"time"
)

// Status is the processor-reported lifecycle state of a subscription.
type Status string

const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Valid reports whether s is a status the processor can emit.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusPaused:
		return true
	}
	return false
}

// Entitling reports whether a subscription in this status grants access.
// past_due keeps access during the processor's dunning window.
func (s Status) Entitling() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Subscription is the locally persisted view of a processor subscription.
type Subscription struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Status             Status     `json:"status"`
	PriceID            string     `json:"price_id,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`

	// Retired is set once the processor reports the subscription deleted.
	// Retired records are kept for history and never grant access.
	Retired bool `json:"retired"`

	// Version is bumped by the store on every successful write and is the
	// compare-and-swap token for UpsertSubscription.
	Version int64 `json:"version"`

	// LastEventID and LastEventAt identify the event that produced this state.
	// A write carrying an older LastEventAt is rejected as stale.
	LastEventID string    `json:"last_event_id"`
	LastEventAt time.Time `json:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		c.TrialEnd = &t
	}
	return &c
}

// Customer is a paying account known to the processor.
type Customer struct {
	ID        string            `json:"id"`
	Email     string            `json:"email,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AccessState is the persisted outcome of access intents for a customer.
type AccessState string

const (
	AccessGranted   AccessState = "granted"
	AccessSuspended AccessState = "suspended"
	AccessRevoked   AccessState = "revoked"
)

// Access records what the executor last did to a customer's access.
type Access struct {
	CustomerID     string      `json:"customer_id"`
	State          AccessState `json:"state"`
	KeepData       bool        `json:"keep_data"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// blocks reports whether the record withholds access from subscriptionID.
// A nil record blocks nothing.
func (a *Access) blocks(subscriptionID string) bool {
	if a == nil || (a.State != AccessSuspended && a.State != AccessRevoked) {
		return false
	}
	return a.SubscriptionID == "" || a.SubscriptionID == subscriptionID
}

// EventType is the processor's event type string.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventSubscriptionCreated     EventType = "customer.subscription.created"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventTrialWillEnd            EventType = "customer.subscription.trial_will_end"
	EventInvoicePaid             EventType = "invoice.paid"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"

	// EventReconcile marks a synthetic event built from a subscription
	// fetched directly from the processor.
	EventReconcile EventType = "reconcile.subscription"
)

// EventKind is the closed set of event categories the reducer understands.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindTrialWillEnd
	KindInvoicePaid
	KindInvoicePaymentFailed
)

var kindNames = map[EventKind]string{
	KindUnknown:              "unknown",
	KindCheckoutCompleted:    "checkout_completed",
	KindSubscriptionCreated:  "subscription_created",
	KindSubscriptionUpdated:  "subscription_updated",
	KindSubscriptionDeleted:  "subscription_deleted",
	KindTrialWillEnd:         "trial_will_end",
	KindInvoicePaid:          "invoice_paid",
	KindInvoicePaymentFailed: "invoice_payment_failed",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Kind maps the type to its EventKind. Both the processor's canonical names
// and the short provider-neutral forms ("subscription.updated") are accepted.
func (t EventType) Kind() EventKind {
	name := strings.ToLower(strings.TrimSpace(string(t)))
	name = strings.TrimPrefix(name, "customer.")
	switch name {
	case "checkout.session.completed", "checkout.completed":
		return KindCheckoutCompleted
	case "subscription.created":
		return KindSubscriptionCreated
	case "subscription.updated", string(EventReconcile):
		return KindSubscriptionUpdated
	case "subscription.deleted":
		return KindSubscriptionDeleted
	case "subscription.trial_will_end":
		return KindTrialWillEnd
	case "invoice.paid", "invoice.payment_succeeded":
		return KindInvoicePaid
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	}
	return KindUnknown
}

// SubscriptionSnapshot is the subscription object carried by an event or
// fetched from the processor.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             Status
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
}

// Invoice is the read-only projection of an invoice event.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	CustomerEmail  string
	AmountDue      int64
	AmountPaid     int64
	Currency       string
	AttemptCount   int64
	BillingReason  string
}

// BillingReasonSubscriptionCreate is the billing reason of a subscription's
// first invoice.
const BillingReasonSubscriptionCreate = "subscription_create"

// CheckoutSnapshot is the checkout session carried by a completed-checkout event.
type CheckoutSnapshot struct {
	ID             string
	Mode           string
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	Metadata       map[string]string
}

// Event is a verified, parsed processor notification. It is immutable once
// parsed.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	Subscription *SubscriptionSnapshot
	Invoice      *Invoice
	Checkout     *CheckoutSnapshot

	// Raw holds the exact bytes the event was parsed from.
	Raw []byte
}

// SubscriptionID returns the subscription the event concerns, if any.
func (e *Event) SubscriptionID() string {
	switch {
	case e.Subscription != nil && e.Subscription.ID != "":
		return e.Subscription.ID
	case e.Invoice != nil:
		return e.Invoice.SubscriptionID
	case e.Checkout != nil:
		return e.Checkout.SubscriptionID
	}
	return ""
}

// CustomerID returns the customer the event concerns, if any.
func (e *Event) CustomerID() string {
	switch {
	case e.Subscription != nil && e.Subscription.CustomerID != "":
		return e.Subscription.CustomerID
	case e.Invoice != nil:
		return e.Invoice.CustomerID
	case e.Checkout != nil:
		return e.Checkout.CustomerID
	}
	return ""
}

// EventRecord is a row in the deduplication log.
type EventRecord struct {
	ID              string     `json:"id"`
	Type            EventType  `json:"type"`
	OccurredAt      time.Time  `json:"occurred_at"`
	ReceivedAt      time.Time  `json:"received_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError string     `json:"processing_error,omitempty"`
}

// Admission is the outcome of recording an event id in the dedup log.
type Admission int

const (
	Admitted Admission = iota + 1
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// DeadLetter is an intent the executor gave up on.
type DeadLetter struct {
	ID        string    `json:"id"`
	Intent    Intent    `json:"intent"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

// Entitlement is the access decision for a customer, derived from stored state.
type Entitlement struct {
	CustomerID    string          `json:"customer_id"`
	Entitled      bool            `json:"entitled"`
	Access        *Access         `json:"access,omitempty"`
	Subscriptions []*Subscription `json:"subscriptions"`
}
