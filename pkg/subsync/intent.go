package subsync

import "time"

// IntentKind names a side effect the reducer asks the executor to perform.
type IntentKind string

const (
	IntentGrantAccess             IntentKind = "grant_access"
	IntentRevokeAccess            IntentKind = "revoke_access"
	IntentSuspendAccess           IntentKind = "suspend_access"
	IntentActivateSubscription    IntentKind = "activate_subscription"
	IntentNotifyPaymentReminder   IntentKind = "notify_payment_reminder"
	IntentNotifyPaymentFailure    IntentKind = "notify_payment_failure"
	IntentSendPaymentConfirmation IntentKind = "send_payment_confirmation"
	IntentNotifyTrialEnding       IntentKind = "notify_trial_ending"
	IntentSendWelcome             IntentKind = "send_welcome"
)

// IsAccess reports whether the intent changes a customer's access.
func (k IntentKind) IsAccess() bool {
	switch k {
	case IntentGrantAccess, IntentRevokeAccess, IntentSuspendAccess, IntentActivateSubscription:
		return true
	}
	return false
}

// Intent is a side effect derived from a state transition.
type Intent struct {
	Kind           IntentKind `json:"kind"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	KeepData       bool       `json:"keep_data,omitempty"`
	TrialEnd       *time.Time `json:"trial_end,omitempty"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	AmountPaid     int64      `json:"amount_paid,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	AttemptCount   int64      `json:"attempt_count,omitempty"`
	Email          string     `json:"email,omitempty"`
}

// Key identifies the intent for at-most-once side effects.
func (i Intent) Key() string {
	return i.EventID + ":" + string(i.Kind)
}
