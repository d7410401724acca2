package subsync

// DefaultSuspendAfterAttempts is the failed-payment attempt count at which
// access is suspended.
const DefaultSuspendAfterAttempts = 3

// ReducerConfig tunes the reducer's policy decisions.
type ReducerConfig struct {
	// SuspendAfterAttempts suspends access once an invoice has failed this
	// many times. Zero means DefaultSuspendAfterAttempts.
	SuspendAfterAttempts int64
}

// Reducer turns (current state, event) into the next state and the side
// effects to run. It never performs I/O.
type Reducer struct {
	suspendAfter int64
}

// Transition is the result of reducing one event.
type Transition struct {
	// Next is the subscription to persist, or nil when the event does not
	// touch subscription state.
	Next *Subscription

	// Customer is a customer record to persist, if the event reported one.
	Customer *Customer

	Intents []Intent
	Changed bool
}

// NewReducer creates a reducer with cfg's policy.
func NewReducer(cfg ReducerConfig) *Reducer {
	suspendAfter := cfg.SuspendAfterAttempts
	if suspendAfter <= 0 {
		suspendAfter = DefaultSuspendAfterAttempts
	}
	return &Reducer{suspendAfter: suspendAfter}
}

// Reduce computes the transition for ev applied to current (nil when the
// subscription is unknown). Reduce does not mutate current.
func (r *Reducer) Reduce(current *Subscription, ev *Event) Transition {
	switch ev.Type.Kind() {
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		return r.subscriptionChanged(current, ev)
	case KindSubscriptionDeleted:
		return r.subscriptionDeleted(current, ev)
	case KindInvoicePaid:
		return r.invoicePaid(current, ev)
	case KindInvoicePaymentFailed:
		return r.invoiceFailed(current, ev)
	case KindTrialWillEnd:
		return r.trialWillEnd(current, ev)
	case KindCheckoutCompleted:
		return r.checkoutCompleted(ev)
	default:
		return Transition{}
	}
}

func (r *Reducer) subscriptionChanged(current *Subscription, ev *Event) Transition {
	snap := ev.Subscription
	if snap == nil || snap.ID == "" {
		return Transition{}
	}

	next := &Subscription{
		ID:                 snap.ID,
		CustomerID:         snap.CustomerID,
		Status:             snap.Status,
		PriceID:            snap.PriceID,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
		TrialEnd:           snap.TrialEnd,
		LastEventID:        ev.ID,
		LastEventAt:        ev.OccurredAt,
	}
	var previous Status
	if current != nil {
		previous = current.Status
		next.Version = current.Version
		next.Retired = current.Retired
		if next.CustomerID == "" {
			next.CustomerID = current.CustomerID
		}
	}

	t := Transition{Next: next, Changed: true}
	if next.Status != previous {
		t.Intents = statusIntents(next, ev.ID)
	}
	return t
}

func statusIntents(sub *Subscription, eventID string) []Intent {
	base := Intent{EventID: eventID, SubscriptionID: sub.ID, CustomerID: sub.CustomerID}
	switch sub.Status {
	case StatusActive:
		base.Kind = IntentGrantAccess
	case StatusPastDue:
		base.Kind = IntentNotifyPaymentReminder
	case StatusCanceled:
		base.Kind = IntentRevokeAccess
		base.KeepData = true
	case StatusUnpaid:
		base.Kind = IntentSuspendAccess
	default:
		return nil
	}
	return []Intent{base}
}

func (r *Reducer) subscriptionDeleted(current *Subscription, ev *Event) Transition {
	var next *Subscription
	switch {
	case current != nil:
		next = current.Clone()
	case ev.Subscription != nil && ev.Subscription.ID != "":
		snap := ev.Subscription
		next = &Subscription{
			ID:                 snap.ID,
			PriceID:            snap.PriceID,
			CurrentPeriodStart: snap.CurrentPeriodStart,
			CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		}
	default:
		return Transition{}
	}
	if ev.Subscription != nil && ev.Subscription.CustomerID != "" {
		next.CustomerID = ev.Subscription.CustomerID
	}
	next.Status = StatusCanceled
	next.Retired = true
	next.CancelAtPeriodEnd = false
	next.LastEventID = ev.ID
	next.LastEventAt = ev.OccurredAt

	return Transition{
		Next:    next,
		Changed: true,
		Intents: []Intent{{
			Kind:           IntentRevokeAccess,
			EventID:        ev.ID,
			SubscriptionID: next.ID,
			CustomerID:     next.CustomerID,
			KeepData:       true,
		}},
	}
}

func invoiceIntent(kind IntentKind, current *Subscription, ev *Event) Intent {
	inv := ev.Invoice
	intent := Intent{
		Kind:           kind,
		EventID:        ev.ID,
		SubscriptionID: inv.SubscriptionID,
		CustomerID:     inv.CustomerID,
		InvoiceID:      inv.ID,
		AmountPaid:     inv.AmountPaid,
		Currency:       inv.Currency,
		AttemptCount:   inv.AttemptCount,
		Email:          inv.CustomerEmail,
	}
	if intent.CustomerID == "" && current != nil {
		intent.CustomerID = current.CustomerID
	}
	return intent
}

func (r *Reducer) invoicePaid(current *Subscription, ev *Event) Transition {
	if ev.Invoice == nil {
		return Transition{}
	}
	var intents []Intent
	if ev.Invoice.BillingReason == BillingReasonSubscriptionCreate {
		intents = append(intents, invoiceIntent(IntentActivateSubscription, current, ev))
	}
	intents = append(intents, invoiceIntent(IntentSendPaymentConfirmation, current, ev))
	return Transition{Intents: intents}
}

func (r *Reducer) invoiceFailed(current *Subscription, ev *Event) Transition {
	if ev.Invoice == nil {
		return Transition{}
	}
	intents := []Intent{invoiceIntent(IntentNotifyPaymentFailure, current, ev)}
	if ev.Invoice.AttemptCount >= r.suspendAfter {
		intents = append(intents, invoiceIntent(IntentSuspendAccess, current, ev))
	}
	return Transition{Intents: intents}
}

func (r *Reducer) trialWillEnd(current *Subscription, ev *Event) Transition {
	snap := ev.Subscription
	if snap == nil {
		return Transition{}
	}
	intent := Intent{
		Kind:           IntentNotifyTrialEnding,
		EventID:        ev.ID,
		SubscriptionID: snap.ID,
		CustomerID:     snap.CustomerID,
		TrialEnd:       snap.TrialEnd,
	}
	if intent.TrialEnd == nil && current != nil {
		intent.TrialEnd = current.TrialEnd
	}
	if intent.CustomerID == "" && current != nil {
		intent.CustomerID = current.CustomerID
	}
	return Transition{Intents: []Intent{intent}}
}

// checkoutCompleted records who paid. Access is granted only by the
// subscription and invoice events that follow.
func (r *Reducer) checkoutCompleted(ev *Event) Transition {
	co := ev.Checkout
	if co == nil || co.CustomerID == "" {
		return Transition{}
	}
	return Transition{
		Customer: &Customer{
			ID:       co.CustomerID,
			Email:    co.CustomerEmail,
			Metadata: co.Metadata,
		},
		Intents: []Intent{{
			Kind:           IntentSendWelcome,
			EventID:        ev.ID,
			SubscriptionID: co.SubscriptionID,
			CustomerID:     co.CustomerID,
			Email:          co.CustomerEmail,
		}},
	}
}
