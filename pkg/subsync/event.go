package subsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// expandable decodes a processor reference that is either a bare id or an
// expanded object carrying an "id" field.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type wireSubscription struct {
	ID                 string     `json:"id"`
	Customer           expandable `json:"customer"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
	TrialEnd           int64      `json:"trial_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type wireInvoice struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	CustomerEmail string     `json:"customer_email"`
	Subscription  expandable `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue     int64  `json:"amount_due"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	AttemptCount  int64  `json:"attempt_count"`
	BillingReason string `json:"billing_reason"`
}

type wireCheckout struct {
	ID              string     `json:"id"`
	Mode            string     `json:"mode"`
	Customer        expandable `json:"customer"`
	Subscription    expandable `json:"subscription"`
	CustomerEmail   string     `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// ParseEvent decodes a verified payload. The data member may wrap the
// resource as {"object": {...}} or carry it directly. A zero OccurredAt
// means the payload had no creation time; the Manager stamps it on receipt.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}

	ev := &Event{
		ID:   env.ID,
		Type: EventType(env.Type),
		Raw:  raw,
	}
	if env.Created > 0 {
		ev.OccurredAt = time.Unix(env.Created, 0).UTC()
	}

	object := unwrapObject(env.Data)
	if len(object) == 0 {
		return ev, nil
	}

	var err error
	switch ev.Type.Kind() {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted, KindTrialWillEnd:
		ev.Subscription, err = parseSubscription(object)
	case KindInvoicePaid, KindInvoicePaymentFailed:
		ev.Invoice, err = parseInvoice(object)
	case KindCheckoutCompleted:
		ev.Checkout, err = parseCheckout(object)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Type, err)
	}
	return ev, nil
}

func unwrapObject(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var wrapper struct {
		Object json.RawMessage `json:"object"`
	}
	// Resources carry "object":"<name>" themselves, so only an embedded
	// JSON object counts as a wrapper.
	if err := json.Unmarshal(data, &wrapper); err == nil {
		if obj := bytes.TrimSpace(wrapper.Object); len(obj) > 0 && obj[0] == '{' {
			return obj
		}
	}
	return data
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func parseSubscription(object []byte) (*SubscriptionSnapshot, error) {
	var w wireSubscription
	if err := json.Unmarshal(object, &w); err != nil {
		return nil, err
	}
	status := Status(w.Status)
	if w.Status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown subscription status %q", w.Status)
	}
	snap := &SubscriptionSnapshot{
		ID:                 w.ID,
		CustomerID:         string(w.Customer),
		Status:             status,
		CancelAtPeriodEnd:  w.CancelAtPeriodEnd,
		CurrentPeriodStart: unixOrZero(w.CurrentPeriodStart),
		CurrentPeriodEnd:   unixOrZero(w.CurrentPeriodEnd),
	}
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		snap.PriceID = item.Price.ID
		// Newer API versions carry the billing period on the item.
		if snap.CurrentPeriodStart.IsZero() {
			snap.CurrentPeriodStart = unixOrZero(item.CurrentPeriodStart)
		}
		if snap.CurrentPeriodEnd.IsZero() {
			snap.CurrentPeriodEnd = unixOrZero(item.CurrentPeriodEnd)
		}
	}
	if w.TrialEnd > 0 {
		t := unixOrZero(w.TrialEnd)
		snap.TrialEnd = &t
	}
	return snap, nil
}

func parseInvoice(object []byte) (*Invoice, error) {
	var w wireInvoice
	if err := json.Unmarshal(object, &w); err != nil {
		return nil, err
	}
	subID := string(w.Subscription)
	if subID == "" {
		subID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	return &Invoice{
		ID:             w.ID,
		SubscriptionID: subID,
		CustomerID:     string(w.Customer),
		CustomerEmail:  w.CustomerEmail,
		AmountDue:      w.AmountDue,
		AmountPaid:     w.AmountPaid,
		Currency:       w.Currency,
		AttemptCount:   w.AttemptCount,
		BillingReason:  w.BillingReason,
	}, nil
}

func parseCheckout(object []byte) (*CheckoutSnapshot, error) {
	var w wireCheckout
	if err := json.Unmarshal(object, &w); err != nil {
		return nil, err
	}
	email := w.CustomerDetails.Email
	if email == "" {
		email = w.CustomerEmail
	}
	return &CheckoutSnapshot{
		ID:             w.ID,
		Mode:           w.Mode,
		CustomerID:     string(w.Customer),
		SubscriptionID: string(w.Subscription),
		CustomerEmail:  email,
		Metadata:       w.Metadata,
	}, nil
}
