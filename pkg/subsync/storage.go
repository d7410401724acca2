package subsync

import (
	"context"
	"time"
)

// AnyVersion skips the version check in UpsertSubscription. The staleness
// check on LastEventAt still applies.
const AnyVersion int64 = -1

// SubscriptionStore persists subscriptions and customers.
type SubscriptionStore interface {
	// GetSubscription returns ErrSubscriptionNotFound when the id is unknown.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// UpsertSubscription writes sub if the stored version equals expectedVersion.
	// expectedVersion 0 means create-only; AnyVersion skips the check.
	// Returns ErrStaleEvent when the stored LastEventAt is newer than
	// sub.LastEventAt, and ErrConflict on a version mismatch. On success the
	// returned copy carries the new version.
	UpsertSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) (*Subscription, error)

	// ListSubscriptionsByCustomer returns every subscription of a customer,
	// retired ones included.
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)

	// ListStaleSubscriptions returns up to limit non-retired subscriptions not
	// written since before, oldest first.
	ListStaleSubscriptions(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)

	// GetCustomer returns ErrCustomerNotFound when the id is unknown.
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	// UpsertCustomer creates or replaces a customer record.
	UpsertCustomer(ctx context.Context, c *Customer) error
}

// EventLog is the deduplication log of admitted event ids.
type EventLog interface {
	// AdmitEvent atomically records rec.ID. Exactly one of any number of
	// concurrent calls for the same id observes Admitted.
	AdmitEvent(ctx context.Context, rec *EventRecord) (Admission, error)

	// MarkEventProcessed records the processing outcome of an admitted event.
	// A nil processErr marks success.
	MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time, processErr error) error

	// PurgeExpiredEvents deletes records whose ExpiresAt is before now.
	PurgeExpiredEvents(ctx context.Context, now time.Time) (int, error)
}

// AccessStore persists the result of access intents.
type AccessStore interface {
	// GetAccess returns ErrAccessNotFound when the customer has no record.
	GetAccess(ctx context.Context, customerID string) (*Access, error)
	SetAccess(ctx context.Context, a *Access) error
}

// IntentLedger guards non-idempotent side effects and keeps dead letters.
type IntentLedger interface {
	// ClaimIntent records key for ttl. It returns false when the key is
	// already claimed, meaning the side effect already ran or is running.
	ClaimIntent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseIntent drops a claim so a failed side effect can be retried.
	ReleaseIntent(ctx context.Context, key string) error

	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// DeleteDeadLetter returns ErrDeadLetterNotFound when the id is unknown.
	DeleteDeadLetter(ctx context.Context, id string) error
}

// Storage is everything the pipeline persists. Implementations live under
// storage/ and must make AdmitEvent and UpsertSubscription atomic.
type Storage interface {
	SubscriptionStore
	EventLog
	AccessStore
	IntentLedger
}

// CheckWrite applies the staleness and version rules of UpsertSubscription
// against the currently stored record (nil when absent). Backends that
// implement the check in application code under a lock or transaction share it.
func CheckWrite(stored, incoming *Subscription, expectedVersion int64) error {
	if stored == nil {
		if expectedVersion > 0 {
			return ErrConflict
		}
		return nil
	}
	if incoming.LastEventAt.Before(stored.LastEventAt) {
		return ErrStaleEvent
	}
	if expectedVersion != AnyVersion && stored.Version != expectedVersion {
		return ErrConflict
	}
	return nil
}

// NextVersion returns the version a successful write stores.
func NextVersion(stored *Subscription) int64 {
	if stored == nil {
		return 1
	}
	return stored.Version + 1
}
