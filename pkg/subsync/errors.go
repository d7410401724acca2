package subsync

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription has the given id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrCustomerNotFound is returned when no customer has the given id
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrAccessNotFound is returned when a customer has no access record yet
	ErrAccessNotFound = errors.New("access record not found")

	// ErrConflict is returned when a conditional write lost a race with another writer
	ErrConflict = errors.New("version conflict")

	// ErrStaleEvent is returned when a write carries an event older than the stored state
	ErrStaleEvent = errors.New("stale event")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidEvent is returned when a verified payload cannot be parsed into an event
	ErrInvalidEvent = errors.New("invalid event")

	// ErrDeadLetterNotFound is returned when no dead letter has the given id
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// ExecutorError reports an intent that could not be executed.
type ExecutorError struct {
	Intent   Intent
	Attempts int
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("intent %s for event %s failed after %d attempt(s): %v",
		e.Intent.Kind, e.Intent.EventID, e.Attempts, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. The executor dead-letters
// permanent failures on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
