package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUserID is returned when a userId is missing or malformed.
	// No store access happens for such requests.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrNotFound is returned when the user has no active session.
	// It is an expected outcome, not a failure.
	ErrNotFound = errors.New("no active session")

	// ErrStoreUnavailable is matched by every StoreError. Callers should treat it as retryable.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidReason is returned for an unknown termination reason.
	ErrInvalidReason = errors.New("invalid termination reason")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// StoreError wraps a failed store call. It matches ErrStoreUnavailable via errors.Is
// and unwraps to the underlying cause (e.g. context.DeadlineExceeded).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable.Error(), e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports ErrStoreUnavailable as a match.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
