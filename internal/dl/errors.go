package dl

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by Submit once the scheduler is shutting down.
	ErrQueueClosed = errors.New("scheduler queue closed")

	// ErrIncomplete is returned when a record would become Complete with a
	// byte count different from its declared size.
	ErrIncomplete = errors.New("bytes written does not match declared size")

	// ErrExceedsDeclaredSize is returned when progress would pass a known size.
	ErrExceedsDeclaredSize = errors.New("bytes written exceeds declared size")

	// ErrRecordNotFound is returned by ledger mutations on unknown keys.
	ErrRecordNotFound = errors.New("download record not found")

	// ErrQuit is returned by the UI when the user asks to leave.
	ErrQuit = errors.New("quit requested")
)

// TransientError wraps a fetch failure that is worth retrying
// (network trouble, timeouts, throttling).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentItemError means the item cannot be fetched at all
// (deleted, forbidden, too large for the source).
type PermanentItemError struct {
	Key    Key
	Reason string
}

func (e *PermanentItemError) Error() string {
	return fmt.Sprintf("item %s unavailable: %s", e.Key, e.Reason)
}

// StaleStateError is returned when a compare-and-set transition finds a
// state other than the expected one. Seeing it means two actors raced on
// the same item.
type StaleStateError struct {
	Key      Key
	Expected State
	Actual   State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for %s: expected %s, found %s", e.Key, e.Expected, e.Actual)
}

// RegressionError is returned when progress would move backwards.
type RegressionError struct {
	Key       Key
	Current   int64
	Attempted int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("progress regression for %s: have %d bytes, got %d", e.Key, e.Current, e.Attempted)
}

// PathConflictError is returned when a new record asks for a target path
// that another item already owns.
type PathConflictError struct {
	Key   Key
	Owner Key
	Path  string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("target %s for %s already belongs to %s", e.Path, e.Key, e.Owner)
}

// SelectionError is a problem with user input. It never ends a session.
type SelectionError struct {
	Input  string
	Reason string
}

func (e *SelectionError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid selection: %s", e.Reason)
	}
	return fmt.Sprintf("invalid selection %q: %s", e.Input, e.Reason)
}

// IntegrityMismatchError means a partial file does not match what the
// ledger recorded, so the download restarts from byte zero.
type IntegrityMismatchError struct {
	Path             string
	ExpectedBytes    int64
	ActualBytes      int64
	ChecksumMismatch bool
}

func (e *IntegrityMismatchError) Error() string {
	if e.ChecksumMismatch {
		return fmt.Sprintf("partial file %s: checksum of first %d bytes does not match ledger", e.Path, e.ExpectedBytes)
	}
	return fmt.Sprintf("partial file %s: expected %d bytes, found %d", e.Path, e.ExpectedBytes, e.ActualBytes)
}

// NotFoundError is returned when a channel cannot be resolved.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("channel not found: %s", e.Ref)
}

// AccessDeniedError is returned when a channel exists but cannot be read.
type AccessDeniedError struct {
	Ref    string
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied to channel %s: %s", e.Ref, e.Reason)
}

// IsTransient reports whether err should be retried. Chunk timeouts count.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err marks the item as unfetchable.
func IsPermanent(err error) bool {
	var pe *PermanentItemError
	return errors.As(err, &pe)
}
