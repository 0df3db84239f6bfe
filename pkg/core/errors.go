package core

import (
	"errors"
	"fmt"
)

// ErrCancelled is the outcome of cooperative cancellation. It is an
// expected result, not a failure, and is never logged as an error.
var ErrCancelled = errors.New("bigdig: job cancelled")

// ErrNotFound is returned when a job identifier is unknown to the registry.
var ErrNotFound = errors.New("bigdig: job not found")

// ValidationError rejects bad input synchronously, before any job is
// created. It never crosses the bridge.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bigdig: invalid %s: %s", e.Field, e.Reason)
}

// Invalid constructs a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks a protocol failure worth retrying with backoff
// (network hiccups, flood waits).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError marks a permanent protocol failure (auth rejection, ban).
// The job fails immediately, without retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps an error as non-retryable.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err is permanent.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// InvariantError indicates a programming defect (e.g. a duplicate job id
// reaching the registry). It is logged at the highest severity; the
// runtime keeps going.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "bigdig: invariant violated: " + e.Msg }

// Invariant constructs an InvariantError.
func Invariant(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
