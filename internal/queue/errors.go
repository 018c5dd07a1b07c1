package queue

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrCancelNotAllowed = errors.New("message cannot be cancelled in its current status")
	ErrNotOwner         = errors.New("message is not owned by this worker")
)

// Execution errors. They are recorded on the message, never returned to the enqueuer.
var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrExpired          = errors.New("message expired")
	ErrOrphaned         = errors.New("worker stopped reporting, message reclaimed")
	ErrHandlerNotFound  = errors.New("no handler registered for task")
)

// ErrValidation matches any *ValidationError via errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError describes malformed enqueue input. Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Reason != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("validation failed: %v", e.Err)
	default:
		return "validation failed"
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FieldReason lets the HTTP layer report the field in error details.
func (e *ValidationError) FieldReason() (field, reason string) { return e.Field, e.Reason }

// Is makes errors.Is(err, ErrValidation) true for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// HandlerError wraps an error returned by a task handler and marks it as
// transient (retry allowed) or permanent (dead-letter immediately).
type HandlerError struct {
	Err       error
	Permanent bool
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error allows another attempt.
func (e *HandlerError) IsRetryable() bool {
	return !e.Permanent
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable.
func NewTransientError(err error) *HandlerError {
	return &HandlerError{Err: err, Permanent: false}
}

// NewPermanentError marks err as not retryable.
func NewPermanentError(err error) *HandlerError {
	return &HandlerError{Err: err, Permanent: true}
}

// IsPermanent reports whether err must not be retried.
// Errors that do not say otherwise are retryable.
func IsPermanent(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return !r.IsRetryable()
	}
	return false
}
