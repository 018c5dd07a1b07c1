package domain

import (
	"encoding/json"
	"time"
)

// FailureReason explains why a message was dead-lettered.
type FailureReason string

// Failure reasons.
const (
	ReasonRetriesExhausted      FailureReason = "retries_exhausted"
	ReasonExpired               FailureReason = "expired"
	ReasonCancelledHandlerError FailureReason = "cancelled_handler_error"
)

// ResolutionAction is the operator decision for a dead-lettered message.
type ResolutionAction string

// Resolution actions.
const (
	ResolutionRetry       ResolutionAction = "retry"
	ResolutionArchive     ResolutionAction = "archive"
	ResolutionFixAndRetry ResolutionAction = "fix_and_retry"
)

// Valid reports whether a is a known resolution action.
func (a ResolutionAction) Valid() bool {
	return a == ResolutionRetry || a == ResolutionArchive || a == ResolutionFixAndRetry
}

// Respawns reports whether the action creates a new message.
func (a ResolutionAction) Respawns() bool {
	return a == ResolutionRetry || a == ResolutionFixAndRetry
}

// DeadLetterRecord is an immutable snapshot of a permanently failed message.
// MessageID is a weak reference: the original row is kept for audit and is
// never removed through this record.
type DeadLetterRecord struct {
	ID                   string
	MessageID            string
	TaskName             string
	Args                 []json.RawMessage
	Kwargs               map[string]json.RawMessage
	QueueType            QueueType
	Priority             Priority
	CorrelationID        *string
	FailureReason        FailureReason
	ErrorMessage         string
	Traceback            string
	TotalAttempts        int
	ManualReviewRequired bool
	CanBeRetried         bool
	ResolutionAction     *ResolutionAction
	ResolvedAt           *time.Time
	ResolvedBy           *string
	ResolutionNotes      *string
	RetriedMessageID     *string
	CreatedAt            time.Time
}

// Resolved reports whether an operator already acted on the record.
func (r *DeadLetterRecord) Resolved() bool {
	return r.ResolvedAt != nil
}
