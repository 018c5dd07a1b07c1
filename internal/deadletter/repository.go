// Package deadletter quarantines permanently failed messages and supports
// their manual review and resolution.
package deadletter

import (
	"context"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
)

// ListFilter narrows ListDeadLetters. Nil fields are not applied.
type ListFilter struct {
	QueueType            domain.QueueType
	ManualReviewRequired *bool
	Resolved             *bool
	From                 *time.Time
	To                   *time.Time
	Limit                int
}

// Resolution is an operator decision on a record.
type Resolution struct {
	Action     domain.ResolutionAction
	ResolvedBy string
	Notes      string
	ResolvedAt time.Time
}

// Repository defines data access for dead-letter records.
type Repository interface {
	// QuarantineMessage moves the message from status `from` to DEAD_LETTER and
	// inserts rec in one transaction. If the message already has a record, that
	// record is returned unchanged. If the message is no longer in `from` and
	// has no record, queue.ErrNotOwner is returned.
	QuarantineMessage(ctx context.Context, rec *domain.DeadLetterRecord, from domain.MessageStatus, now time.Time) (*domain.DeadLetterRecord, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, filter ListFilter) ([]domain.DeadLetterRecord, error)
	// ResolveDeadLetter stores res on an unresolved record and, when spawn is
	// not nil, inserts it as a new message in the same transaction.
	ResolveDeadLetter(ctx context.Context, id string, res Resolution, spawn *domain.Message) (*domain.DeadLetterRecord, error)
}

// MessageReader loads the original message of a record, when still retained.
type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
}
