// Package queue provides the enqueue API and message status operations.
package queue

import (
	"context"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
)

// CreateResult reports how CreateMessage settled an insert.
type CreateResult struct {
	ID        string
	Duplicate bool
}

// ListFilter narrows ListMessages.
type ListFilter struct {
	QueueType     domain.QueueType
	Status        domain.MessageStatus
	CorrelationID string
	Limit         int
}

// Repository defines data access for enqueue and status queries.
type Repository interface {
	// CreateMessage inserts m. When m carries an idempotency key held by an
	// unexpired message, nothing is inserted and the holder's id is returned
	// with Duplicate set.
	CreateMessage(ctx context.Context, m *domain.Message, now time.Time) (CreateResult, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListMessages(ctx context.Context, filter ListFilter) ([]domain.Message, error)
	// CancelMessage moves a PENDING or RETRYING message to CANCELLED.
	CancelMessage(ctx context.Context, id string, now time.Time) (*domain.Message, error)
}
