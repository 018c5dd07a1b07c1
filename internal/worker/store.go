package worker

import (
	"context"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
)

// Failure is what a failed attempt records on the message.
type Failure struct {
	ErrorMessage string
	Traceback    string
	Permanent    bool
}

// Store is the message persistence the worker side needs.
// Every mutation is guarded by the expected status and, for PROCESSING rows,
// the owning worker id. A guard miss returns queue.ErrNotOwner.
type Store interface {
	// MarkCompleted moves PROCESSING to COMPLETED.
	MarkCompleted(ctx context.Context, id, workerID string, now time.Time) error
	// MarkFailed moves PROCESSING to FAILED and returns the updated message.
	MarkFailed(ctx context.Context, id, workerID string, f Failure, now time.Time) (*domain.Message, error)
	// ScheduleRetry moves FAILED to RETRYING with the given scheduled_for.
	ScheduleRetry(ctx context.Context, id string, scheduledFor, now time.Time) error

	// ListOrphaned returns PROCESSING messages started before startedBefore.
	ListOrphaned(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Message, error)
	// ListStaleFailed returns FAILED messages last updated before updatedBefore.
	ListStaleFailed(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Message, error)
	// ListExpired returns PENDING or RETRYING messages whose expires_at <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
}

// Quarantiner moves a message to the dead-letter queue.
type Quarantiner interface {
	Quarantine(ctx context.Context, m *domain.Message, reason domain.FailureReason, now time.Time) (*domain.DeadLetterRecord, error)
}

// Claimer hands out claimed messages.
type Claimer interface {
	SelectBatch(ctx context.Context, queueType domain.QueueType, limit int, workerID string) ([]domain.Message, error)
}
