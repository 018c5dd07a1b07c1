package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/google/uuid"
)

// Policy decides review flags for new records.
type Policy struct {
	// ReviewPriorities require manual review when a message of that priority
	// is dead-lettered.
	ReviewPriorities []domain.Priority
}

// DefaultPolicy flags critical and high priority messages for review.
func DefaultPolicy() Policy {
	return Policy{ReviewPriorities: []domain.Priority{domain.PriorityCritical, domain.PriorityHigh}}
}

func (p Policy) reviewRequired(priority domain.Priority) bool {
	for _, rp := range p.ReviewPriorities {
		if rp == priority {
			return true
		}
	}
	return false
}

// Manager owns the dead-letter queue.
type Manager struct {
	repo     Repository
	messages MessageReader
	policy   Policy
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy overrides the review policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a dead-letter manager. messages is used to copy retry
// settings from the original message when a record is retried.
func NewManager(repo Repository, messages MessageReader, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		messages: messages,
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Quarantine snapshots msg into a new record and marks msg DEAD_LETTER.
// Calling it again for the same message returns the existing record.
func (m *Manager) Quarantine(ctx context.Context, msg *domain.Message, reason domain.FailureReason, now time.Time) (*domain.DeadLetterRecord, error) {
	rec := &domain.DeadLetterRecord{
		ID:                   uuid.New().String(),
		MessageID:            msg.ID,
		TaskName:             msg.TaskName,
		Args:                 msg.Args,
		Kwargs:               msg.Kwargs,
		QueueType:            msg.QueueType,
		Priority:             msg.Priority,
		CorrelationID:        msg.CorrelationID,
		FailureReason:        reason,
		ErrorMessage:         failureMessage(msg, reason),
		TotalAttempts:        msg.Attempts,
		ManualReviewRequired: m.policy.reviewRequired(msg.Priority),
		CanBeRetried:         reason != domain.ReasonCancelledHandlerError,
		CreatedAt:            now,
	}
	if msg.Traceback != nil {
		rec.Traceback = *msg.Traceback
	}

	stored, err := m.repo.QuarantineMessage(ctx, rec, msg.Status, now)
	if err != nil {
		return nil, err
	}
	if stored.ID == rec.ID {
		quarantined.WithLabelValues(string(msg.QueueType), string(reason)).Inc()
	}
	return stored, nil
}

func failureMessage(msg *domain.Message, reason domain.FailureReason) string {
	if msg.ErrorMessage != nil && *msg.ErrorMessage != "" && reason != domain.ReasonExpired {
		return *msg.ErrorMessage
	}
	switch reason {
	case domain.ReasonExpired:
		return queue.ErrExpired.Error()
	case domain.ReasonRetriesExhausted:
		return queue.ErrRetriesExhausted.Error()
	default:
		return string(reason)
	}
}

// Get returns a record by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.DeadLetterRecord, error) {
	return m.repo.GetDeadLetter(ctx, id)
}

// List returns records matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]domain.DeadLetterRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return m.repo.ListDeadLetters(ctx, filter)
}

// ResolveRequest is an operator decision.
// Args and Kwargs replace the original payload for fix_and_retry; nil keeps it.
type ResolveRequest struct {
	Action     domain.ResolutionAction
	Notes      string
	ResolvedBy string
	Args       []any
	Kwargs     map[string]any
}

// Resolve records an operator decision. retry and fix_and_retry create a new
// PENDING message with zero attempts; the original message and the record
// stay as they are apart from the resolution fields.
func (m *Manager) Resolve(ctx context.Context, id string, req ResolveRequest) (*domain.DeadLetterRecord, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	rec, err := m.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if req.Action == domain.ResolutionRetry && !rec.CanBeRetried {
		return nil, ErrNotRetryable
	}

	now := m.now().UTC()
	var spawn *domain.Message
	if req.Action.Respawns() {
		spawn, err = m.respawn(ctx, rec, req, now)
		if err != nil {
			return nil, err
		}
	}

	out, err := m.repo.ResolveDeadLetter(ctx, id, Resolution{
		Action:     req.Action,
		ResolvedBy: req.ResolvedBy,
		Notes:      req.Notes,
		ResolvedAt: now,
	}, spawn)
	if err != nil {
		return nil, err
	}

	resolved.WithLabelValues(string(req.Action)).Inc()
	logger := ctxlog.FromContext(ctx)
	if spawn != nil {
		logger.Info("dead letter retried", "dead_letter_id", id, "message_id", rec.MessageID, "new_message_id", spawn.ID)
	} else {
		logger.Info("dead letter archived", "dead_letter_id", id, "message_id", rec.MessageID)
	}
	return out, nil
}

func (m *Manager) respawn(ctx context.Context, rec *domain.DeadLetterRecord, req ResolveRequest, now time.Time) (*domain.Message, error) {
	args, kwargs := rec.Args, rec.Kwargs
	if req.Action == domain.ResolutionFixAndRetry {
		var err error
		if req.Args != nil {
			if args, err = queue.MarshalArgs(req.Args); err != nil {
				return nil, err
			}
		}
		if req.Kwargs != nil {
			if kwargs, err = queue.MarshalKwargs(req.Kwargs); err != nil {
				return nil, err
			}
		}
	}

	maxRetries, retryDelay := queue.DefaultMaxRetries, queue.DefaultRetryDelay
	if m.messages != nil {
		orig, err := m.messages.GetMessage(ctx, rec.MessageID)
		switch {
		case err == nil:
			maxRetries, retryDelay = orig.MaxRetries, orig.RetryDelay
		case !errors.Is(err, queue.ErrMessageNotFound):
			return nil, fmt.Errorf("load original message: %w", err)
		}
	}

	hash, err := queue.ContentHash(rec.TaskName, args, kwargs)
	if err != nil {
		return nil, err
	}
	source := "dead_letter:" + rec.ID

	return &domain.Message{
		ID:            uuid.New().String(),
		ContentHash:   hash,
		QueueType:     rec.QueueType,
		Priority:      rec.Priority,
		Status:        domain.StatusPending,
		TaskName:      rec.TaskName,
		Args:          args,
		Kwargs:        kwargs,
		Source:        &source,
		CorrelationID: rec.CorrelationID,
		ScheduledFor:  now,
		MaxRetries:    maxRetries,
		RetryDelay:    retryDelay,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
