package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
)

// TemplateResolver fills unset request fields from the named task template.
type TemplateResolver interface {
	Resolve(ctx context.Context, req *EnqueueRequest) error
}

// Service is the enqueue API plus status queries and cancellation.
type Service struct {
	repo      Repository
	templates TemplateResolver
	validate  *validator.Validate
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTemplates enables EnqueueRequest.Template.
func WithTemplates(r TemplateResolver) ServiceOption {
	return func(s *Service) {
		s.templates = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new queue service.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		validate: NewValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates and persists a new PENDING message.
// Re-enqueueing with a live idempotency key returns the existing id with Duplicate set.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Template != "" {
		if s.templates == nil {
			return EnqueueResult{}, invalid("template", "templates are not configured")
		}
		if err := s.templates.Resolve(ctx, &req); err != nil {
			recordEnqueue(req.QueueType, "invalid")
			return EnqueueResult{}, err
		}
	}

	now := s.now().UTC()
	msg, err := BuildMessage(s.validate, req, now)
	if err != nil {
		recordEnqueue(req.QueueType, "invalid")
		return EnqueueResult{}, err
	}

	res, err := s.repo.CreateMessage(ctx, msg, now)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("create message: %w", err)
	}

	logger := ctxlog.FromContext(ctx)
	if res.Duplicate {
		recordEnqueue(msg.QueueType, "duplicate")
		logger.Debug("idempotent enqueue matched existing message",
			"message_id", res.ID,
			"idempotency_key", req.IdempotencyKey,
		)
		return EnqueueResult{MessageID: res.ID, Duplicate: true}, nil
	}

	recordEnqueue(msg.QueueType, "created")
	logger.Debug("message enqueued",
		"message_id", res.ID,
		"task_name", msg.TaskName,
		"queue_type", msg.QueueType,
		"priority", msg.Priority.String(),
		"scheduled_for", msg.ScheduledFor,
	)

	return EnqueueResult{MessageID: res.ID}, nil
}

// Get returns a message by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.repo.GetMessage(ctx, id)
}

// List returns messages matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Message, error) {
	if filter.Limit <= 0 || filter.Limit > MaxListLimit {
		filter.Limit = DefaultListLimit
	}
	return s.repo.ListMessages(ctx, filter)
}

// Cancel moves a PENDING or RETRYING message to CANCELLED.
// A PROCESSING message is never cancelled so an in-flight worker is not raced.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.repo.CancelMessage(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("message cancelled", "message_id", id)
	return msg, nil
}
