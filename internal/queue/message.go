package queue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Enqueue defaults.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
	DefaultPriority   = domain.PriorityNormal
)

// EnqueueRequest describes a message to enqueue. Zero values mean "use the
// template value, or the default".
type EnqueueRequest struct {
	Template       string
	TaskName       string `validate:"required,max=255"`
	Args           []any
	Kwargs         map[string]any
	QueueType      domain.QueueType `validate:"required,queue_type"`
	Priority       domain.Priority  `validate:"required,priority"`
	MaxRetries     *int             `validate:"omitempty,gte=0,lte=100"`
	RetryDelay     *time.Duration   `validate:"omitempty,gte=0s"`
	ScheduledFor   *time.Time
	Delay          *time.Duration `validate:"omitempty,gte=0s"`
	ExpiresAt      *time.Time
	TTL            *time.Duration `validate:"omitempty,gt=0s"`
	IdempotencyKey string         `validate:"max=255"`
	CorrelationID  string         `validate:"max=255"`
	Source         string         `validate:"max=255"`
}

// EnqueueResult is returned by a successful enqueue.
// Duplicate is set when an existing message with the same idempotency key was found.
type EnqueueResult struct {
	MessageID string
	Duplicate bool
}

// NewValidator returns a validator that knows the queue enums.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("queue_type", func(fl validator.FieldLevel) bool {
		return domain.QueueType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return domain.Priority(fl.Field().Int()).Valid()
	})
	return v
}

// BuildMessage validates req, applies defaults and returns a new PENDING message.
// It performs no I/O.
func BuildMessage(v *validator.Validate, req EnqueueRequest, now time.Time) (*domain.Message, error) {
	req.TaskName = strings.TrimSpace(req.TaskName)
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}

	if err := v.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, &ValidationError{Field: ve[0].Field(), Reason: ve[0].Tag(), Err: ve}
		}
		return nil, &ValidationError{Err: err}
	}

	scheduledFor := now
	switch {
	case req.ScheduledFor != nil:
		scheduledFor = req.ScheduledFor.UTC()
	case req.Delay != nil:
		scheduledFor = now.Add(*req.Delay)
	}

	var expiresAt *time.Time
	switch {
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		expiresAt = &t
	case req.TTL != nil:
		t := scheduledFor.Add(*req.TTL)
		expiresAt = &t
	}
	if expiresAt != nil && !expiresAt.After(scheduledFor) {
		return nil, invalid("expires_at", "must be after scheduled_for")
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	retryDelay := DefaultRetryDelay
	if req.RetryDelay != nil {
		retryDelay = *req.RetryDelay
	}

	args, err := MarshalArgs(req.Args)
	if err != nil {
		return nil, err
	}
	kwargs, err := MarshalKwargs(req.Kwargs)
	if err != nil {
		return nil, err
	}

	hash, err := ContentHash(req.TaskName, args, kwargs)
	if err != nil {
		return nil, err
	}

	return &domain.Message{
		ID:             uuid.New().String(),
		IdempotencyKey: optional(req.IdempotencyKey),
		ContentHash:    hash,
		QueueType:      req.QueueType,
		Priority:       req.Priority,
		Status:         domain.StatusPending,
		TaskName:       req.TaskName,
		Args:           args,
		Kwargs:         kwargs,
		Source:         optional(req.Source),
		CorrelationID:  optional(req.CorrelationID),
		ScheduledFor:   scheduledFor,
		ExpiresAt:      expiresAt,
		MaxRetries:     maxRetries,
		RetryDelay:     retryDelay,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ContentHash returns the blake2b-256 digest of the task name and its arguments.
// Map keys are encoded in sorted order, so equal payloads hash equally.
func ContentHash(taskName string, args []json.RawMessage, kwargs map[string]json.RawMessage) (string, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	canonical, err := json.Marshal(struct {
		TaskName string                     `json:"task_name"`
		Args     []json.RawMessage          `json:"args"`
		Kwargs   map[string]json.RawMessage `json:"kwargs"`
	}{taskName, args, kwargs})
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalArgs encodes positional arguments, rejecting values JSON cannot represent.
func MarshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("args[%d]", i), Reason: "not JSON-serializable", Err: err}
		}
		out = append(out, raw)
	}
	return out, nil
}

// MarshalKwargs encodes keyword arguments.
func MarshalKwargs(kwargs map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(kwargs))
	for k, val := range kwargs {
		if k == "" {
			return nil, invalid("kwargs", "empty key")
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, &ValidationError{Field: "kwargs." + k, Reason: "not JSON-serializable", Err: err}
		}
		out[k] = raw
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
