package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Pagination constants.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Handler handles HTTP requests for the queue module.
type Handler struct {
	service *Service
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers read routes (viewer role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.ListMessages)
	r.Get("/messages/{id}", h.GetMessage)
}

// RegisterOperatorRoutes registers routes that mutate the queue (operator role).
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/messages", h.EnqueueMessage)
	r.Post("/messages/{id}/cancel", h.CancelMessage)
}

// EnqueueMessageRequest represents the request body for enqueueing a message.
// Durations are whole seconds.
type EnqueueMessageRequest struct {
	Template          string         `json:"template"`
	TaskName          string         `json:"task_name"`
	Args              []any          `json:"args"`
	Kwargs            map[string]any `json:"kwargs"`
	QueueType         string         `json:"queue_type"`
	Priority          string         `json:"priority"`
	MaxRetries        *int           `json:"max_retries"`
	RetryDelaySeconds *int           `json:"retry_delay_seconds"`
	ScheduledFor      *time.Time     `json:"scheduled_for"`
	DelaySeconds      *int           `json:"delay_seconds"`
	ExpiresAt         *time.Time     `json:"expires_at"`
	TTLSeconds        *int           `json:"ttl_seconds"`
	IdempotencyKey    string         `json:"idempotency_key"`
	CorrelationID     string         `json:"correlation_id"`
	Source            string         `json:"source"`
}

// ToEnqueueRequest converts the request body to an EnqueueRequest.
func (r *EnqueueMessageRequest) ToEnqueueRequest() (EnqueueRequest, error) {
	req := EnqueueRequest{
		Template:       r.Template,
		TaskName:       r.TaskName,
		Args:           r.Args,
		Kwargs:         r.Kwargs,
		QueueType:      domain.QueueType(r.QueueType),
		MaxRetries:     r.MaxRetries,
		RetryDelay:     seconds(r.RetryDelaySeconds),
		ScheduledFor:   r.ScheduledFor,
		Delay:          seconds(r.DelaySeconds),
		ExpiresAt:      r.ExpiresAt,
		TTL:            seconds(r.TTLSeconds),
		IdempotencyKey: r.IdempotencyKey,
		CorrelationID:  r.CorrelationID,
		Source:         r.Source,
	}
	if r.Priority != "" {
		p, err := domain.ParsePriority(r.Priority)
		if err != nil {
			return EnqueueRequest{}, &ValidationError{Field: "priority", Reason: "unknown value", Err: err}
		}
		req.Priority = p
	}
	return req, nil
}

// EnqueueMessageResponse is returned by POST /messages.
type EnqueueMessageResponse struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

// MessageResponse is the API view of a message.
type MessageResponse struct {
	ID                string                     `json:"id"`
	IdempotencyKey    *string                    `json:"idempotency_key,omitempty"`
	ContentHash       string                     `json:"content_hash"`
	QueueType         domain.QueueType           `json:"queue_type"`
	Priority          domain.Priority            `json:"priority"`
	Status            domain.MessageStatus       `json:"status"`
	TaskName          string                     `json:"task_name"`
	Args              []json.RawMessage          `json:"args"`
	Kwargs            map[string]json.RawMessage `json:"kwargs"`
	Source            *string                    `json:"source,omitempty"`
	CorrelationID     *string                    `json:"correlation_id,omitempty"`
	ScheduledFor      time.Time                  `json:"scheduled_for"`
	ExpiresAt         *time.Time                 `json:"expires_at,omitempty"`
	Attempts          int                        `json:"attempts"`
	MaxRetries        int                        `json:"max_retries"`
	RetryDelaySeconds int64                      `json:"retry_delay_seconds"`
	StartedAt         *time.Time                 `json:"started_at,omitempty"`
	CompletedAt       *time.Time                 `json:"completed_at,omitempty"`
	WorkerID          *string                    `json:"worker_id,omitempty"`
	ErrorMessage      *string                    `json:"error_message,omitempty"`
	Traceback         *string                    `json:"traceback,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// NewMessageResponse converts a domain message to its API view.
func NewMessageResponse(m *domain.Message) MessageResponse {
	args := m.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	kwargs := m.Kwargs
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	return MessageResponse{
		ID:                m.ID,
		IdempotencyKey:    m.IdempotencyKey,
		ContentHash:       m.ContentHash,
		QueueType:         m.QueueType,
		Priority:          m.Priority,
		Status:            m.Status,
		TaskName:          m.TaskName,
		Args:              args,
		Kwargs:            kwargs,
		Source:            m.Source,
		CorrelationID:     m.CorrelationID,
		ScheduledFor:      m.ScheduledFor,
		ExpiresAt:         m.ExpiresAt,
		Attempts:          m.Attempts,
		MaxRetries:        m.MaxRetries,
		RetryDelaySeconds: int64(m.RetryDelay / time.Second),
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		WorkerID:          m.WorkerID,
		ErrorMessage:      m.ErrorMessage,
		Traceback:         m.Traceback,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrMessageNotFound, Status: http.StatusNotFound},
	{Error: ErrCancelNotAllowed, Status: http.StatusConflict},
}

// EnqueueMessage handles POST /messages request.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var body EnqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	req, err := body.ToEnqueueRequest()
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	res, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	httputil.Success(w, status, EnqueueMessageResponse{MessageID: res.MessageID, Duplicate: res.Duplicate})
}

// GetMessage handles GET /messages/{id} request.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, NewMessageResponse(msg))
}

// ListMessages handles GET /messages request.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		QueueType:     domain.QueueType(q.Get("queue_type")),
		Status:        domain.MessageStatus(q.Get("status")),
		CorrelationID: q.Get("correlation_id"),
		Limit:         DefaultListLimit,
	}
	if filter.QueueType != "" && !filter.QueueType.Valid() {
		httputil.Error(w, http.StatusBadRequest, "invalid queue_type")
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.Error(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > MaxListLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	msgs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, NewMessageResponse(&msgs[i]))
	}
	httputil.Success(w, http.StatusOK, out)
}

// CancelMessage handles POST /messages/{id}/cancel request.
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, NewMessageResponse(msg))
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, errorMappings)
}

func seconds(v *int) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Second
	return &d
}
