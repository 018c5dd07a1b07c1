package deadletter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for dead-letter review.
type Handler struct {
	manager   *Manager
	validator *validator.Validate
}

// NewHandler creates a new dead-letter handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager:   manager,
		validator: validator.New(),
	}
}

// RegisterRoutes registers read routes (viewer role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/dead-letters", h.List)
	r.Get("/dead-letters/{id}", h.Get)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/dead-letters/{id}/resolve", h.Resolve)
}

// ResolveRequestBody represents the request body for resolving a record.
type ResolveRequestBody struct {
	Action string         `json:"action" validate:"required,oneof=retry archive fix_and_retry"`
	Notes  string         `json:"notes" validate:"max=2000"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// RecordResponse is the API view of a dead-letter record.
type RecordResponse struct {
	ID                   string                     `json:"id"`
	MessageID            string                     `json:"message_id"`
	TaskName             string                     `json:"task_name"`
	Args                 []json.RawMessage          `json:"args"`
	Kwargs               map[string]json.RawMessage `json:"kwargs"`
	QueueType            domain.QueueType           `json:"queue_type"`
	Priority             domain.Priority            `json:"priority"`
	CorrelationID        *string                    `json:"correlation_id,omitempty"`
	FailureReason        domain.FailureReason       `json:"failure_reason"`
	ErrorMessage         string                     `json:"error_message"`
	Traceback            string                     `json:"traceback,omitempty"`
	TotalAttempts        int                        `json:"total_attempts"`
	ManualReviewRequired bool                       `json:"manual_review_required"`
	CanBeRetried         bool                       `json:"can_be_retried"`
	ResolutionAction     *domain.ResolutionAction   `json:"resolution_action,omitempty"`
	ResolvedAt           *time.Time                 `json:"resolved_at,omitempty"`
	ResolvedBy           *string                    `json:"resolved_by,omitempty"`
	ResolutionNotes      *string                    `json:"resolution_notes,omitempty"`
	RetriedMessageID     *string                    `json:"retried_message_id,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
}

// NewRecordResponse converts a record to its API view.
func NewRecordResponse(r *domain.DeadLetterRecord) RecordResponse {
	args := r.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	return RecordResponse{
		ID:                   r.ID,
		MessageID:            r.MessageID,
		TaskName:             r.TaskName,
		Args:                 args,
		Kwargs:               kwargs,
		QueueType:            r.QueueType,
		Priority:             r.Priority,
		CorrelationID:        r.CorrelationID,
		FailureReason:        r.FailureReason,
		ErrorMessage:         r.ErrorMessage,
		Traceback:            r.Traceback,
		TotalAttempts:        r.TotalAttempts,
		ManualReviewRequired: r.ManualReviewRequired,
		CanBeRetried:         r.CanBeRetried,
		ResolutionAction:     r.ResolutionAction,
		ResolvedAt:           r.ResolvedAt,
		ResolvedBy:           r.ResolvedBy,
		ResolutionNotes:      r.ResolutionNotes,
		RetriedMessageID:     r.RetriedMessageID,
		CreatedAt:            r.CreatedAt,
	}
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRecordNotFound, Status: http.StatusNotFound},
	{Error: ErrAlreadyResolved, Status: http.StatusConflict},
	{Error: ErrNotRetryable, Status: http.StatusConflict},
	{Error: ErrInvalidAction, Status: http.StatusBadRequest},
}

// List handles GET /dead-letters request.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.manager.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]RecordResponse, 0, len(records))
	for i := range records {
		out = append(out, NewRecordResponse(&records[i]))
	}
	httputil.Success(w, http.StatusOK, out)
}

// Get handles GET /dead-letters/{id} request.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, NewRecordResponse(rec))
}

// Resolve handles POST /dead-letters/{id}/resolve request.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	rec, err := h.manager.Resolve(r.Context(), chi.URLParam(r, "id"), ResolveRequest{
		Action:     domain.ResolutionAction(body.Action),
		Notes:      body.Notes,
		ResolvedBy: httputil.GetSubject(r.Context()),
		Args:       body.Args,
		Kwargs:     body.Kwargs,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, NewRecordResponse(rec))
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	filter := ListFilter{QueueType: domain.QueueType(q.Get("queue_type"))}
	if filter.QueueType != "" && !filter.QueueType.Valid() {
		return filter, errors.New("invalid queue_type")
	}

	if v := q.Get("manual_review_required"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("invalid manual_review_required")
		}
		filter.ManualReviewRequired = &b
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("invalid resolved")
		}
		filter.Resolved = &b
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("from must be RFC3339")
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("to must be RFC3339")
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			return filter, errors.New("limit must be between 1 and 500")
		}
		filter.Limit = limit
	}
	return filter, nil
}
