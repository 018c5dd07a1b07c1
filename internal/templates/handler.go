package templates

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for task templates.
type Handler struct {
	registry  *Registry
	validator *validator.Validate
}

// NewHandler creates a new templates handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry:  registry,
		validator: validator.New(),
	}
}

// RegisterRoutes registers read routes (viewer role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/templates", h.List)
}

// RegisterAdminRoutes registers routes that require admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Put("/templates", h.Upsert)
	r.Delete("/templates/{queue_type}/{name}", h.Delete)
}

// TemplateBody is the API view of a task template. Durations are whole seconds.
type TemplateBody struct {
	TemplateName      string            `json:"template_name" validate:"required,max=255"`
	QueueType         string            `json:"queue_type" validate:"required"`
	TaskName          string            `json:"task_name" validate:"required,max=255"`
	Priority          string            `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	MaxRetries        int               `json:"max_retries" validate:"gte=0,lte=100"`
	RetryDelaySeconds int               `json:"retry_delay_seconds" validate:"gte=0"`
	RequiredFields    []string          `json:"required_fields"`
	ValidationSchema  map[string]string `json:"validation_schema"`
	DefaultDelaySecs  int               `json:"default_delay_seconds" validate:"gte=0"`
	DefaultTTLSeconds int               `json:"default_ttl_seconds" validate:"gte=0"`
	CreatedAt         *time.Time        `json:"created_at,omitempty"`
	UpdatedAt         *time.Time        `json:"updated_at,omitempty"`
}

// ToDomain converts the body to a domain template.
func (b *TemplateBody) ToDomain() *domain.TaskTemplate {
	var priority domain.Priority
	if b.Priority != "" {
		priority, _ = domain.ParsePriority(b.Priority)
	}
	required := b.RequiredFields
	if required == nil {
		required = []string{}
	}
	schema := b.ValidationSchema
	if schema == nil {
		schema = map[string]string{}
	}
	return &domain.TaskTemplate{
		TemplateName:     b.TemplateName,
		QueueType:        domain.QueueType(b.QueueType),
		TaskName:         b.TaskName,
		Priority:         priority,
		MaxRetries:       b.MaxRetries,
		RetryDelay:       time.Duration(b.RetryDelaySeconds) * time.Second,
		RequiredFields:   required,
		ValidationSchema: schema,
		DefaultDelay:     time.Duration(b.DefaultDelaySecs) * time.Second,
		DefaultTTL:       time.Duration(b.DefaultTTLSeconds) * time.Second,
	}
}

// NewTemplateBody converts a domain template to its API view.
func NewTemplateBody(t *domain.TaskTemplate) TemplateBody {
	body := TemplateBody{
		TemplateName:      t.TemplateName,
		QueueType:         string(t.QueueType),
		TaskName:          t.TaskName,
		MaxRetries:        t.MaxRetries,
		RetryDelaySeconds: int(t.RetryDelay / time.Second),
		RequiredFields:    t.RequiredFields,
		ValidationSchema:  t.ValidationSchema,
		DefaultDelaySecs:  int(t.DefaultDelay / time.Second),
		DefaultTTLSeconds: int(t.DefaultTTL / time.Second),
	}
	if t.Priority.Valid() {
		body.Priority = t.Priority.String()
	}
	if !t.CreatedAt.IsZero() {
		created, updated := t.CreatedAt, t.UpdatedAt
		body.CreatedAt, body.UpdatedAt = &created, &updated
	}
	return body
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrTemplateNotFound, Status: http.StatusNotFound},
	{Error: ErrInvalidTemplate, Status: http.StatusBadRequest},
}

// List handles GET /templates request.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	out := make([]TemplateBody, 0, len(list))
	for i := range list {
		out = append(out, NewTemplateBody(&list[i]))
	}
	httputil.Success(w, http.StatusOK, out)
}

// Upsert handles PUT /templates request.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	var body TemplateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	t := body.ToDomain()
	if err := h.registry.Upsert(r.Context(), t); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, NewTemplateBody(t))
}

// Delete handles DELETE /templates/{queue_type}/{name} request.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	queueType := domain.QueueType(chi.URLParam(r, "queue_type"))
	if !queueType.Valid() {
		httputil.Error(w, http.StatusBadRequest, "invalid queue_type")
		return
	}

	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "name"), queueType); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
