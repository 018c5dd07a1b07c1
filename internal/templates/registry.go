package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/go-playground/validator/v10"
)

type key struct {
	name      string
	queueType domain.QueueType
}

// Registry caches templates and applies them to enqueue requests.
type Registry struct {
	repo     Repository
	validate *validator.Validate
	now      func() time.Time

	mu    sync.RWMutex
	cache map[key]domain.TaskTemplate
}

// NewRegistry creates a registry. Call Load before serving requests.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		validate: validator.New(),
		now:      time.Now,
		cache:    make(map[key]domain.TaskTemplate),
	}
}

// Load replaces the cache with the stored templates.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.repo.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	cache := make(map[key]domain.TaskTemplate, len(list))
	for _, t := range list {
		cache[key{t.TemplateName, t.QueueType}] = t
	}

	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()
	return nil
}

// Seed upserts each template, then reloads the cache.
func (r *Registry) Seed(ctx context.Context, seed []domain.TaskTemplate) error {
	for i := range seed {
		if err := r.Upsert(ctx, &seed[i]); err != nil {
			return fmt.Errorf("seed template %s/%s: %w", seed[i].QueueType, seed[i].TemplateName, err)
		}
	}
	if len(seed) > 0 {
		slog.Info("task templates seeded", "count", len(seed))
	}
	return r.Load(ctx)
}

// Run reloads the cache every interval so changes made by other instances
// become visible.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Load(ctx); err != nil && ctx.Err() == nil {
				slog.Error("failed to reload task templates", "error", err)
			}
		}
	}
}

// List returns cached templates ordered by queue type then name.
func (r *Registry) List() []domain.TaskTemplate {
	r.mu.RLock()
	out := make([]domain.TaskTemplate, 0, len(r.cache))
	for _, t := range r.cache {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueType != out[j].QueueType {
			return out[i].QueueType < out[j].QueueType
		}
		return out[i].TemplateName < out[j].TemplateName
	})
	return out
}

// Get returns a template, reading through to the store on a cache miss.
func (r *Registry) Get(ctx context.Context, name string, queueType domain.QueueType) (*domain.TaskTemplate, error) {
	r.mu.RLock()
	t, ok := r.cache[key{name, queueType}]
	r.mu.RUnlock()
	if ok {
		return &t, nil
	}

	stored, err := r.repo.GetTemplate(ctx, name, queueType)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key{name, queueType}] = *stored
	r.mu.Unlock()
	return stored, nil
}

// Upsert validates and stores t.
func (r *Registry) Upsert(ctx context.Context, t *domain.TaskTemplate) error {
	if err := r.check(t); err != nil {
		return err
	}
	now := r.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := r.repo.UpsertTemplate(ctx, t); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[key{t.TemplateName, t.QueueType}] = *t
	r.mu.Unlock()
	return nil
}

// Delete removes a template.
func (r *Registry) Delete(ctx context.Context, name string, queueType domain.QueueType) error {
	if err := r.repo.DeleteTemplate(ctx, name, queueType); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, key{name, queueType})
	r.mu.Unlock()
	return nil
}

func (r *Registry) check(t *domain.TaskTemplate) error {
	switch {
	case strings.TrimSpace(t.TemplateName) == "":
		return fmt.Errorf("%w: template_name is required", ErrInvalidTemplate)
	case !t.QueueType.Valid():
		return fmt.Errorf("%w: unknown queue_type %q", ErrInvalidTemplate, t.QueueType)
	case strings.TrimSpace(t.TaskName) == "":
		return fmt.Errorf("%w: task_name is required", ErrInvalidTemplate)
	case t.Priority != 0 && !t.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidTemplate, t.Priority)
	case t.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTemplate)
	case t.RetryDelay < 0 || t.DefaultDelay < 0 || t.DefaultTTL < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidTemplate)
	}
	for field, tag := range t.ValidationSchema {
		if err := r.checkTag(tag); err != nil {
			return fmt.Errorf("%w: validation_schema.%s: %v", ErrInvalidTemplate, field, err)
		}
	}
	return nil
}

// checkTag reports tags the validator does not know. The validator panics on
// those, so the panic is turned into an error.
func (r *Registry) checkTag(tag string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("bad rule %q: %v", tag, p)
		}
	}()
	_ = r.validate.Var("", tag)
	return nil
}

// Resolve fills unset fields of req from the template named req.Template.
// When req.QueueType is empty the name must identify a single template.
func (r *Registry) Resolve(ctx context.Context, req *queue.EnqueueRequest) error {
	t, err := r.lookup(ctx, req.Template, req.QueueType)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrAmbiguousTemplate) {
			return &queue.ValidationError{Field: "template", Reason: err.Error(), Err: err}
		}
		return fmt.Errorf("lookup template: %w", err)
	}

	Apply(t, req)

	for _, field := range t.RequiredFields {
		if _, ok := req.Kwargs[field]; !ok {
			return &queue.ValidationError{Field: "kwargs." + field, Reason: "required by template " + t.TemplateName}
		}
	}

	fields := make([]string, 0, len(t.ValidationSchema))
	for field := range t.ValidationSchema {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if err := r.validateField(req.Kwargs, field, t.ValidationSchema[field]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) validateField(kwargs map[string]any, field, tag string) (err error) {
	value, present := kwargs[field]
	if !present || value == nil {
		if hasRule(tag, "required") {
			return &queue.ValidationError{Field: "kwargs." + field, Reason: "required"}
		}
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = &queue.ValidationError{Field: "kwargs." + field, Reason: fmt.Sprintf("rule %q cannot be applied", tag)}
		}
	}()
	if verr := r.validate.Var(value, tag); verr != nil {
		var ve validator.ValidationErrors
		reason := tag
		if errors.As(verr, &ve) && len(ve) > 0 {
			reason = ve[0].Tag()
		}
		return &queue.ValidationError{Field: "kwargs." + field, Reason: "fails " + reason, Err: verr}
	}
	return nil
}

func hasRule(tag, rule string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == rule {
			return true
		}
	}
	return false
}

func (r *Registry) lookup(ctx context.Context, name string, queueType domain.QueueType) (*domain.TaskTemplate, error) {
	if queueType != "" {
		return r.Get(ctx, name, queueType)
	}

	r.mu.RLock()
	var matches []domain.TaskTemplate
	for k, t := range r.cache {
		if k.name == name {
			matches = append(matches, t)
		}
	}
	r.mu.RUnlock()

	switch len(matches) {
	case 0:
		return nil, ErrTemplateNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, ErrAmbiguousTemplate
	}
}

// Apply copies template defaults into the unset fields of req.
func Apply(t *domain.TaskTemplate, req *queue.EnqueueRequest) {
	if req.TaskName == "" {
		req.TaskName = t.TaskName
	}
	if req.QueueType == "" {
		req.QueueType = t.QueueType
	}
	if req.Priority == 0 && t.Priority != 0 {
		req.Priority = t.Priority
	}
	if req.MaxRetries == nil {
		n := t.MaxRetries
		req.MaxRetries = &n
	}
	if req.RetryDelay == nil && t.RetryDelay > 0 {
		d := t.RetryDelay
		req.RetryDelay = &d
	}
	if req.ScheduledFor == nil && req.Delay == nil && t.DefaultDelay > 0 {
		d := t.DefaultDelay
		req.Delay = &d
	}
	if req.ExpiresAt == nil && req.TTL == nil && t.DefaultTTL > 0 {
		d := t.DefaultTTL
		req.TTL = &d
	}
}
