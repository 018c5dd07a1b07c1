// Package templates stores named enqueue defaults and applies them to requests.
package templates

import (
	"context"
	"errors"

	"github.com/bissquit/jobqueue/internal/domain"
)

// Template errors.
var (
	ErrTemplateNotFound  = errors.New("task template not found")
	ErrAmbiguousTemplate = errors.New("template name exists for several queue types, queue_type is required")
	ErrInvalidTemplate   = errors.New("invalid task template")
)

// Repository defines data access for task templates.
type Repository interface {
	ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error)
	GetTemplate(ctx context.Context, name string, queueType domain.QueueType) (*domain.TaskTemplate, error)
	// UpsertTemplate inserts or replaces by (template_name, queue_type).
	UpsertTemplate(ctx context.Context, t *domain.TaskTemplate) error
	DeleteTemplate(ctx context.Context, name string, queueType domain.QueueType) error
}
