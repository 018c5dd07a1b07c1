package memory

import (
	"context"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/templates"
)

// ListTemplates returns every template.
func (s *Store) ListTemplates(context.Context) ([]domain.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TaskTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out, nil
}

// GetTemplate returns the template stored under (name, queueType).
func (s *Store) GetTemplate(_ context.Context, name string, queueType domain.QueueType) (*domain.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateKey{name, queueType}]
	if !ok {
		return nil, templates.ErrTemplateNotFound
	}
	return &t, nil
}

// UpsertTemplate inserts or replaces t. created_at of an existing row is kept.
func (s *Store) UpsertTemplate(_ context.Context, t *domain.TaskTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := templateKey{t.TemplateName, t.QueueType}
	if existing, ok := s.templates[k]; ok {
		t.CreatedAt = existing.CreatedAt
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.templates[k] = *t
	return nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(_ context.Context, name string, queueType domain.QueueType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := templateKey{name, queueType}
	if _, ok := s.templates[k]; !ok {
		return templates.ErrTemplateNotFound
	}
	delete(s.templates, k)
	return nil
}
