package templates_test

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/storage/memory"
	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func welcomeTemplate() domain.TaskTemplate {
	return domain.TaskTemplate{
		TemplateName:     "welcome",
		QueueType:        domain.QueueTypeNotification,
		TaskName:         "send_email",
		Priority:         domain.PriorityHigh,
		MaxRetries:       5,
		RetryDelay:       30 * time.Second,
		RequiredFields:   []string{"to"},
		ValidationSchema: map[string]string{"to": "required,email", "name": "max=5"},
		DefaultTTL:       time.Hour,
	}
}

func newRegistry(t *testing.T, seed ...domain.TaskTemplate) (*templates.Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	reg := templates.NewRegistry(store)
	require.NoError(t, reg.Seed(context.Background(), seed))
	return reg, store
}

func TestRegistry_SeedAndList(t *testing.T) {
	other := welcomeTemplate()
	other.QueueType = domain.QueueTypeDefault
	other.TemplateName = "zeta"
	reg, store := newRegistry(t, welcomeTemplate(), other)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.QueueTypeDefault, list[0].QueueType)
	assert.Equal(t, "welcome", list[1].TemplateName)
	assert.False(t, list[1].CreatedAt.IsZero())

	stored, err := store.ListTemplates(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRegistry_UpsertRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.TaskTemplate)
	}{
		{name: "empty name", mutate: func(tt *domain.TaskTemplate) { tt.TemplateName = " " }},
		{name: "unknown queue", mutate: func(tt *domain.TaskTemplate) { tt.QueueType = "mail" }},
		{name: "empty task", mutate: func(tt *domain.TaskTemplate) { tt.TaskName = "" }},
		{name: "bad priority", mutate: func(tt *domain.TaskTemplate) { tt.Priority = 9 }},
		{name: "negative retries", mutate: func(tt *domain.TaskTemplate) { tt.MaxRetries = -1 }},
		{name: "negative ttl", mutate: func(tt *domain.TaskTemplate) { tt.DefaultTTL = -time.Second }},
		{name: "unknown rule", mutate: func(tt *domain.TaskTemplate) { tt.ValidationSchema = map[string]string{"to": "is_a_duck"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newRegistry(t)
			tmpl := welcomeTemplate()
			tt.mutate(&tmpl)
			err := reg.Upsert(context.Background(), &tmpl)
			require.ErrorIs(t, err, templates.ErrInvalidTemplate)
			assert.Empty(t, reg.List())
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg, _ := newRegistry(t, welcomeTemplate())

	req := queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{"to": "a@example.com"}}
	require.NoError(t, reg.Resolve(context.Background(), &req))
	assert.Equal(t, "send_email", req.TaskName)
	assert.Equal(t, domain.QueueTypeNotification, req.QueueType)
	assert.Equal(t, domain.PriorityHigh, req.Priority)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 5, *req.MaxRetries)
	require.NotNil(t, req.TTL)
	assert.Equal(t, time.Hour, *req.TTL)
	assert.Nil(t, req.Delay)

	explicit := 1
	req = queue.EnqueueRequest{
		Template:   "welcome",
		Priority:   domain.PriorityLow,
		MaxRetries: &explicit,
		Kwargs:     map[string]any{"to": "a@example.com"},
	}
	require.NoError(t, reg.Resolve(context.Background(), &req))
	assert.Equal(t, domain.PriorityLow, req.Priority)
	assert.Equal(t, 1, *req.MaxRetries)
}

func TestRegistry_ResolveValidation(t *testing.T) {
	reg, _ := newRegistry(t, welcomeTemplate())

	tests := []struct {
		name  string
		req   queue.EnqueueRequest
		field string
	}{
		{name: "unknown template", req: queue.EnqueueRequest{Template: "bye"}, field: "template"},
		{name: "missing required field", req: queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{}}, field: "kwargs.to"},
		{name: "bad email", req: queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{"to": "nope"}}, field: "kwargs.to"},
		{name: "too long", req: queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{"to": "a@example.com", "name": "abcdefgh"}}, field: "kwargs.name"},
		{name: "rule on wrong type", req: queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{"to": 42}}, field: "kwargs.to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := reg.Resolve(context.Background(), &req)
			require.ErrorIs(t, err, queue.ErrValidation)
			var ve *queue.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRegistry_ResolveAmbiguous(t *testing.T) {
	other := welcomeTemplate()
	other.QueueType = domain.QueueTypeDefault
	reg, _ := newRegistry(t, welcomeTemplate(), other)

	req := queue.EnqueueRequest{Template: "welcome", Kwargs: map[string]any{"to": "a@example.com"}}
	err := reg.Resolve(context.Background(), &req)
	require.ErrorIs(t, err, templates.ErrAmbiguousTemplate)

	req.QueueType = domain.QueueTypeDefault
	require.NoError(t, reg.Resolve(context.Background(), &req))
	assert.Equal(t, domain.QueueTypeDefault, req.QueueType)
}

func TestRegistry_ReadThroughAndDelete(t *testing.T) {
	reg, store := newRegistry(t)

	// Written by another instance.
	tmpl := welcomeTemplate()
	require.NoError(t, store.UpsertTemplate(context.Background(), &tmpl))

	got, err := reg.Get(context.Background(), "welcome", domain.QueueTypeNotification)
	require.NoError(t, err)
	assert.Equal(t, "send_email", got.TaskName)

	require.NoError(t, reg.Delete(context.Background(), "welcome", domain.QueueTypeNotification))
	_, err = reg.Get(context.Background(), "welcome", domain.QueueTypeNotification)
	assert.ErrorIs(t, err, templates.ErrTemplateNotFound)

	err = reg.Delete(context.Background(), "welcome", domain.QueueTypeNotification)
	assert.ErrorIs(t, err, templates.ErrTemplateNotFound)
}

func TestRegistry_EnqueueWithTemplate(t *testing.T) {
	reg, store := newRegistry(t, welcomeTemplate())
	svc := queue.NewService(store, queue.WithTemplates(reg))

	res, err := svc.Enqueue(context.Background(), queue.EnqueueRequest{
		Template: "welcome",
		Kwargs:   map[string]any{"to": "a@example.com"},
	})
	require.NoError(t, err)

	msg, err := store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "send_email", msg.TaskName)
	assert.Equal(t, domain.PriorityHigh, msg.Priority)
	assert.Equal(t, 5, msg.MaxRetries)
	assert.Equal(t, 30*time.Second, msg.RetryDelay)
	require.NotNil(t, msg.ExpiresAt)
}

func TestApply_DelayKeepsExplicitSchedule(t *testing.T) {
	tmpl := welcomeTemplate()
	tmpl.DefaultDelay = time.Minute
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	req := queue.EnqueueRequest{ScheduledFor: &at}
	templates.Apply(&tmpl, &req)
	assert.Nil(t, req.Delay)

	req = queue.EnqueueRequest{}
	templates.Apply(&tmpl, &req)
	require.NotNil(t, req.Delay)
	assert.Equal(t, time.Minute, *req.Delay)
}
