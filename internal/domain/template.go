package domain

import "time"

// TaskTemplate holds named enqueue defaults for a task kind.
// ValidationSchema maps a kwargs field to a validator tag, e.g. "required,email".
type TaskTemplate struct {
	TemplateName     string
	QueueType        QueueType
	TaskName         string
	Priority         Priority
	MaxRetries       int
	RetryDelay       time.Duration
	RequiredFields   []string
	ValidationSchema map[string]string
	DefaultDelay     time.Duration
	DefaultTTL       time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
