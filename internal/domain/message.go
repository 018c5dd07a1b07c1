package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueueType groups messages by the kind of deferred work they carry.
type QueueType string

// Queue types.
const (
	QueueTypeDefault        QueueType = "default"
	QueueTypeNotification   QueueType = "notification"
	QueueTypeWebhook        QueueType = "webhook"
	QueueTypeAnalytics      QueueType = "analytics"
	QueueTypeFileProcessing QueueType = "file_processing"
	QueueTypeCalendarSync   QueueType = "calendar_sync"
)

// AllQueueTypes returns every known queue type.
func AllQueueTypes() []QueueType {
	return []QueueType{
		QueueTypeDefault,
		QueueTypeNotification,
		QueueTypeWebhook,
		QueueTypeAnalytics,
		QueueTypeFileProcessing,
		QueueTypeCalendarSync,
	}
}

// Valid reports whether q is a known queue type.
func (q QueueType) Valid() bool {
	for _, known := range AllQueueTypes() {
		if q == known {
			return true
		}
	}
	return false
}

// Priority orders messages inside a queue. Higher values are dispatched first.
type Priority int8

// Priorities. Zero is reserved for "not set".
const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// ParsePriority converts a lowercase priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

// Message statuses.
const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusRetrying   MessageStatus = "retrying"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusDeadLetter MessageStatus = "dead_letter"
	StatusCancelled  MessageStatus = "cancelled"
)

// transitions lists the allowed status edges.
// Expired PENDING/RETRYING rows may go straight to DEAD_LETTER when swept by the reaper.
var transitions = map[MessageStatus][]MessageStatus{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusDeadLetter},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetrying, StatusDeadLetter},
	StatusRetrying:   {StatusProcessing, StatusCancelled, StatusDeadLetter},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave s.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusCancelled
}

// Claimable reports whether a dispatcher may pick up a message in status s.
func (s MessageStatus) Claimable() bool {
	return s == StatusPending || s == StatusRetrying
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetrying, StatusCompleted,
		StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// Message is a unit of deferred work.
type Message struct {
	ID             string
	IdempotencyKey *string
	ContentHash    string
	QueueType      QueueType
	Priority       Priority
	Status         MessageStatus
	TaskName       string
	Args           []json.RawMessage
	Kwargs         map[string]json.RawMessage
	Source         *string
	CorrelationID  *string
	ScheduledFor   time.Time
	ExpiresAt      *time.Time
	Attempts       int
	MaxRetries     int
	RetryDelay     time.Duration
	StartedAt      *time.Time
	CompletedAt    *time.Time
	WorkerID       *string
	ErrorMessage   *string
	Traceback      *string
	// FailedAt is when the latest attempt failed. Resolving a dead letter
	// does not move it.
	FailedAt *time.Time
	// PermanentFailure records whether the latest failure must not be retried.
	PermanentFailure bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
