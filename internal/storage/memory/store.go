// Package memory provides a mutex-guarded in-process store with the same
// semantics as the PostgreSQL store. It is meant for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/jobqueue/internal/aggregator"
	"github.com/bissquit/jobqueue/internal/archive"
	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/dispatch"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/bissquit/jobqueue/internal/worker"
)

var (
	_ queue.Repository      = (*Store)(nil)
	_ dispatch.ClaimStore   = (*Store)(nil)
	_ worker.Store          = (*Store)(nil)
	_ deadletter.Repository = (*Store)(nil)
	_ aggregator.Repository = (*Store)(nil)
	_ templates.Repository  = (*Store)(nil)
	_ archive.Repository    = (*Store)(nil)
)

type templateKey struct {
	name      string
	queueType domain.QueueType
}

// Store keeps every collection in maps behind one mutex.
type Store struct {
	mu sync.Mutex

	messages    map[string]*domain.Message
	idempotency map[string]string
	deadLetters map[string]*domain.DeadLetterRecord
	byMessage   map[string]string
	snapshots   []domain.QueueMetricsSnapshot
	templates   map[templateKey]domain.TaskTemplate
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:    make(map[string]*domain.Message),
		idempotency: make(map[string]string),
		deadLetters: make(map[string]*domain.DeadLetterRecord),
		byMessage:   make(map[string]string),
		templates:   make(map[templateKey]domain.TaskTemplate),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// CreateMessage inserts m unless an unexpired message holds its idempotency key.
func (s *Store) CreateMessage(_ context.Context, m *domain.Message, now time.Time) (queue.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IdempotencyKey != nil {
		key := *m.IdempotencyKey
		if holderID, ok := s.idempotency[key]; ok {
			holder := s.messages[holderID]
			if holder != nil && !holder.Expired(now) {
				return queue.CreateResult{ID: holder.ID, Duplicate: true}, nil
			}
			if holder != nil {
				holder.IdempotencyKey = nil
			}
			delete(s.idempotency, key)
		}
		s.idempotency[key] = m.ID
	}

	stored := *m
	s.messages[m.ID] = &stored
	return queue.CreateResult{ID: m.ID}, nil
}

// GetMessage returns a copy of the message.
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, queue.ErrMessageNotFound
	}
	out := *m
	return &out, nil
}

// ListMessages returns messages matching filter, newest first.
func (s *Store) ListMessages(_ context.Context, filter queue.ListFilter) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if filter.QueueType != "" && m.QueueType != filter.QueueType {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.CorrelationID != "" && (m.CorrelationID == nil || *m.CorrelationID != filter.CorrelationID) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, filter.Limit), nil
}

// CancelMessage moves a PENDING or RETRYING message to CANCELLED.
func (s *Store) CancelMessage(_ context.Context, id string, now time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, queue.ErrMessageNotFound
	}
	if !domain.CanTransition(m.Status, domain.StatusCancelled) {
		return nil, queue.ErrCancelNotAllowed
	}
	m.Status = domain.StatusCancelled
	m.UpdatedAt = now
	out := *m
	return &out, nil
}

// ClaimBatch claims eligible messages in dispatch order.
func (s *Store) ClaimBatch(_ context.Context, p dispatch.ClaimParams) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*domain.Message, 0)
	for _, m := range s.messages {
		if m.QueueType != p.QueueType || !m.Status.Claimable() {
			continue
		}
		if m.ScheduledFor.After(p.Now) || m.Expired(p.Now) {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return dispatch.Less(eligible[i], eligible[j], p.Now, p.AgingThreshold)
	})
	if len(eligible) > p.Limit {
		eligible = eligible[:p.Limit]
	}

	out := make([]domain.Message, 0, len(eligible))
	for _, m := range eligible {
		started := p.Now
		workerID := p.WorkerID
		m.Status = domain.StatusProcessing
		m.StartedAt = &started
		m.CompletedAt = nil
		m.WorkerID = &workerID
		m.Attempts++
		m.PermanentFailure = false
		m.UpdatedAt = p.Now
		out = append(out, *m)
	}
	return out, nil
}

// owned returns the message when it is PROCESSING and held by workerID.
func (s *Store) owned(id, workerID string) (*domain.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, queue.ErrMessageNotFound
	}
	if m.Status != domain.StatusProcessing || m.WorkerID == nil || *m.WorkerID != workerID {
		return nil, queue.ErrNotOwner
	}
	return m, nil
}

// MarkCompleted moves PROCESSING to COMPLETED.
func (s *Store) MarkCompleted(_ context.Context, id, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	completed := now
	m.Status = domain.StatusCompleted
	m.CompletedAt = &completed
	m.UpdatedAt = now
	return nil
}

// MarkFailed moves PROCESSING to FAILED.
func (s *Store) MarkFailed(_ context.Context, id, workerID string, f worker.Failure, now time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, workerID)
	if err != nil {
		return nil, err
	}
	msg, trace, failedAt := f.ErrorMessage, f.Traceback, now
	m.Status = domain.StatusFailed
	m.ErrorMessage = &msg
	m.Traceback = &trace
	m.PermanentFailure = f.Permanent
	m.FailedAt = &failedAt
	m.UpdatedAt = now
	out := *m
	return &out, nil
}

// ScheduleRetry moves FAILED to RETRYING.
func (s *Store) ScheduleRetry(_ context.Context, id string, scheduledFor, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return queue.ErrMessageNotFound
	}
	if m.Status != domain.StatusFailed {
		return queue.ErrNotOwner
	}
	m.Status = domain.StatusRetrying
	m.ScheduledFor = scheduledFor
	m.UpdatedAt = now
	return nil
}

// ListOrphaned returns PROCESSING messages started before startedBefore.
func (s *Store) ListOrphaned(_ context.Context, startedBefore time.Time, limit int) ([]domain.Message, error) {
	return s.selectMessages(limit, func(m *domain.Message) bool {
		return m.Status == domain.StatusProcessing && m.StartedAt != nil && m.StartedAt.Before(startedBefore)
	}), nil
}

// ListStaleFailed returns FAILED messages last updated before updatedBefore.
func (s *Store) ListStaleFailed(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Message, error) {
	return s.selectMessages(limit, func(m *domain.Message) bool {
		return m.Status == domain.StatusFailed && m.UpdatedAt.Before(updatedBefore)
	}), nil
}

// ListExpired returns claimable messages whose expiry has passed.
func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return s.selectMessages(limit, func(m *domain.Message) bool {
		return m.Status.Claimable() && m.Expired(now)
	}), nil
}

// ListPrunable returns terminal messages updated before `before`. Dead-lettered
// messages qualify only once their record is resolved.
func (s *Store) ListPrunable(_ context.Context, before time.Time, limit int) ([]domain.Message, error) {
	return s.selectMessages(limit, func(m *domain.Message) bool {
		if !m.UpdatedAt.Before(before) {
			return false
		}
		switch m.Status {
		case domain.StatusCompleted, domain.StatusCancelled:
			return true
		case domain.StatusDeadLetter:
			recID, ok := s.byMessage[m.ID]
			return ok && s.deadLetters[recID].Resolved()
		}
		return false
	}), nil
}

// DeleteMessages removes messages by id. Dead-letter records are kept.
func (s *Store) DeleteMessages(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if m.IdempotencyKey != nil && s.idempotency[*m.IdempotencyKey] == id {
			delete(s.idempotency, *m.IdempotencyKey)
		}
		delete(s.messages, id)
		n++
	}
	return n, nil
}

// selectMessages returns up to limit matching messages, oldest update first.
func (s *Store) selectMessages(limit int, match func(*domain.Message) bool) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return truncate(out, limit)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
