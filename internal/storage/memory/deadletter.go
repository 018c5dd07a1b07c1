package memory

import (
	"context"
	"sort"
	"time"

	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
)

// QuarantineMessage moves the message to DEAD_LETTER and stores rec.
func (s *Store) QuarantineMessage(_ context.Context, rec *domain.DeadLetterRecord, from domain.MessageStatus, now time.Time) (*domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recID, ok := s.byMessage[rec.MessageID]; ok {
		out := *s.deadLetters[recID]
		return &out, nil
	}

	m, ok := s.messages[rec.MessageID]
	if !ok {
		return nil, queue.ErrMessageNotFound
	}
	if m.Status != from || !domain.CanTransition(from, domain.StatusDeadLetter) {
		return nil, queue.ErrNotOwner
	}
	if from != domain.StatusFailed {
		failedAt := now
		m.FailedAt = &failedAt
	}
	m.Status = domain.StatusDeadLetter
	m.UpdatedAt = now

	stored := *rec
	s.deadLetters[rec.ID] = &stored
	s.byMessage[rec.MessageID] = rec.ID
	out := stored
	return &out, nil
}

// GetDeadLetter returns a record by id.
func (s *Store) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deadLetters[id]
	if !ok {
		return nil, deadletter.ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// ListDeadLetters returns records matching filter, newest first.
func (s *Store) ListDeadLetters(_ context.Context, filter deadletter.ListFilter) ([]domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeadLetterRecord, 0)
	for _, rec := range s.deadLetters {
		if filter.QueueType != "" && rec.QueueType != filter.QueueType {
			continue
		}
		if filter.ManualReviewRequired != nil && rec.ManualReviewRequired != *filter.ManualReviewRequired {
			continue
		}
		if filter.Resolved != nil && rec.Resolved() != *filter.Resolved {
			continue
		}
		if filter.From != nil && rec.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && rec.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, filter.Limit), nil
}

// ResolveDeadLetter records res and inserts spawn, if any.
func (s *Store) ResolveDeadLetter(_ context.Context, id string, res deadletter.Resolution, spawn *domain.Message) (*domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deadLetters[id]
	if !ok {
		return nil, deadletter.ErrRecordNotFound
	}
	if rec.Resolved() {
		return nil, deadletter.ErrAlreadyResolved
	}

	if spawn != nil {
		stored := *spawn
		s.messages[spawn.ID] = &stored
		retried := spawn.ID
		rec.RetriedMessageID = &retried
	}

	action, by, at := res.Action, res.ResolvedBy, res.ResolvedAt
	rec.ResolutionAction = &action
	rec.ResolvedBy = &by
	rec.ResolvedAt = &at
	if res.Notes != "" {
		notes := res.Notes
		rec.ResolutionNotes = &notes
	}

	if m, ok := s.messages[rec.MessageID]; ok {
		m.UpdatedAt = res.ResolvedAt
	}

	out := *rec
	return &out, nil
}
