// Package retry decides what happens to a message after a failed attempt.
// It performs no I/O; callers persist the decision.
package retry

import (
	"errors"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
)

// DefaultMaxBackoff caps the exponential backoff.
const DefaultMaxBackoff = time.Hour

// ErrNotFailed is returned when a decision is requested for a message
// that is not in a failed state.
var ErrNotFailed = errors.New("message is not in a failed state")

// Action is the outcome of a retry decision.
type Action int

// Actions.
const (
	ActionRetry Action = iota + 1
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Input is the message state the decision depends on.
type Input struct {
	Status       domain.MessageStatus
	Attempts     int
	MaxRetries   int
	RetryDelay   time.Duration
	ScheduledFor time.Time
	ExpiresAt    *time.Time
	Permanent    bool
	Now          time.Time
}

// InputFor builds an Input from a message.
func InputFor(m *domain.Message, permanent bool, now time.Time) Input {
	return Input{
		Status:       m.Status,
		Attempts:     m.Attempts,
		MaxRetries:   m.MaxRetries,
		RetryDelay:   m.RetryDelay,
		ScheduledFor: m.ScheduledFor,
		ExpiresAt:    m.ExpiresAt,
		Permanent:    permanent,
		Now:          now,
	}
}

// Decision is what the caller must persist.
type Decision struct {
	Action       Action
	Delay        time.Duration
	ScheduledFor time.Time
	Reason       domain.FailureReason
}

// Policy computes retry decisions.
type Policy struct {
	MaxBackoff time.Duration
}

// DefaultPolicy returns the policy with a one hour backoff ceiling.
func DefaultPolicy() Policy {
	return Policy{MaxBackoff: DefaultMaxBackoff}
}

// Backoff returns retryDelay * 2^(attempts-1), capped at MaxBackoff.
func (p Policy) Backoff(retryDelay time.Duration, attempts int) time.Duration {
	if retryDelay <= 0 {
		return 0
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}

	backoff := retryDelay
	for i := 1; i < attempts; i++ {
		if backoff >= limit/2 {
			return limit
		}
		backoff *= 2
	}

	return min(backoff, limit)
}

// CanRetry reports whether another attempt is allowed.
// max_retries counts retries after the first attempt, so a message may be
// attempted MaxRetries+1 times in total.
func (p Policy) CanRetry(in Input) bool {
	if in.Status != domain.StatusFailed && in.Status != domain.StatusRetrying {
		return false
	}
	if in.Permanent || expired(in) {
		return false
	}
	return in.Attempts <= in.MaxRetries
}

// Decide returns the retry decision for a failed message.
// Expiry takes precedence over remaining retries.
func (p Policy) Decide(in Input) (Decision, error) {
	if in.Status != domain.StatusFailed && in.Status != domain.StatusRetrying {
		return Decision{}, ErrNotFailed
	}

	switch {
	case expired(in):
		return Decision{Action: ActionDeadLetter, Reason: domain.ReasonExpired}, nil
	case in.Permanent:
		return Decision{Action: ActionDeadLetter, Reason: domain.ReasonCancelledHandlerError}, nil
	case !p.CanRetry(in):
		return Decision{Action: ActionDeadLetter, Reason: domain.ReasonRetriesExhausted}, nil
	}

	delay := p.Backoff(in.RetryDelay, in.Attempts)
	next := in.Now.Add(delay)
	if next.Before(in.ScheduledFor) {
		next = in.ScheduledFor
	}

	return Decision{
		Action:       ActionRetry,
		Delay:        delay,
		ScheduledFor: next,
	}, nil
}

func expired(in Input) bool {
	return in.ExpiresAt != nil && !in.Now.Before(*in.ExpiresAt)
}
