package retry

import (
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPolicy_Backoff(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name       string
		retryDelay time.Duration
		attempts   int
		expected   time.Duration
	}{
		{"first attempt", 60 * time.Second, 1, 60 * time.Second},
		{"second attempt", 60 * time.Second, 2, 120 * time.Second},
		{"third attempt", 60 * time.Second, 3, 240 * time.Second},
		{"capped at one hour", 60 * time.Second, 7, time.Hour},
		{"huge attempt count does not overflow", 60 * time.Second, 500, time.Hour},
		{"delay above cap", 2 * time.Hour, 1, time.Hour},
		{"zero delay", 0, 4, 0},
		{"attempts below one", 30 * time.Second, 0, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Backoff(tt.retryDelay, tt.attempts))
		})
	}
}

func TestPolicy_BackoffMonotonic(t *testing.T) {
	policy := DefaultPolicy()
	maxRetries := 10

	var prevScheduled time.Time
	var prevDelay time.Duration
	now := baseTime
	for attempts := 1; attempts <= maxRetries; attempts++ {
		d, err := policy.Decide(Input{
			Status:       domain.StatusFailed,
			Attempts:     attempts,
			MaxRetries:   maxRetries,
			RetryDelay:   60 * time.Second,
			ScheduledFor: prevScheduled,
			Now:          now,
		})
		require.NoError(t, err)
		require.Equal(t, ActionRetry, d.Action)

		assert.True(t, d.ScheduledFor.After(prevScheduled), "attempt %d", attempts)
		assert.GreaterOrEqual(t, d.Delay, prevDelay)
		assert.LessOrEqual(t, d.Delay, time.Hour)

		prevScheduled = d.ScheduledFor
		prevDelay = d.Delay
		// the next attempt runs once the message becomes due
		now = d.ScheduledFor.Add(time.Second)
	}
}

func TestPolicy_Decide_NeverMovesScheduleBackwards(t *testing.T) {
	policy := DefaultPolicy()
	future := baseTime.Add(2 * time.Hour)

	d, err := policy.Decide(Input{
		Status:       domain.StatusFailed,
		Attempts:     1,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		ScheduledFor: future,
		Now:          baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, future, d.ScheduledFor)
}

func TestPolicy_Decide(t *testing.T) {
	policy := DefaultPolicy()
	past := baseTime.Add(-time.Minute)
	future := baseTime.Add(time.Hour)

	tests := []struct {
		name       string
		input      Input
		wantAction Action
		wantReason domain.FailureReason
		wantDelay  time.Duration
	}{
		{
			name:       "first failure retries",
			input:      Input{Status: domain.StatusFailed, Attempts: 1, MaxRetries: 3, RetryDelay: time.Minute},
			wantAction: ActionRetry,
			wantDelay:  time.Minute,
		},
		{
			name:       "attempts equal max retries still retries",
			input:      Input{Status: domain.StatusFailed, Attempts: 3, MaxRetries: 3, RetryDelay: time.Minute},
			wantAction: ActionRetry,
			wantDelay:  4 * time.Minute,
		},
		{
			name:       "attempts above max retries dead-letters",
			input:      Input{Status: domain.StatusFailed, Attempts: 4, MaxRetries: 3, RetryDelay: time.Minute},
			wantAction: ActionDeadLetter,
			wantReason: domain.ReasonRetriesExhausted,
		},
		{
			name:       "zero max retries dead-letters after first attempt",
			input:      Input{Status: domain.StatusFailed, Attempts: 1, MaxRetries: 0},
			wantAction: ActionDeadLetter,
			wantReason: domain.ReasonRetriesExhausted,
		},
		{
			name:       "expired with retries left",
			input:      Input{Status: domain.StatusFailed, Attempts: 1, MaxRetries: 5, ExpiresAt: &past},
			wantAction: ActionDeadLetter,
			wantReason: domain.ReasonExpired,
		},
		{
			name:       "expiry beats permanent error",
			input:      Input{Status: domain.StatusFailed, Attempts: 1, MaxRetries: 5, ExpiresAt: &past, Permanent: true},
			wantAction: ActionDeadLetter,
			wantReason: domain.ReasonExpired,
		},
		{
			name:       "not yet expired retries",
			input:      Input{Status: domain.StatusRetrying, Attempts: 2, MaxRetries: 5, RetryDelay: time.Second, ExpiresAt: &future},
			wantAction: ActionRetry,
			wantDelay:  2 * time.Second,
		},
		{
			name:       "permanent handler error",
			input:      Input{Status: domain.StatusFailed, Attempts: 1, MaxRetries: 5, Permanent: true},
			wantAction: ActionDeadLetter,
			wantReason: domain.ReasonCancelledHandlerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Now = baseTime
			d, err := policy.Decide(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.wantAction == ActionRetry {
				assert.Equal(t, tt.wantDelay, d.Delay)
				assert.Equal(t, baseTime.Add(tt.wantDelay), d.ScheduledFor)
			}
		})
	}
}

func TestPolicy_Decide_RejectsNonFailedStatus(t *testing.T) {
	policy := DefaultPolicy()
	for _, status := range []domain.MessageStatus{
		domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted,
		domain.StatusDeadLetter, domain.StatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			_, err := policy.Decide(Input{Status: status, Now: baseTime})
			assert.ErrorIs(t, err, ErrNotFailed)
			assert.False(t, policy.CanRetry(Input{Status: status, Now: baseTime}))
		})
	}
}

// A message with max_retries=3 that fails every time is attempted four times.
func TestPolicy_ExhaustionAfterFourAttempts(t *testing.T) {
	policy := DefaultPolicy()
	msg := &domain.Message{MaxRetries: 3, RetryDelay: 60 * time.Second, ScheduledFor: baseTime}
	now := baseTime

	var offsets []time.Duration
	for {
		msg.Attempts++
		msg.Status = domain.StatusFailed
		d, err := policy.Decide(InputFor(msg, false, now))
		require.NoError(t, err)
		if d.Action == ActionDeadLetter {
			assert.Equal(t, domain.ReasonRetriesExhausted, d.Reason)
			break
		}
		offsets = append(offsets, d.Delay)
		msg.Status = domain.StatusRetrying
		msg.ScheduledFor = d.ScheduledFor
		now = d.ScheduledFor
	}

	assert.Equal(t, 4, msg.Attempts)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, offsets)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "dead_letter", ActionDeadLetter.String())
	assert.Equal(t, "unknown", Action(0).String())
}
