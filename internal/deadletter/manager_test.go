package deadletter_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	queue   *queue.Service
	manager *deadletter.Manager
	now     time.Time
}

func newFixture(t *testing.T, opts ...deadletter.Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: baseTime}
	clock := func() time.Time { return f.now }
	f.queue = queue.NewService(f.store, queue.WithClock(clock))
	opts = append([]deadletter.Option{deadletter.WithClock(clock)}, opts...)
	f.manager = deadletter.NewManager(f.store, f.store, opts...)
	return f
}

// quarantined enqueues a message and dead-letters it straight from PENDING.
func (f *fixture) quarantined(t *testing.T, req queue.EnqueueRequest, reason domain.FailureReason) (*domain.Message, *domain.DeadLetterRecord) {
	t.Helper()
	if req.QueueType == "" {
		req.QueueType = domain.QueueTypeWebhook
	}
	res, err := f.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	msg, err := f.store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)

	rec, err := f.manager.Quarantine(context.Background(), msg, reason, f.now)
	require.NoError(t, err)
	return msg, rec
}

func TestManager_Quarantine(t *testing.T) {
	f := newFixture(t)
	msg, rec := f.quarantined(t, queue.EnqueueRequest{
		TaskName:      "deliver_webhook",
		Kwargs:        map[string]any{"url": "https://example.com"},
		Priority:      domain.PriorityHigh,
		CorrelationID: "order-7",
	}, domain.ReasonExpired)

	assert.Equal(t, msg.ID, rec.MessageID)
	assert.Equal(t, "deliver_webhook", rec.TaskName)
	assert.Equal(t, domain.QueueTypeWebhook, rec.QueueType)
	assert.Equal(t, domain.PriorityHigh, rec.Priority)
	require.NotNil(t, rec.CorrelationID)
	assert.Equal(t, "order-7", *rec.CorrelationID)
	assert.Equal(t, domain.ReasonExpired, rec.FailureReason)
	assert.Equal(t, queue.ErrExpired.Error(), rec.ErrorMessage)
	assert.True(t, rec.ManualReviewRequired)
	assert.True(t, rec.CanBeRetried)
	assert.JSONEq(t, `"https://example.com"`, string(rec.Kwargs["url"]))

	stored, err := f.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, stored.Status)

	again, err := f.manager.Quarantine(context.Background(), msg, domain.ReasonExpired, f.now)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "second quarantine returns the existing record")
}

func TestManager_Quarantine_ReviewPolicy(t *testing.T) {
	f := newFixture(t, deadletter.WithPolicy(deadletter.Policy{ReviewPriorities: []domain.Priority{domain.PriorityLow}}))

	_, low := f.quarantined(t, queue.EnqueueRequest{TaskName: "x", Priority: domain.PriorityLow}, domain.ReasonRetriesExhausted)
	_, crit := f.quarantined(t, queue.EnqueueRequest{TaskName: "x", Priority: domain.PriorityCritical}, domain.ReasonRetriesExhausted)

	assert.True(t, low.ManualReviewRequired)
	assert.False(t, crit.ManualReviewRequired)
}

func TestManager_Quarantine_StatusMoved(t *testing.T) {
	f := newFixture(t)
	res, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{TaskName: "x", QueueType: domain.QueueTypeDefault})
	require.NoError(t, err)
	msg, err := f.store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)

	_, err = f.queue.Cancel(context.Background(), msg.ID)
	require.NoError(t, err)

	_, err = f.manager.Quarantine(context.Background(), msg, domain.ReasonExpired, f.now)
	assert.ErrorIs(t, err, queue.ErrNotOwner)
}

func TestManager_Resolve_Retry(t *testing.T) {
	f := newFixture(t)
	msg, rec := f.quarantined(t, queue.EnqueueRequest{
		TaskName:   "deliver_webhook",
		Args:       []any{1, "two"},
		MaxRetries: ptr(7),
		RetryDelay: ptr(5 * time.Second),
	}, domain.ReasonRetriesExhausted)

	f.now = baseTime.Add(time.Hour)
	resolved, err := f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{
		Action:     domain.ResolutionRetry,
		Notes:      "upstream fixed",
		ResolvedBy: "ops@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, f.now, *resolved.ResolvedAt)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "ops@example.com", *resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolutionNotes)
	assert.Equal(t, "upstream fixed", *resolved.ResolutionNotes)
	require.NotNil(t, resolved.RetriedMessageID)

	spawn, err := f.store.GetMessage(context.Background(), *resolved.RetriedMessageID)
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, spawn.ID)
	assert.Equal(t, domain.StatusPending, spawn.Status)
	assert.Zero(t, spawn.Attempts)
	assert.Equal(t, 7, spawn.MaxRetries)
	assert.Equal(t, 5*time.Second, spawn.RetryDelay)
	assert.Equal(t, msg.ContentHash, spawn.ContentHash)
	assert.Equal(t, f.now, spawn.ScheduledFor)
	require.NotNil(t, spawn.Source)
	assert.Equal(t, "dead_letter:"+rec.ID, *spawn.Source)

	original, err := f.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, original.Status, "the original stays dead-lettered")

	_, err = f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{Action: domain.ResolutionArchive})
	assert.ErrorIs(t, err, deadletter.ErrAlreadyResolved)
}

func TestManager_Resolve_FixAndRetry(t *testing.T) {
	f := newFixture(t)
	msg, rec := f.quarantined(t, queue.EnqueueRequest{
		TaskName: "deliver_webhook",
		Kwargs:   map[string]any{"url": "http://bad"},
	}, domain.ReasonCancelledHandlerError)
	require.False(t, rec.CanBeRetried)

	_, err := f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{Action: domain.ResolutionRetry})
	require.ErrorIs(t, err, deadletter.ErrNotRetryable)

	resolved, err := f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{
		Action: domain.ResolutionFixAndRetry,
		Kwargs: map[string]any{"url": "https://good"},
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.RetriedMessageID)

	spawn, err := f.store.GetMessage(context.Background(), *resolved.RetriedMessageID)
	require.NoError(t, err)
	var url string
	require.NoError(t, json.Unmarshal(spawn.Kwargs["url"], &url))
	assert.Equal(t, "https://good", url)
	assert.NotEqual(t, msg.ContentHash, spawn.ContentHash)
}

func TestManager_Resolve_Archive(t *testing.T) {
	f := newFixture(t)
	_, rec := f.quarantined(t, queue.EnqueueRequest{TaskName: "x"}, domain.ReasonRetriesExhausted)

	resolved, err := f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{Action: domain.ResolutionArchive})
	require.NoError(t, err)
	assert.Nil(t, resolved.RetriedMessageID)
	require.NotNil(t, resolved.ResolutionAction)
	assert.Equal(t, domain.ResolutionArchive, *resolved.ResolutionAction)
	assert.Nil(t, resolved.ResolutionNotes)
}

func TestManager_Resolve_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Resolve(context.Background(), "missing", deadletter.ResolveRequest{Action: domain.ResolutionArchive})
	assert.ErrorIs(t, err, deadletter.ErrRecordNotFound)

	_, rec := f.quarantined(t, queue.EnqueueRequest{TaskName: "x"}, domain.ReasonRetriesExhausted)
	_, err = f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{Action: "delete"})
	assert.ErrorIs(t, err, deadletter.ErrInvalidAction)

	_, err = f.manager.Resolve(context.Background(), rec.ID, deadletter.ResolveRequest{
		Action: domain.ResolutionFixAndRetry,
		Args:   []any{make(chan int)},
	})
	assert.ErrorIs(t, err, queue.ErrValidation)
}

func TestManager_List(t *testing.T) {
	f := newFixture(t)
	_, first := f.quarantined(t, queue.EnqueueRequest{TaskName: "x", Priority: domain.PriorityLow}, domain.ReasonRetriesExhausted)
	f.now = baseTime.Add(time.Minute)
	_, second := f.quarantined(t, queue.EnqueueRequest{TaskName: "x", Priority: domain.PriorityCritical, QueueType: domain.QueueTypeAnalytics}, domain.ReasonExpired)

	all, err := f.manager.List(context.Background(), deadletter.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	review := true
	flagged, err := f.manager.List(context.Background(), deadletter.ListFilter{ManualReviewRequired: &review})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, second.ID, flagged[0].ID)

	byQueue, err := f.manager.List(context.Background(), deadletter.ListFilter{QueueType: domain.QueueTypeWebhook})
	require.NoError(t, err)
	require.Len(t, byQueue, 1)
	assert.Equal(t, first.ID, byQueue[0].ID)

	_, err = f.manager.Resolve(context.Background(), first.ID, deadletter.ResolveRequest{Action: domain.ResolutionArchive})
	require.NoError(t, err)
	unresolved := false
	open, err := f.manager.List(context.Background(), deadletter.ListFilter{Resolved: &unresolved})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func ptr[T any](v T) *T { return &v }
