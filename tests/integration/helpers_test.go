//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/bissquit/jobqueue/internal/deadletter"
	"github.com/bissquit/jobqueue/internal/dispatch"
	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/bissquit/jobqueue/internal/testutil"
	"github.com/bissquit/jobqueue/internal/worker"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	testutil.DecodeJSON(t, resp, v)
}

// engine is the worker side wired to the postgres store.
type engine struct {
	queue      *queue.Service
	dispatcher *dispatch.Dispatcher
	dlq        *deadletter.Manager
	registry   *worker.Registry
	executor   *worker.Executor
}

func newEngine(t *testing.T, opts ...worker.ExecutorOption) *engine {
	t.Helper()
	e := &engine{
		queue:      queue.NewService(testStore),
		dispatcher: dispatch.New(testStore, dispatch.Config{MaxBatch: 100}),
		dlq:        deadletter.NewManager(testStore, testStore),
		registry:   worker.NewRegistry(),
	}
	e.executor = worker.NewExecutor(testStore, e.registry, e.dlq, opts...)
	return e
}

func (e *engine) enqueue(t *testing.T, req queue.EnqueueRequest) string {
	t.Helper()
	res, err := e.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return res.MessageID
}

// drain claims and executes until the queue has nothing eligible.
func (e *engine) drain(t *testing.T, queueType domain.QueueType, workerID string) int {
	t.Helper()
	n := 0
	for {
		batch, err := e.dispatcher.SelectBatch(context.Background(), queueType, 10, workerID)
		require.NoError(t, err)
		if len(batch) == 0 {
			return n
		}
		for i := range batch {
			_, err := e.executor.Execute(context.Background(), &batch[i])
			require.NoError(t, err)
			n++
		}
	}
}
