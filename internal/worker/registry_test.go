package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, []json.RawMessage, map[string]json.RawMessage) error { return nil })

	require.NoError(t, r.Register("b_task", noop))
	require.NoError(t, r.Register("a_task", noop))

	assert.Error(t, r.Register("a_task", noop), "duplicate")
	assert.Error(t, r.Register("", noop), "empty name")
	assert.Error(t, r.Register("c_task", nil), "nil handler")

	_, ok := r.Lookup("a_task")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a_task", "b_task"}, r.TaskNames())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "retrying", OutcomeRetrying.String())
	assert.Equal(t, "dead_lettered", OutcomeDeadLettered.String())
	assert.Equal(t, "lost", OutcomeLost.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
