package queue_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	svc, _, _ := newService(t)
	h := queue.NewHandler(svc)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	h.RegisterOperatorRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type enqueueEnvelope struct {
	Data queue.EnqueueMessageResponse `json:"data"`
}

type messageEnvelope struct {
	Data queue.MessageResponse `json:"data"`
}

func TestHandler_EnqueueAndGet(t *testing.T) {
	r := newRouter(t)

	body := map[string]any{
		"task_name":       "deliver_webhook",
		"queue_type":      "webhook",
		"priority":        "critical",
		"kwargs":          map[string]any{"url": "https://example.com/hook"},
		"idempotency_key": "hook-1",
		"delay_seconds":   30,
	}

	rec := doJSON(t, r, http.MethodPost, "/messages", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created enqueueEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.False(t, created.Data.Duplicate)
	require.NotEmpty(t, created.Data.MessageID)

	rec = doJSON(t, r, http.MethodPost, "/messages", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var dup enqueueEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.True(t, dup.Data.Duplicate)
	assert.Equal(t, created.Data.MessageID, dup.Data.MessageID)

	rec = doJSON(t, r, http.MethodGet, "/messages/"+created.Data.MessageID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got messageEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "pending", string(got.Data.Status))
	assert.Equal(t, "critical", got.Data.Priority.String())
	assert.True(t, baseTime.Add(30*time.Second).Equal(got.Data.ScheduledFor))
	assert.EqualValues(t, 60, got.Data.RetryDelaySeconds)
}

func TestHandler_EnqueueErrors(t *testing.T) {
	r := newRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"unknown priority", map[string]any{"task_name": "x", "queue_type": "default", "priority": "urgent"}},
		{"unknown queue", map[string]any{"task_name": "x", "queue_type": "mail"}},
		{"missing task", map[string]any{"queue_type": "default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, r, http.MethodPost, "/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Cancel(t *testing.T) {
	r := newRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/messages", map[string]any{"task_name": "x", "queue_type": "default"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created enqueueEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, r, http.MethodPost, "/messages/"+created.Data.MessageID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/messages/"+created.Data.MessageID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ListValidation(t *testing.T) {
	r := newRouter(t)

	for _, q := range []string{"?queue_type=bogus", "?status=bogus", "?limit=0", "?limit=501"} {
		rec := doJSON(t, r, http.MethodGet, "/messages"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := doJSON(t, r, http.MethodGet, "/messages?queue_type=default&limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
