package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestParseTask(t *testing.T) {
	tests := []struct {
		name    string
		kwargs  map[string]json.RawMessage
		wantErr bool
	}{
		{name: "minimal", kwargs: map[string]json.RawMessage{"url": raw(t, "https://example.com/hook")}},
		{name: "missing url", kwargs: map[string]json.RawMessage{}, wantErr: true},
		{name: "url not a string", kwargs: map[string]json.RawMessage{"url": raw(t, 5)}, wantErr: true},
		{name: "relative url", kwargs: map[string]json.RawMessage{"url": raw(t, "/hook")}, wantErr: true},
		{name: "ftp url", kwargs: map[string]json.RawMessage{"url": raw(t, "ftp://example.com")}, wantErr: true},
		{name: "bad headers", kwargs: map[string]json.RawMessage{"url": raw(t, "https://example.com"), "headers": raw(t, []int{1})}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := ParseTask(tt.kwargs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, "{}", string(task.Payload))
		})
	}
}

func TestHandler_Execute(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted", status: http.StatusAccepted},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true},
		{name: "not found", status: http.StatusNotFound, wantErr: true, permanent: true},
		{name: "gone", status: http.StatusGone, wantErr: true, permanent: true},
		{name: "conflict", status: http.StatusConflict, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody, gotHeader, gotUA string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				gotHeader = r.Header.Get("X-Signature")
				gotUA = r.Header.Get("User-Agent")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			h := New(Config{UserAgent: "test-agent"})
			err := h.Execute(context.Background(), nil, map[string]json.RawMessage{
				"url":     raw(t, srv.URL+"/hook?token=secret"),
				"payload": raw(t, map[string]any{"event": "done"}),
				"headers": raw(t, map[string]string{"X-Signature": "abc"}),
			})

			assert.JSONEq(t, `{"event":"done"}`, gotBody)
			assert.Equal(t, "abc", gotHeader)
			assert.Equal(t, "test-agent", gotUA)

			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestHandler_ExecuteTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := New(Config{Timeout: 50 * time.Millisecond})
	err := h.Execute(context.Background(), nil, map[string]json.RawMessage{"url": raw(t, srv.URL)})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestHandler_ExecuteInvalidKwargsIsPermanent(t *testing.T) {
	err := New(Config{}).Execute(context.Background(), nil, map[string]json.RawMessage{})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...", maskURL("https://example.com/a/b?token=x"))
}
