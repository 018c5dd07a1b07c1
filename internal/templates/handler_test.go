package templates_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/jobqueue/internal/templates"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_CRUD(t *testing.T) {
	reg, _ := newRegistry(t)
	r := chi.NewRouter()
	h := templates.NewHandler(reg)
	h.RegisterRoutes(r)
	h.RegisterAdminRoutes(r)

	send := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
		return rec
	}

	body := templates.TemplateBody{
		TemplateName:      "ping",
		QueueType:         "webhook",
		TaskName:          "deliver_webhook",
		Priority:          "high",
		MaxRetries:        2,
		RetryDelaySeconds: 15,
		RequiredFields:    []string{"url"},
		ValidationSchema:  map[string]string{"url": "required,url"},
	}

	rec := send(http.MethodPut, "/templates", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved struct {
		Data templates.TemplateBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, "high", saved.Data.Priority)
	assert.Equal(t, 15, saved.Data.RetryDelaySeconds)
	assert.NotNil(t, saved.Data.CreatedAt)

	rec = send(http.MethodGet, "/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []templates.TemplateBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, []string{"url"}, list.Data[0].RequiredFields)

	rec = send(http.MethodDelete, "/templates/webhook/ping", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = send(http.MethodDelete, "/templates/webhook/ping", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = send(http.MethodDelete, "/templates/mail/ping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UpsertInvalid(t *testing.T) {
	reg, _ := newRegistry(t)
	r := chi.NewRouter()
	templates.NewHandler(reg).RegisterAdminRoutes(r)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{`},
		{name: "missing task", body: `{"template_name":"a","queue_type":"default"}`},
		{name: "bad priority", body: `{"template_name":"a","queue_type":"default","task_name":"t","priority":"urgent"}`},
		{name: "unknown queue", body: `{"template_name":"a","queue_type":"mail","task_name":"t"}`},
		{name: "unknown rule", body: `{"template_name":"a","queue_type":"default","task_name":"t","validation_schema":{"x":"nonsense_rule"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/templates", bytes.NewBufferString(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, reg.List())
}
