// Package webhook implements the deliver_webhook task: an HTTP POST of a JSON
// payload to a caller-supplied URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bissquit/jobqueue/internal/queue"
)

// TaskName is the task name the handler is registered under.
const TaskName = "deliver_webhook"

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "jobqueue-webhook/1"
	maxErrorBody     = 512
)

// Config holds webhook handler configuration.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Handler delivers webhooks.
type Handler struct {
	config     Config
	httpClient *http.Client
}

// New creates a webhook handler.
func New(config Config) *Handler {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &Handler{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Task is the decoded kwargs of a deliver_webhook message.
type Task struct {
	URL     string            `json:"url"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// ParseTask decodes kwargs into a Task.
func ParseTask(kwargs map[string]json.RawMessage) (Task, error) {
	var t Task
	raw, ok := kwargs["url"]
	if !ok {
		return t, errors.New("kwargs.url is required")
	}
	if err := json.Unmarshal(raw, &t.URL); err != nil {
		return t, fmt.Errorf("kwargs.url: %w", err)
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return t, fmt.Errorf("kwargs.url must be an absolute http(s) url")
	}

	t.Payload = kwargs["payload"]
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage("{}")
	}

	if raw, ok := kwargs["headers"]; ok {
		if err := json.Unmarshal(raw, &t.Headers); err != nil {
			return t, fmt.Errorf("kwargs.headers: %w", err)
		}
	}
	return t, nil
}

// Execute posts kwargs.payload to kwargs.url.
func (h *Handler) Execute(ctx context.Context, _ []json.RawMessage, kwargs map[string]json.RawMessage) error {
	task, err := ParseTask(kwargs)
	if err != nil {
		return queue.NewPermanentError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Payload))
	if err != nil {
		return queue.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.config.UserAgent)
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return queue.NewTransientError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return h.handleResponse(resp, task.URL)
}

func (h *Handler) handleResponse(resp *http.Response, target string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("webhook delivered", "url", maskURL(target), "status", resp.StatusCode)
		return nil

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return queue.NewTransientError(&StatusError{Code: resp.StatusCode, Body: string(body)})

	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return queue.NewPermanentError(&StatusError{Code: resp.StatusCode, Body: string(body)})

	default:
		return queue.NewTransientError(&StatusError{Code: resp.StatusCode, Body: string(body)})
	}
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook responded %d", e.Code)
	}
	return fmt.Sprintf("webhook responded %d: %s", e.Code, e.Body)
}

// maskURL hides the path and query, which often carry secrets.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
