// Package email implements the send_email task over SMTP or Postmark.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"

	"github.com/bissquit/jobqueue/internal/queue"
)

// TaskName is the task name the handler is registered under.
const TaskName = "send_email"

// Email is one outgoing message.
type Email struct {
	To      []string
	Subject string
	Body    string
	Tag     string
}

// Transport sends an email. Errors whose IsRetryable returns false are permanent.
type Transport interface {
	Send(ctx context.Context, e Email) error
}

// Handler adapts a Transport to the task handler contract.
type Handler struct {
	transport Transport
}

// New creates a send_email handler.
func New(transport Transport) *Handler {
	return &Handler{transport: transport}
}

type task struct {
	To      any    `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Tag     string `json:"tag"`
}

// ParseEmail decodes kwargs {to, subject, body, tag}. to may be a string or a list.
func ParseEmail(kwargs map[string]json.RawMessage) (Email, error) {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return Email{}, err
	}
	var t task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Email{}, fmt.Errorf("decode kwargs: %w", err)
	}

	var to []string
	switch v := t.To.(type) {
	case string:
		to = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return Email{}, errors.New("kwargs.to must contain strings")
			}
			to = append(to, s)
		}
	default:
		return Email{}, errors.New("kwargs.to is required")
	}
	if len(to) == 0 {
		return Email{}, errors.New("kwargs.to is empty")
	}
	for _, addr := range to {
		if _, err := mail.ParseAddress(addr); err != nil {
			return Email{}, fmt.Errorf("kwargs.to: invalid address %q", addr)
		}
	}
	if t.Subject == "" {
		return Email{}, errors.New("kwargs.subject is required")
	}

	return Email{To: to, Subject: t.Subject, Body: t.Body, Tag: t.Tag}, nil
}

// Execute sends the email described by kwargs.
func (h *Handler) Execute(ctx context.Context, _ []json.RawMessage, kwargs map[string]json.RawMessage) error {
	e, err := ParseEmail(kwargs)
	if err != nil {
		return queue.NewPermanentError(err)
	}
	if err := h.transport.Send(ctx, e); err != nil {
		if queue.IsPermanent(err) {
			return err
		}
		return queue.NewTransientError(err)
	}
	return nil
}
