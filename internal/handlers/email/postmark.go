package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/mrz1836/postmark"
)

// PostmarkConfig holds Postmark transport configuration.
type PostmarkConfig struct {
	ServerToken   string
	AccountToken  string
	FromAddress   string
	MessageStream string
}

// PostmarkAPI is the subset of the Postmark client the transport uses.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkTransport sends email through the Postmark API.
type PostmarkTransport struct {
	client PostmarkAPI
	config PostmarkConfig
}

// NewPostmarkTransport creates a Postmark transport. client may be nil to
// build one from the configured tokens.
func NewPostmarkTransport(config PostmarkConfig, client PostmarkAPI) (*PostmarkTransport, error) {
	if config.FromAddress == "" {
		return nil, errors.New("postmark transport: from address is required")
	}
	if client == nil {
		if config.ServerToken == "" {
			return nil, errors.New("postmark transport: server token is required")
		}
		client = postmark.NewClient(config.ServerToken, config.AccountToken)
	}
	return &PostmarkTransport{client: client, config: config}, nil
}

// Send delivers e. Transport failures are transient; API rejections are permanent.
func (t *PostmarkTransport) Send(ctx context.Context, e Email) error {
	resp, err := t.client.SendEmail(ctx, postmark.Email{
		From:          t.config.FromAddress,
		To:            strings.Join(e.To, ","),
		Subject:       e.Subject,
		TextBody:      e.Body,
		Tag:           e.Tag,
		MessageStream: t.config.MessageStream,
	})
	if err != nil {
		return queue.NewTransientError(fmt.Errorf("postmark send: %w", err))
	}
	if resp.ErrorCode > 0 {
		return queue.NewPermanentError(fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
