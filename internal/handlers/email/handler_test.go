package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"

	"github.com/bissquit/jobqueue/internal/queue"
	"github.com/mrz1836/postmark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func kwargs(t *testing.T, v map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(v))
	for k, val := range v {
		raw, err := json.Marshal(val)
		require.NoError(t, err)
		out[k] = raw
	}
	return out
}

func TestParseEmail(t *testing.T) {
	tests := []struct {
		name    string
		kwargs  map[string]any
		to      []string
		wantErr string
	}{
		{
			name:   "single recipient",
			kwargs: map[string]any{"to": "a@example.com", "subject": "hi", "body": "b"},
			to:     []string{"a@example.com"},
		},
		{
			name:   "list of recipients",
			kwargs: map[string]any{"to": []string{"a@example.com", "Bob <b@example.com>"}, "subject": "hi"},
			to:     []string{"a@example.com", "Bob <b@example.com>"},
		},
		{name: "missing to", kwargs: map[string]any{"subject": "hi"}, wantErr: "kwargs.to is required"},
		{name: "empty list", kwargs: map[string]any{"to": []string{}, "subject": "hi"}, wantErr: "kwargs.to is empty"},
		{name: "non string", kwargs: map[string]any{"to": []any{1}, "subject": "hi"}, wantErr: "must contain strings"},
		{name: "bad address", kwargs: map[string]any{"to": "nope", "subject": "hi"}, wantErr: "invalid address"},
		{name: "missing subject", kwargs: map[string]any{"to": "a@example.com"}, wantErr: "kwargs.subject is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEmail(kwargs(t, tt.kwargs))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, e.To)
		})
	}
}

type transportFunc func(ctx context.Context, e Email) error

func (f transportFunc) Send(ctx context.Context, e Email) error { return f(ctx, e) }

func TestHandler_Execute(t *testing.T) {
	valid := map[string]any{"to": "a@example.com", "subject": "hi", "body": "hello", "tag": "welcome"}

	tests := []struct {
		name      string
		kwargs    map[string]any
		sendErr   error
		wantErr   bool
		permanent bool
	}{
		{name: "sent", kwargs: valid},
		{name: "bad kwargs", kwargs: map[string]any{"to": "a@example.com"}, wantErr: true, permanent: true},
		{name: "plain failure is transient", kwargs: valid, sendErr: errors.New("conn reset"), wantErr: true},
		{name: "permanent failure", kwargs: valid, sendErr: queue.NewPermanentError(errors.New("rejected")), wantErr: true, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent []Email
			h := New(transportFunc(func(_ context.Context, e Email) error {
				sent = append(sent, e)
				return tt.sendErr
			}))

			err := h.Execute(context.Background(), nil, kwargs(t, tt.kwargs))
			if !tt.wantErr {
				require.NoError(t, err)
				require.Len(t, sent, 1)
				assert.Equal(t, "welcome", sent[0].Tag)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
		})
	}
}

type mockPostmark struct {
	mock.Mock
}

func (m *mockPostmark) SendEmail(ctx context.Context, e postmark.Email) (postmark.EmailResponse, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(postmark.EmailResponse), args.Error(1)
}

func TestPostmarkTransport_Send(t *testing.T) {
	e := Email{To: []string{"a@example.com", "b@example.com"}, Subject: "s", Body: "b", Tag: "t"}

	t.Run("delivered", func(t *testing.T) {
		client := &mockPostmark{}
		client.On("SendEmail", mock.Anything, mock.MatchedBy(func(pe postmark.Email) bool {
			return pe.From == "queue@example.com" && pe.To == "a@example.com,b@example.com" &&
				pe.MessageStream == "outbound" && pe.Tag == "t"
		})).Return(postmark.EmailResponse{}, nil).Once()

		tr, err := NewPostmarkTransport(PostmarkConfig{FromAddress: "queue@example.com", MessageStream: "outbound"}, client)
		require.NoError(t, err)
		require.NoError(t, tr.Send(context.Background(), e))
		client.AssertExpectations(t)
	})

	t.Run("api rejection is permanent", func(t *testing.T) {
		client := &mockPostmark{}
		client.On("SendEmail", mock.Anything, mock.Anything).
			Return(postmark.EmailResponse{ErrorCode: 406, Message: "inactive recipient"}, nil)

		tr, err := NewPostmarkTransport(PostmarkConfig{FromAddress: "queue@example.com"}, client)
		require.NoError(t, err)
		err = tr.Send(context.Background(), e)
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
	})

	t.Run("transport failure is transient", func(t *testing.T) {
		client := &mockPostmark{}
		client.On("SendEmail", mock.Anything, mock.Anything).
			Return(postmark.EmailResponse{}, errors.New("timeout"))

		tr, err := NewPostmarkTransport(PostmarkConfig{FromAddress: "queue@example.com"}, client)
		require.NoError(t, err)
		err = tr.Send(context.Background(), e)
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))
	})
}

func TestNewPostmarkTransport_Config(t *testing.T) {
	_, err := NewPostmarkTransport(PostmarkConfig{}, nil)
	require.Error(t, err)
	_, err = NewPostmarkTransport(PostmarkConfig{FromAddress: "a@example.com"}, nil)
	require.Error(t, err)
	_, err = NewPostmarkTransport(PostmarkConfig{FromAddress: "a@example.com", ServerToken: "x"}, nil)
	require.NoError(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "421", err: errors.New("421 service not available"), want: true},
		{name: "451", err: errors.New("451 local error"), want: true},
		{name: "552", err: errors.New("552 mailbox full"), want: true},
		{name: "550", err: errors.New("550 no such user"), want: false},
		{name: "auth", err: errors.New("535 authentication failed"), want: false},
		{name: "textproto 450", err: fmt.Errorf("rcpt to: %w", &textproto.Error{Code: 450, Msg: "mailbox busy"}), want: true},
		{name: "textproto 554", err: &textproto.Error{Code: 554, Msg: "rejected"}, want: false},
		{name: "no code", err: errors.New("ok"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSMTPTransport_Message(t *testing.T) {
	tr, err := NewSMTPTransport(SMTPConfig{Host: "localhost", FromAddress: "Queue <queue@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, 587, tr.config.Port)

	msg := string(tr.buildMessage(Email{To: []string{"a@example.com", "b@example.com"}, Subject: "s", Body: "body"}))
	assert.True(t, strings.HasPrefix(msg, "From: Queue <queue@example.com>\r\nTo: a@example.com, b@example.com\r\nSubject: s\r\n"))
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nbody"))

	assert.Equal(t, "queue@example.com", extractEmail("Queue <queue@example.com>"))
	assert.Equal(t, "a@example.com", extractEmail("a@example.com"))
}

func TestSMTPTransport_UnreachableIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tr, err := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port, FromAddress: "queue@example.com"})
	require.NoError(t, err)

	err = tr.Send(context.Background(), Email{To: []string{"a@example.com"}, Subject: "s"})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}
