package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/jobqueue/internal/queue"
)

// SMTPConfig holds SMTP transport configuration.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	DialTimeout time.Duration
}

// SMTPTransport sends email via SMTP with STARTTLS when offered.
type SMTPTransport struct {
	config SMTPConfig
	auth   smtp.Auth
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(config SMTPConfig) (*SMTPTransport, error) {
	if config.Host == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("smtp transport: from address is required")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	slog.Info("smtp transport configured",
		"smtp_host", config.Host,
		"smtp_port", config.Port,
		"from_address", config.FromAddress,
	)

	return &SMTPTransport{config: config, auth: auth}, nil
}

// Send delivers e. 4xx replies and network failures are transient.
func (t *SMTPTransport) Send(ctx context.Context, e Email) error {
	err := t.send(ctx, e)
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return queue.NewTransientError(err)
	}
	return queue.NewPermanentError(err)
}

func (t *SMTPTransport) send(ctx context.Context, e Email) error {
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	dialer := &net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: t.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(t.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range e.To {
		if err := client.Rcpt(extractEmail(rcpt)); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(t.buildMessage(e)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the message with headers in a fixed order.
func (t *SMTPTransport) buildMessage(e Email) []byte {
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("From: %s\r\n", t.config.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.To, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", e.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(e.Body)

	return []byte(msg.String())
}

// extractEmail returns the bare address of "Name <addr>" forms.
func extractEmail(address string) string {
	if a, err := mail.ParseAddress(address); err == nil {
		return a.Address
	}
	return address
}

// IsRetryable reports whether an SMTP error is temporary: network failures,
// 4xx replies, and 552 which some servers use for a full mailbox.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	code := replyCode(err)
	return (code >= 400 && code < 500) || code == 552
}

// replyCode extracts the SMTP reply code, or 0.
func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	msg := err.Error()
	if len(msg) < 3 {
		return 0
	}
	code, convErr := strconv.Atoi(msg[:3])
	if convErr != nil {
		return 0
	}
	return code
}
