package client

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/buildcrest/be-proposals/internal/errors"
)

// Notifier sends outbound email on proposal state changes. Implementations
// are treated as slow, unreliable I/O: callers never invoke them inside a
// state-changing transaction.
type Notifier interface {
	Send(ctx context.Context, from string, to []string, subject, htmlBody string) error
}

// SMTPNotifier delivers mail over plain SMTP.
type SMTPNotifier struct {
	host     string
	port     int
	username string
	password string
}

// NewSMTPNotifier creates a notifier for the given SMTP server.
func NewSMTPNotifier(host string, port int, username, password string) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, username: username, password: password}
}

// Send builds an HTML mail and submits it. The context is consulted before
// dialing; net/smtp itself does not support cancellation mid-send.
func (n *SMTPNotifier) Send(ctx context.Context, from string, to []string, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollaborator, "notifier: context done before send")
	}
	if len(to) == 0 {
		return errors.Validation("to", "at least one recipient is required")
	}

	headers := []string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=\"UTF-8\"",
		"",
		htmlBody,
	}
	msg := []byte(strings.Join(headers, "\r\n") + "\r\n")

	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollaborator, "notifier: smtp send failed")
	}
	return nil
}

// RenderTemplate substitutes {{key}} placeholders in a subject or body
// template. Unknown placeholders are left in place so template mistakes are
// visible in the delivered mail rather than silently dropped.
func RenderTemplate(template string, vars map[string]string) string {
	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{%s}}", key), value)
	}
	return result
}
