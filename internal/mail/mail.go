// Package mail delivers verification emails.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/config"
)

// Sender delivers a plain-text message. Errors mean the message was not
// accepted for delivery.
type Sender interface {
	Send(ctx context.Context, to, subject, text string) error
}

// New returns an SMTP sender when a host is configured and a logging sender
// otherwise.
func New(cfg config.SMTPConfig, logger *slog.Logger) Sender {
	if cfg.Host == "" {
		logger.Warn("SMTP_HOST not set, verification emails will only be logged")
		return &LogSender{logger: logger.With("component", "mail")}
	}
	return &SMTPSender{cfg: cfg, logger: logger.With("component", "mail")}
}

// SMTPSender sends mail through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, text string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		text,
	}, "\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// net/smtp has no context support; run it aside so the caller's
	// deadline still bounds the request.
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("sending mail to %s: %w", to, err)
		}
		s.logger.Info("mail sent", "to", to, "subject", subject)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending mail to %s: %w", to, ctx.Err())
	}
}

// LogSender writes messages to the log instead of sending them. It is meant
// for development, where the PIN is read from the server output.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, text string) error {
	s.logger.Info("mail not sent (no SMTP configured)", "to", to, "subject", subject, "text", text)
	return nil
}
