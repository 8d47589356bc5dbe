package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Message is a rendered email ready to send.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, m Message) (string, error)
}

// MailgunSender sends through the Mailgun API.
type MailgunSender struct {
	client *mailgun.MailgunImpl
	from   string
	log    *slog.Logger
}

// NewSender returns Mailgun when email is enabled and configured, otherwise
// a sender that only logs.
func NewSender(cfg *config.Config, log *slog.Logger) Sender {
	if cfg.Email.Enabled && cfg.Email.IsConfigured() {
		log.Info("using Mailgun sender",
			slog.String("domain", cfg.Email.MailgunDomain),
			slog.String("from", cfg.Email.FromEmail))
		return &MailgunSender{
			client: mailgun.NewMailgun(cfg.Email.MailgunDomain, cfg.Email.MailgunAPIKey),
			from:   fmt.Sprintf("%s <%s>", cfg.Email.FromName, cfg.Email.FromEmail),
			log:    log.With(logger.Scope("notifications.mailgun")),
		}
	}
	log.Info("using no-op email sender (Mailgun not configured or email disabled)")
	return &NoopSender{log: log.With(logger.Scope("notifications.noop"))}
}

func (s *MailgunSender) Send(ctx context.Context, m Message) (string, error) {
	to := m.To
	if m.ToName != "" {
		to = fmt.Sprintf("%s <%s>", m.ToName, m.To)
	}
	msg := s.client.NewMessage(s.from, m.Subject, m.Text, to)
	if m.HTML != "" {
		msg.SetHtml(m.HTML)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, id, err := s.client.Send(sendCtx, msg)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return id, nil
}

// NoopSender logs instead of sending.
type NoopSender struct {
	log *slog.Logger
}

func (s *NoopSender) Send(_ context.Context, m Message) (string, error) {
	s.log.Info("email send (no-op)", slog.String("to", m.To), slog.String("subject", m.Subject))
	return "noop-" + m.To, nil
}
