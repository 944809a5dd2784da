package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPMailer sends one HTML message per call over a fresh connection.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return errors.Wrap(err, "mail from")
	}
	if err := msg.To(to); err != nil {
		return errors.Wrap(err, "mail to")
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(err, "mail client")
	}
	return errors.Wrap(c.DialAndSendWithContext(ctx, msg), "send mail")
}
