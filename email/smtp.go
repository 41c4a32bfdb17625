package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"mailinglist/common"
)

type SMTPSender struct {
	dialer *gomail.Dialer
	log    *zap.SugaredLogger
}

func NewSMTPSender(cfg common.SMTPConfig, log *zap.SugaredLogger) *SMTPSender {
	log.Infow("[mail] initializing SMTP sender", "host", cfg.Host, "port", cfg.Port, "user", cfg.User)
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		log.Warn("[mail] InsecureSkipVerify is enabled for mail TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &SMTPSender{dialer: d, log: log}
}

func (s *SMTPSender) Send(ctx context.Context, msg OutgoingMessage) error {
	m, err := buildMessage(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail to %v: %w", msg.To, err)
	}
	s.log.Debugw("[mail] sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func buildMessage(msg OutgoingMessage) (*gomail.Message, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from.Address, from.Name)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader(k, msg.Headers[k])
	}

	m.SetBody("text/plain", msg.Body)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}
	for _, a := range msg.Attachments {
		m.Attach(a.Path, gomail.Rename(a.Filename))
	}
	return m, nil
}

// ConsoleSender logs messages instead of delivering them.
type ConsoleSender struct {
	log *zap.SugaredLogger
}

func NewConsoleSender(log *zap.SugaredLogger) *ConsoleSender {
	return &ConsoleSender{log: log}
}

func (s *ConsoleSender) Send(ctx context.Context, msg OutgoingMessage) error {
	s.log.Infow("[mail] console delivery",
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"headers", msg.Headers,
		"attachments", len(msg.Attachments),
		"body", msg.Body,
	)
	return nil
}

// NewSender picks the transport named in the configuration.
func NewSender(cfg *common.Config, log *zap.SugaredLogger) (Sender, error) {
	switch cfg.Transport {
	case "smtp":
		return NewSMTPSender(cfg.SMTP, log), nil
	case "console":
		return NewConsoleSender(log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
