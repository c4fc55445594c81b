package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

// SMTPSender delivers mail through an SMTP relay. TLSMode is one of "auto",
// "starttls", "ssl" or "none".
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	tlsMode  string
	from     string
	timeout  time.Duration
	log      *zap.Logger
}

func NewSMTPSender(cfg *config.SMTPConfig, from string, timeout time.Duration, log *zap.Logger) *SMTPSender {
	mode := cfg.TLSMode
	if mode == "" {
		mode = "auto"
	}
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		tlsMode:  mode,
		from:     from,
		timeout:  timeout,
		log:      log.With(zap.String("component", "smtp"), zap.String("host", cfg.Host)),
	}
}

func (s *SMTPSender) Notify(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dialer().DialAndSend(s.message(msg)); err != nil {
		s.log.Error("smtp send failed", zap.String("to", msg.To), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}

	s.log.Debug("email sent", zap.String("to", msg.To), zap.String("kind", string(msg.Kind)))
	return nil
}

func (s *SMTPSender) message(msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.text())
	return m
}

func (s *SMTPSender) dialer() *mail.Dialer {
	d := mail.NewDialer(s.host, s.port, s.username, s.password)
	d.TLSConfig = &tls.Config{ServerName: s.host}
	if s.timeout > 0 {
		d.Timeout = s.timeout
	}

	switch s.tlsMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	case "starttls":
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return d
}
