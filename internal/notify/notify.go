package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

type Kind string

const (
	KindVerification Kind = "verification"
	KindInvitation   Kind = "invitation"
)

const (
	ProviderLog  = "log"
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
)

var ErrInvalidMessage = errors.New("invalid notification")

type Message struct {
	Kind    Kind
	To      string
	Subject string
	Body    string
	Link    string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	}
	return nil
}

// text renders the plain-text body with the action link appended.
func (m Message) text() string {
	if m.Link == "" {
		return m.Body
	}
	return m.Body + "\n\n" + m.Link + "\n"
}

// Notifier delivers one message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// VerificationMessage is sent after registration. link already carries the
// verification token.
func VerificationMessage(to, link string) Message {
	return Message{
		Kind:    KindVerification,
		To:      to,
		Subject: "Verify your email address",
		Body:    "Welcome to Warden. Confirm your email address to finish setting up your account:",
		Link:    link,
	}
}

func InvitationMessage(to, organization, link string) Message {
	return Message{
		Kind:    KindInvitation,
		To:      to,
		Subject: fmt.Sprintf("You have been invited to %s", organization),
		Body:    fmt.Sprintf("You have been invited to join %s on Warden. Accept the invitation here:", organization),
		Link:    link,
	}
}

// NewSender builds the delivery backend named by cfg.Provider.
func NewSender(ctx context.Context, cfg *config.NotifyConfig, log *zap.Logger) (Notifier, error) {
	switch cfg.Provider {
	case "", ProviderLog:
		return NewLogSender(log), nil
	case ProviderSMTP:
		if cfg.SMTP.Host == "" {
			return nil, errors.New("notify.smtp.host must be set")
		}
		return NewSMTPSender(&cfg.SMTP, cfg.FromAddress, cfg.SendTimeout, log), nil
	case ProviderSES:
		return NewSESSenderFromConfig(ctx, &cfg.SES, cfg.FromAddress, log)
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Provider)
	}
}

// LogSender writes messages to the log instead of delivering them. It is the
// development default.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Notify(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.log.Info("notification",
		zap.String("kind", string(msg.Kind)),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("link", msg.Link))
	return nil
}
