package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

const charset = "UTF-8"

// sesAPI is the part of *ses.Client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client sesAPI
	from   string
	log    *zap.Logger
}

func NewSESSender(client sesAPI, from string, log *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, log: log.With(zap.String("component", "ses"))}
}

// NewSESSenderFromConfig resolves credentials through the default AWS chain.
func NewSESSenderFromConfig(ctx context.Context, cfg *config.SESConfig, from string, log *zap.Logger) (*SESSender, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSESSender(ses.NewFromConfig(awsCfg), from, log), nil
}

func (s *SESSender) Notify(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, s.input(msg))
	if err != nil {
		s.log.Error("ses send failed", zap.String("to", msg.To), zap.Error(err))
		return fmt.Errorf("ses send: %w", err)
	}

	s.log.Debug("email sent", zap.String("to", msg.To), zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

func (s *SESSender) input(msg Message) *ses.SendEmailInput {
	return &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charset)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.text()), Charset: aws.String(charset)},
			},
		},
	}
}
