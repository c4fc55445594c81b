package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (r *recordingSender) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		err := r.fail
		r.fail = nil
		return err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestDispatcher(t *testing.T, sender Notifier, cooldown time.Duration) (*Dispatcher, *metrics.Metrics) {
	m := metrics.New()
	cfg := &config.NotifyConfig{Provider: ProviderLog, Cooldown: cooldown, SendTimeout: time.Second}
	return NewDispatcher(sender, cfg, m, zap.NewNop()), m
}

func waitFor(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatcher_Delivers(t *testing.T) {
	sender := &recordingSender{}
	d, m := newTestDispatcher(t, sender, 0)

	require.NoError(t, d.Notify(context.Background(), VerificationMessage("a@example.com", "https://x/verify?t=1")))
	waitFor(t, d)

	require.Equal(t, 1, sender.count())
	assert.Equal(t, KindVerification, sender.sent[0].Kind)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Notifications.WithLabelValues(ProviderLog, "sent")))
}

func TestDispatcher_CooldownSuppressesDuplicates(t *testing.T) {
	sender := &recordingSender{}
	d, m := newTestDispatcher(t, sender, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, VerificationMessage("a@example.com", "l1")))
	require.NoError(t, d.Notify(ctx, VerificationMessage("A@Example.com ", "l2")))
	require.NoError(t, d.Notify(ctx, InvitationMessage("a@example.com", "Acme", "l3")))
	waitFor(t, d)

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Notifications.WithLabelValues(ProviderLog, "suppressed")))
}

func TestDispatcher_FailureIsSwallowedAndClearsCooldown(t *testing.T) {
	sender := &recordingSender{fail: errors.New("relay down")}
	d, m := newTestDispatcher(t, sender, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, VerificationMessage("a@example.com", "l1")))
	waitFor(t, d)
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Notifications.WithLabelValues(ProviderLog, "failed")))

	require.NoError(t, d.Notify(ctx, VerificationMessage("a@example.com", "l1")))
	waitFor(t, d)
	assert.Equal(t, 1, sender.count())
}

func TestDispatcher_SurvivesCancelledRequest(t *testing.T) {
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, sender, 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Notify(ctx, VerificationMessage("a@example.com", "l1")))
	cancel()
	waitFor(t, d)

	assert.Equal(t, 1, sender.count())
}

func TestDispatcher_DropsInvalid(t *testing.T) {
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, sender, 0)

	require.NoError(t, d.Notify(context.Background(), Message{Kind: KindVerification, Subject: "x"}))
	waitFor(t, d)
	assert.Equal(t, 0, sender.count())
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSender(t *testing.T) {
	client := &fakeSES{}
	s := NewSESSender(client, "no-reply@warden.test", zap.NewNop())

	err := s.Notify(context.Background(), VerificationMessage("a@example.com", "https://x/verify"))
	require.NoError(t, err)

	require.NotNil(t, client.input)
	assert.Equal(t, "no-reply@warden.test", aws.ToString(client.input.Source))
	assert.Equal(t, []string{"a@example.com"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "Verify your email address", aws.ToString(client.input.Message.Subject.Data))
	assert.Contains(t, aws.ToString(client.input.Message.Body.Text.Data), "https://x/verify")
	assert.Equal(t, "UTF-8", aws.ToString(client.input.Message.Body.Text.Charset))

	client.err = errors.New("throttled")
	err = s.Notify(context.Background(), VerificationMessage("a@example.com", "l"))
	assert.ErrorContains(t, err, "throttled")
}

func TestSMTPSender_Message(t *testing.T) {
	s := NewSMTPSender(&config.SMTPConfig{Host: "smtp.example.com", Port: 587}, "no-reply@warden.test", time.Second, zap.NewNop())

	m := s.message(InvitationMessage("b@example.com", "Acme", "https://x/invite"))
	assert.Equal(t, []string{"no-reply@warden.test"}, m.GetHeader("From"))
	assert.Equal(t, []string{"b@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"You have been invited to Acme"}, m.GetHeader("Subject"))

	assert.Equal(t, "auto", s.tlsMode)
	assert.False(t, s.dialer().SSL)

	s.tlsMode = "ssl"
	assert.True(t, s.dialer().SSL)
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	s := NewSMTPSender(&config.SMTPConfig{Host: "127.0.0.1", Port: 1}, "from@x", time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Notify(ctx, VerificationMessage("a@example.com", "l"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSender(t *testing.T) {
	log := zap.NewNop()
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.NotifyConfig
		want    any
		wantErr bool
	}{
		{name: "default is log", cfg: config.NotifyConfig{}, want: &LogSender{}},
		{name: "smtp", cfg: config.NotifyConfig{Provider: ProviderSMTP, SMTP: config.SMTPConfig{Host: "smtp"}}, want: &SMTPSender{}},
		{name: "smtp without host", cfg: config.NotifyConfig{Provider: ProviderSMTP}, wantErr: true},
		{name: "unknown provider", cfg: config.NotifyConfig{Provider: "pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSender(ctx, &tt.cfg, log)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}
