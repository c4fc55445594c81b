package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
)

const defaultSendTimeout = 30 * time.Second

// Dispatcher sends notifications in the background. Delivery is best effort:
// Notify never reports a delivery error to the caller. A message of the same
// kind to the same recipient is dropped while the previous one is within its
// cooldown.
type Dispatcher struct {
	sender   Notifier
	provider string
	recent   *gocache.Cache
	cooldown time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
	wg       sync.WaitGroup
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(sender Notifier, cfg *config.NotifyConfig, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderLog
	}
	return &Dispatcher{
		sender:   sender,
		provider: provider,
		recent:   gocache.New(cfg.Cooldown, time.Minute),
		cooldown: cfg.Cooldown,
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		d.log.Warn("dropping invalid notification", zap.Error(err))
		return nil
	}

	key := dedupeKey(msg)
	if d.cooldown > 0 {
		if err := d.recent.Add(key, struct{}{}, d.cooldown); err != nil {
			d.log.Debug("notification suppressed by cooldown",
				zap.String("kind", string(msg.Kind)),
				zap.String("to", msg.To))
			d.metrics.Notifications.WithLabelValues(d.provider, "suppressed").Inc()
			return nil
		}
	}

	// The request that triggered the message may finish before delivery does.
	sendCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(sendCtx, d.timeout)
		defer cancel()

		if err := d.sender.Notify(ctx, msg); err != nil {
			d.recent.Delete(key)
			d.metrics.Notifications.WithLabelValues(d.provider, "failed").Inc()
			d.log.Error("notification delivery failed",
				zap.String("kind", string(msg.Kind)),
				zap.String("to", msg.To),
				zap.Error(err))
			return
		}
		d.metrics.Notifications.WithLabelValues(d.provider, "sent").Inc()
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupeKey(msg Message) string {
	return string(msg.Kind) + ":" + strings.ToLower(strings.TrimSpace(msg.To))
}
