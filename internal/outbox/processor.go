package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/provisioning"
	"github.com/elskow/warden/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 20
	maxBackoff          = time.Hour
)

// ErrUnknownType fails a message whose type has no handler. It is never
// retried.
var ErrUnknownType = errors.New("unknown outbox message type")

// Processor drains the outbox. Each batch is claimed, handled and saved in
// one transaction, so a crash before commit leaves the batch pending. Every
// message is handled in its own nested unit of work, so a failing statement
// rolls back that message alone and the rest of the batch still commits.
type Processor struct {
	store     store.Store
	provision *ProvisionHandler
	config    *config.OutboxConfig
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(
	config *config.OutboxConfig,
	s store.Store,
	provision *ProvisionHandler,
	m *metrics.Metrics,
	log *zap.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		store:     s,
		provision: provision,
		config:    config,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) batchSize() int {
	if p.config.BatchSize > 0 {
		return p.config.BatchSize
	}
	return defaultBatchSize
}

func (p *Processor) pollInterval() time.Duration {
	if p.config.PollInterval > 0 {
		return p.config.PollInterval
	}
	return defaultPollInterval
}

func (p *Processor) workers() int {
	if p.config.Workers > 0 {
		return p.config.Workers
	}
	return 1
}

// RunOnce processes one batch of ready messages.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	stats := newStats()
	err := p.store.WithinTx(ctx, func(tx store.Store) error {
		msgs, err := tx.Outbox().ClaimReady(ctx, p.now(), p.batchSize())
		if err != nil {
			return fmt.Errorf("failed to claim outbox messages: %w", err)
		}
		stats.Claimed = len(msgs)
		if len(msgs) == 0 {
			return nil
		}

		for i := range msgs {
			result := p.process(ctx, tx, &msgs[i])
			stats.record(result)
			p.metrics.OutboxMessages.WithLabelValues(string(msgs[i].Type), result).Inc()
		}

		if err := tx.Outbox().SaveBatch(ctx, msgs); err != nil {
			return fmt.Errorf("failed to save outbox batch: %w", err)
		}
		return nil
	})

	stats.finish()
	p.metrics.OutboxBatchSeconds.Observe(stats.Duration.Seconds())
	return stats, err
}

// process handles msg and updates it in place. It returns the metric label
// for the outcome.
func (p *Processor) process(ctx context.Context, tx store.Store, msg *model.OutboxMessage) string {
	err := tx.WithinTx(ctx, func(sp store.Store) error {
		return p.dispatch(ctx, sp, msg)
	})
	now := p.now()

	if err == nil {
		msg.ProcessedAt = &now
		msg.NextRetryAt = nil
		msg.LastError = ""
		p.log.Info("outbox message processed",
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.String("correlation_id", msg.CorrelationID))
		return resultProcessed
	}

	msg.RetryCount++
	msg.LastError = err.Error()

	if isTerminal(err) || msg.RetryCount >= msg.MaxRetries {
		msg.Failed = true
		msg.NextRetryAt = nil
		p.log.Error("outbox message failed permanently",
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.String("related_entity_id", msg.RelatedEntityID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(err))
		p.onFailed(ctx, tx, msg)
		return resultFailed
	}

	next := now.Add(Backoff(msg.RetryCount))
	msg.NextRetryAt = &next
	p.log.Warn("outbox message will be retried",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.Int("retry_count", msg.RetryCount),
		zap.Time("next_retry_at", next),
		zap.Error(err))
	return resultRetried
}

// dispatch routes msg to its handler. A panicking handler fails the message
// instead of the batch.
func (p *Processor) dispatch(ctx context.Context, tx store.Store, msg *model.OutboxMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("outbox handler panicked",
				zap.String("id", msg.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch msg.Type {
	case model.OutboxTypeProvisionOrganization:
		return p.provision.Handle(ctx, tx, msg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func (p *Processor) onFailed(ctx context.Context, tx store.Store, msg *model.OutboxMessage) {
	switch msg.Type {
	case model.OutboxTypeProvisionOrganization:
		err := tx.WithinTx(ctx, func(sp store.Store) error {
			return p.provision.MarkFailed(ctx, sp, msg)
		})
		if err != nil {
			p.log.Error("failed to mark provisioning failure",
				zap.String("id", msg.ID),
				zap.String("user_id", msg.RelatedEntityID),
				zap.Error(err))
		}
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, provisioning.ErrPermanent) || errors.Is(err, ErrUnknownType)
}

// Backoff is the delay before retry number retryCount: 2^retryCount seconds,
// capped at one hour.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^12 s already exceeds the cap
	if retryCount >= 12 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(retryCount)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Run polls until ctx is cancelled. A batch in flight runs to completion
// after cancellation.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers(); i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, worker int) {
	log := p.log.With(zap.Int("worker", worker))
	log.Info("outbox worker started", zap.Duration("poll_interval", p.pollInterval()))
	defer log.Info("outbox worker stopped")

	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	for {
		stats, err := p.RunOnce(context.WithoutCancel(ctx))
		switch {
		case err != nil:
			log.Error("outbox batch failed", zap.Error(err))
		case stats.Claimed > 0:
			log.Info("outbox batch done",
				zap.Int("claimed", stats.Claimed),
				zap.Int("processed", stats.Processed),
				zap.Int("retried", stats.Retried),
				zap.Int("failed", stats.Failed),
				zap.Duration("duration", stats.Duration))
		}

		if ctx.Err() != nil {
			return
		}
		// a full batch means more may be waiting
		if err == nil && stats.Claimed == p.batchSize() {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
