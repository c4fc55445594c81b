package outbox

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/provisioning"
	"github.com/elskow/warden/internal/store"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(client provisioning.Client, log *zap.Logger) *ProvisionHandler {
					return NewProvisionHandler(client, log)
				},
			),
			fx.Annotate(
				func(
					config *config.AppConfig,
					s store.Store,
					provision *ProvisionHandler,
					m *metrics.Metrics,
					log *zap.Logger,
				) *Processor {
					return NewProcessor(&config.Outbox, s, provision, m, log)
				},
			),
			NewAdmin,
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, config *config.AppConfig, processor *Processor, log *zap.Logger) {
	if !config.Outbox.Enabled {
		log.Info("outbox processor disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := processor.Run(ctx); err != nil {
					log.Error("outbox processor stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			log.Info("stopping outbox processor")
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				log.Warn("outbox processor did not stop before shutdown deadline")
			}
			return nil
		},
	})
}
