package notify

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, m *metrics.Metrics, log *zap.Logger) (*Dispatcher, error) {
					sender, err := NewSender(context.Background(), &config.Notify, log)
					if err != nil {
						return nil, err
					}
					return NewDispatcher(sender, &config.Notify, m, log), nil
				},
			),
			func(d *Dispatcher) Notifier { return d },
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, d *Dispatcher, log *zap.Logger) {
	lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("waiting for pending notifications")
			if err := d.Wait(ctx); err != nil {
				log.Warn("pending notifications abandoned", zap.Error(err))
			}
			return nil
		},
	})
}
