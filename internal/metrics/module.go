package metrics

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			New,
			fx.Annotate(
				func(config *config.AppConfig, m *Metrics, log *zap.Logger) *OpsServer {
					return NewOpsServer(config.Ops.Addr, m, log)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, srv *OpsServer, log *zap.Logger) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start ops server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}
