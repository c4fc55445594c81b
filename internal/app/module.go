package app

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/auth"
	"github.com/elskow/warden/internal/database"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/migration"
	"github.com/elskow/warden/internal/notify"
	"github.com/elskow/warden/internal/outbox"
	"github.com/elskow/warden/internal/provisioning"
	"github.com/elskow/warden/internal/ratelimit"
	"github.com/elskow/warden/internal/server"
	"github.com/elskow/warden/internal/store"
	"github.com/elskow/warden/internal/token"
)

// Module combines all application modules
func Module() fx.Option {
	return fx.Options(
		// Logger
		fx.Provide(newLogger),

		// Configuration
		fx.Provide(server.LoadConfig),

		// Persistence
		database.NewModule(),
		migration.NewModule(),
		store.NewModule(),

		// Observability
		metrics.NewModule(),

		// Domain
		token.NewModule(),
		mfa.NewModule(),
		notify.NewModule(),
		provisioning.NewModule(),
		outbox.NewModule(),
		ratelimit.NewModule(),
		auth.NewModule(),

		// Server
		fx.Provide(server.NewServer),

		fx.Invoke(registerReadiness),
		fx.Invoke(registerHooks),
	)
}

func newLogger() (*zap.Logger, error) {
	env := os.Getenv("APP_ENV")
	return server.NewLogger(env)
}

func registerReadiness(ops *metrics.OpsServer, manager *database.Manager) {
	ops.AddCheck("database", manager.Ping)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	srv *server.Server,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			srv.Stop()
			return nil
		},
	})
}
