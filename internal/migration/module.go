package migration

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

// NewModule applies pending migrations on startup when database.auto_migrate
// is set.
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) (*Migrator, error) {
					return NewMigrator(&config.Database, log)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	config *config.AppConfig,
	migrator *Migrator,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !config.Database.AutoMigrate {
				logger.Info("automatic migration disabled")
				return nil
			}

			currentVersion, err := migrator.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			latestVersion := migrator.LatestVersion()

			logger.Info("database migration status",
				zap.Int64("current_version", currentVersion),
				zap.Int64("latest_version", latestVersion))

			if currentVersion > latestVersion {
				// rolling back is left to an operator running cmd/migrate
				return fmt.Errorf("database schema version %d is newer than this build (%d)", currentVersion, latestVersion)
			}
			if currentVersion < latestVersion {
				logger.Info("upgrading database schema",
					zap.Int64("from_version", currentVersion),
					zap.Int64("to_version", latestVersion))

				if err := migrator.Up(ctx); err != nil {
					return fmt.Errorf("failed to upgrade database: %w", err)
				}
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			return migrator.Close()
		},
	})
}
