package mfa

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/store"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig) (*SecretBox, error) {
					return NewSecretBox(config.MFA.EncryptionKey)
				},
			),
			NewVerifier,
			NewGuard,
			fx.Annotate(
				func(config *config.AppConfig, s store.Store, box *SecretBox, v *Verifier, log *zap.Logger) *Enroller {
					return NewEnroller(&config.MFA, s, box, v, log)
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, s store.Store, log *zap.Logger) *Sweeper {
					return NewSweeper(s.TrustedDevices(), config.MFA.SweepInterval, log)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, sweeper *Sweeper, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sweeper.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			log.Info("stopping trusted device sweeper")
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
