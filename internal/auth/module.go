package auth

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/notify"
	"github.com/elskow/warden/internal/store"
	"github.com/elskow/warden/internal/token"
)

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			// Provide service
			fx.Annotate(
				func(
					config *config.AppConfig,
					log *zap.Logger,
					s store.Store,
					issuer *token.Issuer,
					guard *mfa.Guard,
					verifier *mfa.Verifier,
					enroller *mfa.Enroller,
					notifier notify.Notifier,
					m *metrics.Metrics,
				) *Service {
					return NewService(&config.Auth, &config.MFA, log, Deps{
						Store:    s,
						Issuer:   issuer,
						Guard:    guard,
						Verifier: verifier,
						Enroller: enroller,
						Notifier: notifier,
						Metrics:  m,
					})
				},
			),
			// Provide handler
			fx.Annotate(
				func(svc *Service, log *zap.Logger) *Handler {
					return NewHandler(svc, log)
				},
			),
			// Provide middleware
			fx.Annotate(
				func(issuer *token.Issuer) *AuthMiddleware {
					return NewAuthMiddleware(issuer)
				},
			),
		),
	)
}
