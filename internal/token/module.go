package token

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) (*KeyRing, error) {
					return LoadKeyRing(&config.Token, log)
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, keys *KeyRing) (*Issuer, error) {
					return NewIssuer(&config.Token, keys)
				},
			),
		),
	)
}
