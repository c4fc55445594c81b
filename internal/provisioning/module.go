package provisioning

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) (Client, error) {
					if config.Provisioning.BaseURL == "" {
						log.Warn("provisioning.base_url not set, using in-memory provisioning")
						return NewFake(), nil
					}
					return NewHTTPClient(&config.Provisioning, log)
				},
			),
		),
	)
}
