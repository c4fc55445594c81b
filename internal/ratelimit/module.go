package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(lifecycle fx.Lifecycle, config *config.AppConfig, log *zap.Logger) (Limiter, error) {
					return NewLimiter(lifecycle, config, log)
				},
			),
		),
	)
}

// NewLimiter returns nil when rate limiting is disabled.
func NewLimiter(lifecycle fx.Lifecycle, cfg *config.AppConfig, log *zap.Logger) (Limiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		log.Info("rate limiting disabled")
		return nil, nil
	}
	if rl.Max <= 0 || rl.Window <= 0 {
		return nil, fmt.Errorf("rate_limit.max and rate_limit.window must be positive")
	}

	switch rl.Backend {
	case "", BackendLocal:
		return NewLocalLimiter(rl.Max, rl.Window), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					log.Warn("redis unreachable, rate limiter will fail open", zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		return NewRedisLimiter(client, "warden:rl:", rl.Max, rl.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate_limit.backend %q", rl.Backend)
	}
}
