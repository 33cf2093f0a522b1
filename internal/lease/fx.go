package lease

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/propbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lease",
	fx.Provide(provideRedis),
	fx.Provide(provideLocker),
)

// provideRedis returns nil when REDIS_ADDR is unset; leases are then disabled.
func provideRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("lease.disabled", zap.String("reason", "redis address not configured"))
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideLocker(client *redis.Client, cfg config.Config) *Locker {
	return NewLocker(client, cfg.AppName)
}
