package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/botbilling/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewRedisClient),
	fx.Provide(provideBackend),
	fx.Provide(func(b Backend) Locker { return b.Locker }),
	fx.Provide(func(b Backend) Lease { return b.Lease }),
)

// Backend bundles the lock implementations chosen for this process.
type Backend struct {
	Name   string
	Locker Locker
	Lease  Lease
}

// NewRedisClient returns nil when REDIS_ADDR is unset; callers fall back to in-process locks.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideBackend(client *redis.Client, log *zap.Logger) Backend {
	if client == nil {
		log.Info("using in-process locks")
		km := NewKeyedMutex()
		return Backend{Name: "memory", Locker: km, Lease: km}
	}
	log.Info("using redis locks")
	rl := NewRedisLocker(client, "botbilling:lock:", 30*time.Second)
	return Backend{Name: "redis", Locker: rl, Lease: rl}
}
