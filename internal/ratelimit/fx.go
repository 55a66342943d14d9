package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		provideLocker,
		providePublicLimiter,
	),
)

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := cfg.RateLimit.RedisAddr
	if addr == "" {
		log.Info("redis not configured, rate limits and locks are process-local")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideLocker(client *redis.Client, c clock.Clock) Locker {
	if client == nil {
		return NewLocalLocker(c)
	}
	return NewRedisLocker(client)
}

func providePublicLimiter(cfg config.Config, client *redis.Client, c clock.Clock, telemetry *metrics.Metrics, log *zap.Logger) *PublicLimiter {
	var remote Bucket
	if client != nil {
		remote = NewTokenBucket(client)
	}
	return NewPublicLimiter(cfg.RateLimit, remote, NewLocalBucket(c), telemetry, log)
}
