package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyPublicCreate = "vida:ratelimit:invoices:%s"

// Bucket admits or rejects one request for key.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (Result, error)
}

// PublicLimiter throttles invoice creation per API key. Redis is used when
// configured; a Redis failure falls back to the in-process bucket.
type PublicLimiter struct {
	log       *zap.Logger
	enabled   bool
	remote    Bucket
	local     *LocalBucket
	rate      float64
	burst     int
	telemetry *metrics.Metrics
}

func NewPublicLimiter(cfg config.RateLimitConfig, remote Bucket, local *LocalBucket, telemetry *metrics.Metrics, log *zap.Logger) *PublicLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if local == nil {
		local = NewLocalBucket(nil)
	}
	return &PublicLimiter{
		log:       log.Named("ratelimit"),
		enabled:   cfg.Enabled && cfg.PublicRate > 0 && cfg.PublicBurst > 0,
		remote:    remote,
		local:     local,
		rate:      cfg.PublicRate,
		burst:     cfg.PublicBurst,
		telemetry: telemetry,
	}
}

func (l *PublicLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes one token for the caller identified by key.
func (l *PublicLimiter) Allow(ctx context.Context, endpoint, key string) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	bucketKey := fmt.Sprintf(keyPublicCreate, key)

	var (
		res Result
		err error
	)
	if l.remote != nil {
		res, err = l.remote.Allow(ctx, bucketKey, l.rate, l.burst)
		if err != nil {
			l.log.Warn("redis rate limiter unavailable, using local bucket", zap.Error(err))
		}
	}
	if l.remote == nil || err != nil {
		res, err = l.local.Allow(ctx, bucketKey, l.rate, l.burst)
		if err != nil {
			l.log.Error("local rate limiter failed", zap.Error(err))
			return Result{Allowed: true}
		}
	}

	if res.Allowed {
		l.telemetry.RecordRateLimitAllowed(ctx, endpoint)
	} else {
		l.telemetry.RecordRateLimitDenied(ctx, endpoint, "per_key")
	}
	return res
}
