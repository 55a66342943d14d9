package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-key limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// LocalBucket keeps one x/time/rate limiter per key in process memory.
type LocalBucket struct {
	clock clock.Clock

	mu       sync.Mutex
	limiters map[string]*localEntry
	sweptAt  time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalBucket(c clock.Clock) *LocalBucket {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &LocalBucket{clock: c, limiters: map[string]*localEntry{}}
}

func (b *LocalBucket) Allow(_ context.Context, key string, r float64, burst int) (Result, error) {
	if err := checkLimiterArgs(key, r, burst); err != nil {
		return Result{}, err
	}
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(now)

	entry, ok := b.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(r), burst)}
		b.limiters[key] = entry
	}
	entry.lastSeen = now

	out := Result{Limit: burst}
	if entry.limiter.AllowN(now, 1) {
		out.Allowed = true
		out.Remaining = int(entry.limiter.TokensAt(now))
		return out, nil
	}
	tokens := entry.limiter.TokensAt(now)
	out.Remaining = max(int(tokens), 0)
	out.RetryAfter = refillDelay(tokens, r)
	return out, nil
}

func (b *LocalBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.limiters)
}

func (b *LocalBucket) sweepLocked(now time.Time) {
	if now.Sub(b.sweptAt) < idleLimiterTTL {
		return
	}
	b.sweptAt = now
	for key, entry := range b.limiters {
		if now.Sub(entry.lastSeen) >= idleLimiterTTL {
			delete(b.limiters, key)
		}
	}
}
