package replay

import (
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"go.uber.org/fx"
)

// DefaultTTL is how long a processed event key is remembered.
const DefaultTTL = 24 * time.Hour

var Module = fx.Module("replay",
	fx.Provide(func(c clock.Clock) *Guard { return NewGuard(c, DefaultTTL) }),
)

// Guard remembers processed webhook events so retried deliveries are
// acknowledged without being applied twice.
type Guard struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewGuard(c clock.Clock, ttl time.Duration) *Guard {
	if c == nil {
		c = clock.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{clock: c, ttl: ttl, seen: map[string]time.Time{}}
}

// EventKey picks the dedupe key: the event id, or the signature when no id is sent.
func EventKey(eventID, signature string) string {
	if key := strings.TrimSpace(eventID); key != "" {
		return key
	}
	return strings.TrimSpace(signature)
}

// ShouldProcess claims the event's key. It returns false when the event was
// already claimed within the TTL; events with neither id nor signature are
// always processed.
func (g *Guard) ShouldProcess(eventID, signature string) bool {
	return g.Claim(EventKey(eventID, signature))
}

// Seen reports whether key was claimed within the TTL without recording it.
func (g *Guard) Seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked()
	_, ok := g.seen[key]
	return ok
}

// Claim atomically checks and records key. It returns false for duplicates.
func (g *Guard) Claim(key string) bool {
	if key == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = g.clock.Now()
	return true
}

// Forget drops key so a failed event can be retried.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked()
	return len(g.seen)
}

func (g *Guard) Reset() {
	g.mu.Lock()
	g.seen = map[string]time.Time{}
	g.mu.Unlock()
}

func (g *Guard) purgeLocked() {
	cutoff := g.clock.Now().Add(-g.ttl)
	for key, at := range g.seen {
		if !at.After(cutoff) {
			delete(g.seen, key)
		}
	}
}
