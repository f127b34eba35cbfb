package admission

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces accepted calls per destination number.
//
// TryAccept returns ok=true and records the acceptance iff no prior
// acceptance for number exists inside the cooldown window. On rejection it
// has no side effects and reports how long the caller must wait.
type RateLimiter interface {
	TryAccept(ctx context.Context, number string) (ok bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps last-acceptance times in process memory under one
// lock. Entries are never deleted; cardinality is bounded by the set of
// distinct destination numbers. Suitable for single-instance deployments;
// multi-instance deployments use RedisLimiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	clock    func() time.Time
}

func NewMemoryLimiter(cooldown time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
		clock:    time.Now,
	}
}

func (l *MemoryLimiter) TryAccept(_ context.Context, number string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if prev, ok := l.last[number]; ok {
		elapsed := now.Sub(prev)
		if elapsed < l.cooldown {
			return false, l.cooldown - elapsed, nil
		}
	}
	l.last[number] = now
	return true, 0, nil
}
