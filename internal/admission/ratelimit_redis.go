package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript implements TryAccept atomically:
// KEYS[1] = cooldown key for one number, ARGV[1] = cooldown in ms.
// Returns 0 when accepted, otherwise the remaining cooldown in ms.
var rateLimitScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  return ttl
end
redis.call('SET', KEYS[1], '1', 'PX', tonumber(ARGV[1]))
return 0
`)

// RedisLimiter enforces the per-number cooldown across process instances.
// The key carries the cooldown as its TTL, so rejected attempts leave no
// state behind and accepted ones expire on their own.
type RedisLimiter struct {
	rdb       *redis.Client
	cooldown  time.Duration
	keyPrefix string
}

func NewRedisLimiter(rdb *redis.Client, cooldown time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cooldown: cooldown, keyPrefix: "ratelimit:call:"}
}

func (l *RedisLimiter) TryAccept(ctx context.Context, number string) (bool, time.Duration, error) {
	key := l.keyPrefix + number
	remaining, err := rateLimitScript.Run(ctx, l.rdb, []string{key}, l.cooldown.Milliseconds()).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if remaining > 0 {
		return false, time.Duration(remaining) * time.Millisecond, nil
	}
	return true, 0, nil
}
