package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// countScript bumps a counter, starts its window on the first hit and reports
// the count together with the milliseconds left in the window.
var countScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// FixedWindowLimiter counts hits per key on a Redis client shared with the
// rest of the process, so every gateway replica sees the same quota. A key's
// window opens on its first hit and closes window later.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "repochat:ratelimit"
	}
	return &FixedWindowLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}, nil
}

// Allow counts one hit for key. When the quota is spent it reports how long
// until the window closes. Redis errors deny the hit for a full window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := countScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return false, l.window
	}
	if res[0] <= l.limit {
		return true, 0
	}
	left := time.Duration(res[1]) * time.Millisecond
	if left <= 0 {
		left = l.window
	}
	return false, left
}
