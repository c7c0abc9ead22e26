package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 10
	window                   = time.Second
	minRetryAfter            = 5 * time.Millisecond
	keyPrefix                = "ratelimit:sender"
)

// takeScript spends one unit of the window's budget. A denied call leaves the
// counter untouched so waiting workers do not inflate it.
var takeScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return 0
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps provider sends per sender address across every worker
// process. Budgets reset on fixed one-second windows.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	script      *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(limitPerSec),
		time.Now,
		sleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
		script:      takeScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := r.take(ctx, key)
	return allowed, err
}

// Wait blocks until the sender has budget in the current window or ctx ends.
// A denied sender sleeps until the next window opens.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, retryAfter, err := r.take(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) take(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}

	sender := normalizeSender(key)
	if sender == "" {
		return false, 0, fmt.Errorf("rate limit key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now().UTC()
	result, err := r.script.Run(ctx, r.client, []string{windowKey(sender, now)}, r.limitPerSec, window.Milliseconds()).Int()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if result == 1 {
		return true, 0, nil
	}
	return false, untilNextWindow(now), nil
}

func normalizeSender(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func windowKey(sender string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, sender, now.UnixMilli()/window.Milliseconds())
}

func untilNextWindow(now time.Time) time.Duration {
	d := now.Truncate(window).Add(window).Sub(now)
	if d < minRetryAfter {
		return minRetryAfter
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
