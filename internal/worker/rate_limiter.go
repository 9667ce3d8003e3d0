package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimit is the send budget shared by every dispatch hitting one
// transport. Zero disables a window.
type RateLimit struct {
	PerSecond int
	PerMinute int
	PerDay    int
}

// multiLimitLuaScript checks all windows and increments only if every
// window has room, so concurrent workers cannot overshoot with
// GET/check/INCR races.
const multiLimitLuaScript = `
local increment = tonumber(ARGV[1])
for i = 1, 3 do
    local limit = tonumber(ARGV[i + 1])
    if limit > 0 then
        local current = tonumber(redis.call("GET", KEYS[i]) or "0")
        if current + increment > limit then
            return {0, i}
        end
    end
end
local ttls = {tonumber(ARGV[5]), tonumber(ARGV[6]), tonumber(ARGV[7])}
for i = 1, 3 do
    local v = redis.call("INCRBY", KEYS[i], increment)
    if v == increment then
        redis.call("EXPIRE", KEYS[i], ttls[i])
    end
end
return {1, 0}
`

// RateLimiter enforces a RateLimit across processes using Redis.
type RateLimiter struct {
	redis     *redis.Client
	script    *redis.Script
	transport string
	limit     RateLimit
	now       func() time.Time
}

// NewRateLimiter creates a limiter for one transport name.
func NewRateLimiter(client *redis.Client, transport string, limit RateLimit) *RateLimiter {
	return &RateLimiter{
		redis:     client,
		script:    redis.NewScript(multiLimitLuaScript),
		transport: transport,
		limit:     limit,
		now:       time.Now,
	}
}

func (r *RateLimiter) keys(now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:sec:%d", r.transport, now.Unix()),
		fmt.Sprintf("ratelimit:%s:min:%d", r.transport, now.Unix()/60),
		fmt.Sprintf("ratelimit:%s:day:%s", r.transport, now.UTC().Format("2006-01-02")),
	}
}

// CheckAndIncrement reserves n sends. When denied, wait is how long until
// the exhausted window rolls over.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, n int) (allowed bool, wait time.Duration, err error) {
	now := r.now()
	result, err := r.script.Run(ctx, r.redis, r.keys(now),
		n,
		r.limit.PerSecond,
		r.limit.PerMinute,
		r.limit.PerDay,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL (25 hours)
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	switch result[1].(int64) {
	case 1:
		wait = time.Second - time.Duration(now.Nanosecond())
	case 2:
		wait = time.Duration(60-now.Second()) * time.Second
	default:
		next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		wait = next.Sub(now)
	}
	return false, wait, nil
}

// Wait blocks until one send fits the budget or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait, err := r.CheckAndIncrement(ctx, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// Usage reports the current counters for each window.
func (r *RateLimiter) Usage(ctx context.Context) (map[string]int64, error) {
	keys := r.keys(r.now())
	pipe := r.redis.Pipeline()
	sec := pipe.Get(ctx, keys[0])
	min := pipe.Get(ctx, keys[1])
	day := pipe.Get(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	s, _ := sec.Int64()
	m, _ := min.Int64()
	d, _ := day.Int64()
	return map[string]int64{
		"second_current": s,
		"second_limit":   int64(r.limit.PerSecond),
		"minute_current": m,
		"minute_limit":   int64(r.limit.PerMinute),
		"daily_current":  d,
		"daily_limit":    int64(r.limit.PerDay),
	}, nil
}
