package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kgchat/internal/redis"
)

const redisKeyPrefix = "ratelimit:"

// fixedWindow increments the counter and arms the window on first hit in
// one round trip, so concurrent callers never lose or double count.
var fixedWindow = goredis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter is a fixed window counter shared by every replica.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	rec    Recorder
}

// NewRedisLimiter allows limit requests per key and window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, rec Recorder) *RedisLimiter {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &RedisLimiter{client: client, limit: limit, window: window, rec: rec}
}

// Allow counts one request for key. On a store failure the request is
// allowed and the error is returned for logging.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	l.rec.RateLimitChecked()
	count, ttl, err := l.incr(ctx, key)
	if err != nil && transient(err) {
		l.rec.RateLimitStoreFailure(FailureRetry)
		count, ttl, err = l.incr(ctx, key)
	}
	if err != nil {
		kind := classify(err)
		l.rec.RateLimitStoreFailure(kind)
		slog.Warn("rate limiter store unavailable, allowing request", "key", key, "kind", kind, "error", err)
		return record(l.rec, Decision{Allowed: true, Limit: l.limit}), fmt.Errorf("rate limiter store: %w", err)
	}
	d := Decision{Allowed: count <= int64(l.limit), Count: count, Limit: l.limit}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return record(l.rec, d), nil
}

// Reset clears the counter of key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, redisKeyPrefix+key)
}

func (l *RedisLimiter) incr(ctx context.Context, key string) (int64, time.Duration, error) {
	res, err := l.client.RunScript(ctx, fixedWindow, []string{redisKeyPrefix + key}, l.window.Milliseconds())
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)
	return count, time.Duration(ttl) * time.Millisecond, nil
}
