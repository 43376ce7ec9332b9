// Package redis provides a Redis-backed sliding-window Limiter so that
// several gateway instances share one admission budget per identity.
//
// Each key is a sorted set of event timestamps (milliseconds). Pruning,
// counting and recording run in a single Lua script.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/ratelimit"
)

// Limiter is a Redis-backed ratelimit.Limiter.
type Limiter struct {
	client    goredis.Cmdable
	keyPrefix string
	limit     int
	window    time.Duration
	clock     clock.Clock
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// Option configures Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the Redis key prefix (default "qgate:ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// WithClock overrides the clock used to timestamp events.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a limiter admitting at most limit events per window for each
// key. The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		client:    client,
		keyPrefix: "qgate:ratelimit:",
		limit:     limit,
		window:    window,
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// allowScript prunes, counts and records in one step.
// KEYS[1] = sorted set of event timestamps
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = unique member for this event
//
// Returns {1, 0} when admitted, {0, oldest_ms} when rejected.
var allowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

if redis.call("ZCARD", key) >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    return {0, tonumber(oldest[2])}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, 0}
`)

func (l *Limiter) Allow(ctx context.Context, key string) (bool, int, error) {
	now := l.clock.Now().UnixMilli()
	res, err := allowScript.Run(ctx, l.client,
		[]string{l.keyPrefix + key},
		now, l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit/redis: allow: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit/redis: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	wait := time.Duration(res[1]+l.window.Milliseconds()-now) * time.Millisecond
	return false, ratelimit.RetryAfter(wait), nil
}
