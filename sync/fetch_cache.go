package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/topos-tce/tce-node/core"
)

// FetchCache deduplicates FetchCertificates traffic across synchronizer
// ticks: ClaimFetch reports whether the caller should go ahead and fetch
// id's body (true), or skip it because another tick — in this process or,
// if the cache is backed by a shared Redis instance, another node replica
// sharing the same store — claimed it within the last window and the
// result should still be in flight. A nil FetchCache disables the check
// and every id is always fetched; that is the default for a Synchronizer
// built without WithFetchCache.
type FetchCache interface {
	ClaimFetch(ctx context.Context, id core.CertificateId) (bool, error)
}

// redisCmdable is the narrow slice of redis.Cmdable RedisFetchCache needs.
// Declaring it locally instead of depending on the full redis.Cmdable
// interface keeps this package's surface area honest about what it
// actually calls, and lets tests supply a fake without a live server.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisFetchCache is the recently-fetched id cache named in SPEC_FULL.md's
// dependency ledger. It claims an id with SETNX so only the first caller
// within window wins; the key expires on its own afterward, so there is
// nothing to clean up on the losing side.
type RedisFetchCache struct {
	client redisCmdable
	window time.Duration
}

// NewRedisFetchCache builds a RedisFetchCache. window defaults to
// DefaultInterval (one synchronizer tick) when zero, which is long enough
// to suppress a same-tick re-request but short enough that a genuinely
// failed fetch is retried on the very next tick.
func NewRedisFetchCache(client *redis.Client, window time.Duration) *RedisFetchCache {
	if window <= 0 {
		window = DefaultInterval
	}
	return &RedisFetchCache{client: client, window: window}
}

var _ FetchCache = (*RedisFetchCache)(nil)

func (c *RedisFetchCache) ClaimFetch(ctx context.Context, id core.CertificateId) (bool, error) {
	claimed, err := c.client.SetNX(ctx, fetchCacheKey(id), 1, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("sync: claiming fetch for %s: %w", id, err)
	}
	return claimed, nil
}

func fetchCacheKey(id core.CertificateId) string {
	return "tce:sync:fetch:" + id.String()
}
