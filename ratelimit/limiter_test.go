package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
)

func subnet(b byte) core.SubnetId {
	var s core.SubnetId
	s[0] = b
	return s
}

type fakeRedisCounter struct {
	counts map[string]int64
}

func newFakeRedisCounter() *fakeRedisCounter {
	return &fakeRedisCounter{counts: make(map[string]int64)}
}

func (f *fakeRedisCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.counts[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.counts[key])
	return cmd
}

func (f *fakeRedisCounter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func TestRedisQuotaAdmitsUpToLimitThenRejects(t *testing.T) {
	quota := &RedisQuota{client: newFakeRedisCounter(), limit: 2, window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := quota.Allow(ctx, "k")
		test.AssertNotError(t, err, "Allow")
		test.AssertTrue(t, ok, "submission within limit should be admitted")
	}

	ok, err := quota.Allow(ctx, "k")
	test.AssertNotError(t, err, "Allow")
	if ok {
		t.Fatal("expected the third call to exceed the limit of 2")
	}
}

func TestSubmissionLimiterRejectsOnceLocalBucketIsExhausted(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	limiter := NewSubmissionLimiter(rate.Limit(0), 1, nil, metrics)
	ctx := context.Background()
	s := subnet(1)

	ok, err := limiter.Allow(ctx, s)
	test.AssertNotError(t, err, "Allow")
	test.AssertTrue(t, ok, "first submission consumes the single burst token")

	ok, err = limiter.Allow(ctx, s)
	test.AssertNotError(t, err, "Allow")
	if ok {
		t.Fatal("expected the second submission to be rejected with a zero refill rate and burst 1")
	}
}

func TestSubmissionLimiterTracksBucketsPerSubnet(t *testing.T) {
	limiter := NewSubmissionLimiter(rate.Limit(0), 1, nil, nil)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, subnet(1))
	test.AssertNotError(t, err, "Allow subnet 1")
	test.AssertTrue(t, ok, "subnet 1's first submission should be admitted")

	ok, err = limiter.Allow(ctx, subnet(2))
	test.AssertNotError(t, err, "Allow subnet 2")
	test.AssertTrue(t, ok, "subnet 2 has its own bucket and should also be admitted")
}

func TestSubmissionLimiterDefersToQuotaAfterLocalBucketAdmits(t *testing.T) {
	quota := &RedisQuota{client: newFakeRedisCounter(), limit: 0, window: time.Minute}
	limiter := NewSubmissionLimiter(rate.Limit(100), 5, quota, nil)

	ok, err := limiter.Allow(context.Background(), subnet(1))
	test.AssertNotError(t, err, "Allow")
	if ok {
		t.Fatal("expected the distributed quota of 0 to reject even though the local bucket admits")
	}
}

type erroringQuota struct{}

func (erroringQuota) Allow(ctx context.Context, key string) (bool, error) {
	return false, context.DeadlineExceeded
}

func TestSubmissionLimiterFailsOpenWhenQuotaIsUnreachable(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	limiter := NewSubmissionLimiter(rate.Limit(100), 5, erroringQuota{}, metrics)

	ok, err := limiter.Allow(context.Background(), subnet(1))
	test.AssertNotError(t, err, "Allow should not surface the quota's transport error")
	test.AssertTrue(t, ok, "an unreachable quota must not block submissions admitted locally")
}
