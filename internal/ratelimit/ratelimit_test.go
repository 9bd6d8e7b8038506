package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestLockerIsExclusive(t *testing.T) {
	client, mr := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "entitle:lock:reset", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	other, err := locker.Acquire(ctx, "entitle:lock:reset", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	foreign := &Lease{client: client, key: "entitle:lock:reset", token: "someone-else"}
	require.NoError(t, foreign.Release(ctx))
	assert.True(t, mr.Exists("entitle:lock:reset"), "a foreign token must not release the lock")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("entitle:lock:reset"))
}

func TestLeaseExpires(t *testing.T) {
	client, mr := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "entitle:lock:sync", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mr.FastForward(2 * time.Second)

	next, err := locker.Acquire(ctx, "entitle:lock:sync", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestNilLockerIsUnavailable(t *testing.T) {
	var locker *Locker
	_, err := locker.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	client, _ := newClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d is within burst", i)
	}
	res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	_, err = bucket.Allow(ctx, "bucket", 0, 3)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestTrackLimiter(t *testing.T) {
	client, _ := newClient(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TrackRate: 0.001, TrackBurst: 1}}

	limiter, err := NewTrackLimiter(Params{Config: cfg, Redis: client, Log: zap.NewNop()})
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := limiter.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "cus_2")
	require.NoError(t, err)
	assert.True(t, ok, "buckets are per customer")
}

func TestTrackLimiterDisabled(t *testing.T) {
	limiter, err := NewTrackLimiter(Params{Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	ok, err := limiter.Allow(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewTrackLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TrackRate: 1, TrackBurst: 1}},
		Log:    zap.NewNop(),
	})
	assert.Error(t, err)
}
