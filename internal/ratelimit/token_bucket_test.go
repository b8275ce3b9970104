package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, window time.Duration) (*RedisTokenBucket, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bucket, err := NewRedisTokenBucket(client, capacity, window, "")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }
	return bucket, &now
}

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	bucket, now := newTestBucket(t, 2, time.Second)
	ctx := context.Background()

	first, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.EqualValues(t, 1, first.Remaining)

	second, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	third, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Positive(t, third.RetryAfter)

	*now = now.Add(time.Second)
	refilled, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, refilled.Allowed)
}

func TestTokenBucketSubjectsAreIndependent(t *testing.T) {
	bucket, _ := newTestBucket(t, 1, time.Minute)
	ctx := context.Background()

	a, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, a.Allowed)

	b, err := bucket.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, b.Allowed)

	again, err := bucket.Allow(ctx, "  ")
	require.NoError(t, err)
	assert.True(t, again.Allowed, "blank subject maps to the anonymous bucket")
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	_, err := NewRedisTokenBucket(nil, 1, time.Second, "")
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err = NewRedisTokenBucket(client, 0, time.Second, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 1, 0, "")
	assert.Error(t, err)
}

func TestTokenBucketAllowNSpendsCost(t *testing.T) {
	bucket, now := newTestBucket(t, 4, 4*time.Second)
	ctx := context.Background()

	batch, err := bucket.AllowN(ctx, "alice", 3)
	require.NoError(t, err)
	assert.True(t, batch.Allowed)
	assert.EqualValues(t, 1, batch.Remaining)

	denied, err := bucket.AllowN(ctx, "alice", 2)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, time.Second, denied.RetryAfter)

	*now = now.Add(time.Second)
	retried, err := bucket.AllowN(ctx, "alice", 2)
	require.NoError(t, err)
	assert.True(t, retried.Allowed)
	assert.EqualValues(t, 0, retried.Remaining)
}

func TestTokenBucketAllowNRejectsOversizedCost(t *testing.T) {
	bucket, _ := newTestBucket(t, 2, time.Second)

	d, err := bucket.AllowN(context.Background(), "alice", 3)
	assert.Error(t, err)
	assert.False(t, d.Allowed)

	free, err := bucket.AllowN(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.True(t, free.Allowed)
}
