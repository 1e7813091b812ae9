package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Burst(t *testing.T) {
	// 60/min sustained with a bucket of 10: ten back-to-back requests
	// pass, the eleventh does not.
	lim, err := NewTokenBucketLimiter(60, time.Minute, 10)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, err := lim.Acquire(ctx, "client-1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i+1)
	}

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "request 11 should be denied")
}

func TestTokenBucket_Refill(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 10)
	require.NoError(t, err)

	ctx := context.Background()

	// Drain the bucket.
	for i := 0; i < 10; i++ {
		lim.Acquire(ctx, "client-1", 1)
	}
	allowed, _ := lim.Acquire(ctx, "client-1", 1)
	require.False(t, allowed)

	// 60/min is one token per second.
	time.Sleep(1100 * time.Millisecond)

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "one token should have refilled")

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "only one token should have refilled")
}

func TestTokenBucket_DefaultBurst(t *testing.T) {
	// burst <= 0 defaults to twice the sustained amount.
	lim, err := NewTokenBucketLimiter(5, time.Minute, 0)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, err := lim.Acquire(ctx, "client-1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i+1)
	}

	allowed, _ := lim.Acquire(ctx, "client-1", 1)
	assert.False(t, allowed)
}

func TestTokenBucket_Weight(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 10)
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 10)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTokenBucket_InvalidWeight(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 10)
	require.NoError(t, err)

	_, err = lim.Acquire(context.Background(), "client-1", 0)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestTokenBucket_Remaining(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 10)
	require.NoError(t, err)

	ctx := context.Background()

	remaining, ok := lim.Remaining(ctx, "client-1")
	require.True(t, ok)
	assert.Equal(t, int64(10), remaining)

	lim.Acquire(ctx, "client-1", 4)

	remaining, ok = lim.Remaining(ctx, "client-1")
	require.True(t, ok)
	assert.LessOrEqual(t, remaining, int64(7))
	assert.GreaterOrEqual(t, remaining, int64(6))
}

func TestTokenBucket_Reset(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 5)
	require.NoError(t, err)

	ctx := context.Background()

	lim.Acquire(ctx, "client-1", 5)
	allowed, _ := lim.Acquire(ctx, "client-1", 1)
	require.False(t, allowed)

	require.NoError(t, lim.Reset(ctx, "client-1"))

	// A reset scope starts with a full bucket again.
	allowed, err = lim.Acquire(ctx, "client-1", 5)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucket_RedisBacked(t *testing.T) {
	_, store := setupMiniRedis(t)

	lim, err := NewTokenBucketLimiter(60, time.Minute, 5, WithStore(store))
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := lim.Acquire(ctx, "client-1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i+1)
	}

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTokenBucket_StoreFallback(t *testing.T) {
	mr, store := setupMiniRedis(t)

	lim, err := NewTokenBucketLimiter(60, time.Minute, 5, WithStore(store))
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	mr.Close()

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "memory path takes over after a store failure")
}

func TestTokenBucket_InvalidConfig(t *testing.T) {
	_, err := NewTokenBucketLimiter(0, time.Minute, 10)
	assert.Error(t, err)

	_, err = NewTokenBucketLimiter(60, 0, 10)
	assert.Error(t, err)
}
