package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindow_Allow(t *testing.T) {
	lim, err := NewFixedWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := lim.Acquire(ctx, "client-1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i+1)
	}

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "request 6 should be denied")
}

func TestFixedWindow_ScopesAreIndependent(t *testing.T) {
	lim, err := NewFixedWindowLimiter(2, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := lim.Acquire(ctx, "a", 1)
		require.True(t, allowed)
	}
	allowed, _ := lim.Acquire(ctx, "a", 1)
	assert.False(t, allowed)

	// A fresh scope has its own counter.
	allowed, err = lim.Acquire(ctx, "b", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFixedWindow_Weight(t *testing.T) {
	lim, err := NewFixedWindowLimiter(10, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 7)
	require.NoError(t, err)
	assert.True(t, allowed)

	// 7 consumed, 4 would overshoot.
	allowed, err = lim.Acquire(ctx, "client-1", 4)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A denial must not consume capacity.
	allowed, err = lim.Acquire(ctx, "client-1", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFixedWindow_InvalidWeight(t *testing.T) {
	lim, err := NewFixedWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = lim.Acquire(ctx, "client-1", 0)
	assert.ErrorIs(t, err, ErrInvalidWeight)

	_, err = lim.Acquire(ctx, "client-1", -3)
	assert.ErrorIs(t, err, ErrInvalidWeight)

	err = lim.WaitIfNeeded(ctx, "client-1", 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestFixedWindow_WindowRollover(t *testing.T) {
	lim, err := NewFixedWindowLimiter(2, time.Second)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := lim.Acquire(ctx, "client-1", 1)
		require.True(t, allowed)
	}
	allowed, _ := lim.Acquire(ctx, "client-1", 1)
	require.False(t, allowed)

	// Sleep past the next aligned boundary.
	time.Sleep(time.Until(lim.ResetTime()) + 50*time.Millisecond)

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "new window should start empty")
}

func TestFixedWindow_Remaining(t *testing.T) {
	lim, err := NewFixedWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	remaining, ok := lim.Remaining(ctx, "client-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), remaining)

	_, err = lim.Acquire(ctx, "client-1", 3)
	require.NoError(t, err)

	remaining, ok = lim.Remaining(ctx, "client-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), remaining)
}

func TestFixedWindow_ResetTimeAligned(t *testing.T) {
	lim, err := NewFixedWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	reset := lim.ResetTime()

	assert.True(t, reset.After(time.Now()))
	assert.Zero(t, reset.Unix()%60, "reset must land on a window boundary")
}

func TestFixedWindow_Reset(t *testing.T) {
	lim, err := NewFixedWindowLimiter(2, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lim.Acquire(ctx, "client-1", 1)
	}
	allowed, _ := lim.Acquire(ctx, "client-1", 1)
	require.False(t, allowed)

	require.NoError(t, lim.Reset(ctx, "client-1"))

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFixedWindow_InvalidConfig(t *testing.T) {
	_, err := NewFixedWindowLimiter(0, time.Minute)
	assert.Error(t, err)

	_, err = NewFixedWindowLimiter(5, 500*time.Millisecond)
	assert.Error(t, err, "sub-second windows are rejected")

	_, err = NewFixedWindowLimiter(5, 1500*time.Millisecond)
	assert.Error(t, err, "fractional-second windows are rejected")
}

func TestFixedWindow_RedisBacked(t *testing.T) {
	_, store := setupMiniRedis(t)

	lim, err := NewFixedWindowLimiter(3, time.Minute, WithStore(store))
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := lim.Acquire(ctx, "client-1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i+1)
	}

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, ok := lim.Remaining(ctx, "client-1")
	require.True(t, ok)
	assert.Equal(t, int64(0), remaining)
}

func TestFixedWindow_SharedStoreAcrossInstances(t *testing.T) {
	_, store := setupMiniRedis(t)

	ctx := context.Background()

	// Two limiter instances over one store act as one logical limit.
	lim1, err := NewFixedWindowLimiter(2, time.Minute, WithStore(store))
	require.NoError(t, err)
	lim2, err := NewFixedWindowLimiter(2, time.Minute, WithStore(store))
	require.NoError(t, err)

	allowed, _ := lim1.Acquire(ctx, "client-1", 1)
	require.True(t, allowed)
	allowed, _ = lim2.Acquire(ctx, "client-1", 1)
	require.True(t, allowed)

	allowed, err = lim1.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestFixedWindow_StoreFallback(t *testing.T) {
	mr, store := setupMiniRedis(t)

	lim, err := NewFixedWindowLimiter(2, time.Minute, WithStore(store))
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	// Kill the backend; calls must degrade to the memory path, never
	// surface a store error.
	mr.Close()

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	allowed2, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed && allowed2, "memory path must still enforce the limit")
}
