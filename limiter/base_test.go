package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Whitelist(t *testing.T) {
	lim, err := NewFixedWindowLimiter(1, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	lim.AddToWhitelist("vip")
	assert.True(t, lim.InWhitelist("vip"))

	// A whitelisted scope bypasses the limit entirely.
	for i := 0; i < 20; i++ {
		allowed, err := lim.Acquire(ctx, "vip", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	// And records no violations.
	assert.Empty(t, lim.Violations(ViolationFilter{Scope: "vip"}))

	lim.RemoveFromWhitelist("vip")
	assert.False(t, lim.InWhitelist("vip"))
}

func TestLimiter_Blacklist(t *testing.T) {
	lim, err := NewFixedWindowLimiter(100, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	lim.AddToBlacklist("abuser")
	assert.True(t, lim.InBlacklist("abuser"))

	allowed, err := lim.Acquire(ctx, "abuser", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "blacklisted scope is always denied")

	violations := lim.Violations(ViolationFilter{Scope: "abuser"})
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationAbusePattern, violations[0].Kind)

	lim.RemoveFromBlacklist("abuser")
	allowed, err = lim.Acquire(ctx, "abuser", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiter_RecordViolation(t *testing.T) {
	lim, err := NewSlidingWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	v := lim.RecordViolation("client-1", ViolationHardLimit, 6, 5, map[string]string{"path": "/api"})

	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "client-1", v.Scope)
	assert.Equal(t, ViolationHardLimit, v.Kind)
	assert.Equal(t, int64(6), v.Requests)
	assert.Equal(t, int64(5), v.Limit)
	assert.Equal(t, "/api", v.Metadata["path"])
	assert.WithinDuration(t, time.Now(), v.Timestamp, time.Second)
}

func TestLimiter_ViolationFilter(t *testing.T) {
	lim, err := NewSlidingWindowLimiter(5, time.Minute)
	require.NoError(t, err)

	lim.RecordViolation("a", ViolationHardLimit, 1, 5, nil)
	lim.RecordViolation("a", ViolationSoftLimit, 1, 5, nil)
	lim.RecordViolation("b", ViolationHardLimit, 1, 5, nil)

	assert.Len(t, lim.Violations(ViolationFilter{}), 3)
	assert.Len(t, lim.Violations(ViolationFilter{Scope: "a"}), 2)
	assert.Len(t, lim.Violations(ViolationFilter{Kind: ViolationHardLimit}), 2)
	assert.Len(t, lim.Violations(ViolationFilter{Scope: "a", Kind: ViolationSoftLimit}), 1)
	assert.Empty(t, lim.Violations(ViolationFilter{Since: time.Now().Add(time.Hour)}))
}

func TestLimiter_ViolationRingEviction(t *testing.T) {
	lim, err := NewSlidingWindowLimiter(5, time.Minute, WithViolationCapacity(3))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		lim.RecordViolation("client-1", ViolationHardLimit, int64(i), 5, nil)
	}

	violations := lim.Violations(ViolationFilter{})
	require.Len(t, violations, 3, "ring keeps only the newest entries")

	// Oldest first, so the survivors are requests 2, 3, 4.
	assert.Equal(t, int64(2), violations[0].Requests)
	assert.Equal(t, int64(4), violations[2].Requests)
}

func TestLimiter_ViolationEventPublished(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	events := make(chan Event, 10)
	bus.Subscribe(EventListenerFunc(func(e Event) {
		events <- e
	}))

	lim, err := NewSlidingWindowLimiter(5, time.Minute, WithEventBus(bus))
	require.NoError(t, err)

	lim.RecordViolation("client-1", ViolationHardLimit, 6, 5, nil)

	select {
	case e := <-events:
		assert.Equal(t, EventViolation, e.Type())
		assert.Equal(t, "client-1", e.Scope())
	case <-time.After(time.Second):
		t.Fatal("expected a violation event")
	}
}

func TestWaitIfNeeded_ImmediateSuccess(t *testing.T) {
	lim, err := NewTokenBucketLimiter(60, time.Minute, 5)
	require.NoError(t, err)

	start := time.Now()
	err = lim.WaitIfNeeded(context.Background(), "client-1", 1, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitIfNeeded_SucceedsAfterRefill(t *testing.T) {
	// 10/sec and an empty bucket: a retry inside the deadline lands a
	// refilled token.
	lim, err := NewTokenBucketLimiter(10, time.Second, 2)
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 2)
	require.NoError(t, err)
	require.True(t, allowed)

	err = lim.WaitIfNeeded(ctx, "client-1", 1, time.Second)
	assert.NoError(t, err)
}

func TestWaitIfNeeded_Timeout(t *testing.T) {
	lim, err := NewFixedWindowLimiter(1, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	start := time.Now()
	err = lim.WaitIfNeeded(ctx, "client-1", 1, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitIfNeeded_ContextCancel(t *testing.T) {
	lim, err := NewFixedWindowLimiter(1, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	allowed, err := lim.Acquire(ctx, "client-1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = lim.WaitIfNeeded(ctx, "client-1", 1, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
