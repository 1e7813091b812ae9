package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlidingWindowLimiter tracks the timestamps of admitted requests per
// scope. Entries older than now-window are pruned before every read or
// write, giving exact rolling-window semantics at O(window size)
// memory per scope.
type SlidingWindowLimiter struct {
	baseLimiter

	maxRequests int64
	window      time.Duration

	scopes map[string][]time.Time // guarded by baseLimiter.mu
}

// NewSlidingWindowLimiter creates a sliding-window limiter admitting
// maxRequests per rolling window.
func NewSlidingWindowLimiter(maxRequests int64, window time.Duration, opts ...Option) (*SlidingWindowLimiter, error) {
	if maxRequests <= 0 {
		return nil, &ValidationError{Field: "max_requests", Message: "must be > 0"}
	}
	if window <= 0 {
		return nil, &ValidationError{Field: "window", Message: "must be > 0"}
	}

	l := &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		scopes:      make(map[string][]time.Time),
	}
	initBaseLimiter(&l.baseLimiter, AlgorithmSlidingWindow, opts)
	return l, nil
}

func (l *SlidingWindowLimiter) Acquire(ctx context.Context, scope string, weight int64) (bool, error) {
	if err := checkWeight(weight); err != nil {
		return false, err
	}
	if allowed, done := l.gate(scope, weight, l.maxRequests); done {
		return allowed, nil
	}

	allowed, _ := l.acquireWithLimit(ctx, scope, weight, l.maxRequests)
	return allowed, nil
}

// acquireWithLimit runs the admission check against an explicit
// ceiling. The adaptive wrapper substitutes its per-scope effective
// ceiling here. Returns the decision and the capacity remaining after
// it.
func (l *SlidingWindowLimiter) acquireWithLimit(ctx context.Context, scope string, weight, limit int64) (bool, int64) {
	if l.store != nil {
		allowed, remaining, err := l.acquireStore(ctx, scope, weight, limit)
		if err == nil {
			return allowed, remaining
		}
		l.fallback(scope, err)
	}
	return l.acquireMemory(scope, weight, limit)
}

func (l *SlidingWindowLimiter) acquireStore(ctx context.Context, scope string, weight, limit int64) (bool, int64, error) {
	now := time.Now()
	key := l.zsetKey(scope)

	windowStart := now.Add(-l.window)
	minScore := float64(windowStart.UnixNano())
	if err := l.store.ZRemRangeByScore(ctx, key, 0, minScore-1); err != nil {
		return false, 0, fmt.Errorf("prune window failed: %w", err)
	}

	count, err := l.store.ZCount(ctx, key, minScore, float64(now.UnixNano()))
	if err != nil {
		return false, 0, fmt.Errorf("count window failed: %w", err)
	}

	if count+weight > limit {
		return false, clampNonNegative(limit - count), nil
	}

	for i := int64(0); i < weight; i++ {
		score := float64(now.Add(time.Duration(i) * time.Nanosecond).UnixNano())
		// UUID members keep same-nanosecond entries distinct.
		if err := l.store.ZAdd(ctx, key, score, uuid.New().String()); err != nil {
			return false, 0, fmt.Errorf("record request failed: %w", err)
		}
	}
	if err := l.store.Expire(ctx, key, l.window+time.Second); err != nil {
		return false, 0, fmt.Errorf("expire window failed: %w", err)
	}

	return true, clampNonNegative(limit - count - weight), nil
}

func (l *SlidingWindowLimiter) acquireMemory(scope string, weight, limit int64) (bool, int64) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := pruneTimestamps(l.scopes[scope], now.Add(-l.window))

	count := int64(len(ts))
	if count+weight > limit {
		l.storeOrDropLocked(scope, ts)
		return false, clampNonNegative(limit - count)
	}

	for i := int64(0); i < weight; i++ {
		ts = append(ts, now)
	}
	l.scopes[scope] = ts
	return true, clampNonNegative(limit - count - weight)
}

// storeOrDropLocked writes back a pruned slice, releasing the map
// entry entirely once a scope goes idle.
func (l *SlidingWindowLimiter) storeOrDropLocked(scope string, ts []time.Time) {
	if len(ts) == 0 {
		delete(l.scopes, scope)
		return
	}
	l.scopes[scope] = ts
}

func (l *SlidingWindowLimiter) WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}
	return waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, weight)
	})
}

func (l *SlidingWindowLimiter) Remaining(ctx context.Context, scope string) (int64, bool) {
	return l.remainingWithLimit(ctx, scope, l.maxRequests), true
}

func (l *SlidingWindowLimiter) remainingWithLimit(ctx context.Context, scope string, limit int64) int64 {
	now := time.Now()

	if l.store != nil {
		key := l.zsetKey(scope)
		minScore := float64(now.Add(-l.window).UnixNano())
		count, err := l.store.ZCount(ctx, key, minScore, float64(now.UnixNano()))
		if err == nil {
			return clampNonNegative(limit - count)
		}
		l.fallback(scope, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := pruneTimestamps(l.scopes[scope], now.Add(-l.window))
	l.storeOrDropLocked(scope, ts)
	return clampNonNegative(limit - int64(len(ts)))
}

func (l *SlidingWindowLimiter) Reset(ctx context.Context, scope string) error {
	l.mu.Lock()
	delete(l.scopes, scope)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Del(ctx, l.zsetKey(scope)); err != nil {
			l.fallback(scope, err)
		}
	}
	return nil
}

func (l *SlidingWindowLimiter) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	l.scopes = make(map[string][]time.Time)
	l.ring.reset()
	l.mu.Unlock()
	return nil
}

func (l *SlidingWindowLimiter) zsetKey(scope string) string {
	return l.storeKey(fmt.Sprintf("sliding:%s", scope))
}

// pruneTimestamps drops entries before cutoff. The slice is
// oldest-first, so the survivors are a suffix.
func pruneTimestamps(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
