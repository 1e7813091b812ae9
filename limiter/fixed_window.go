package limiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FixedWindowLimiter counts requests in time buckets aligned to
// floor(now/window)*window. A window boundary can admit up to twice
// the configured maximum in a short span; that artifact is accepted in
// exchange for O(1) state per scope.
type FixedWindowLimiter struct {
	baseLimiter

	maxRequests int64
	window      time.Duration

	windows map[string]*fixedWindow // guarded by baseLimiter.mu
}

type fixedWindow struct {
	start int64 // aligned window start, unix seconds
	count int64
}

// NewFixedWindowLimiter creates a fixed-window limiter admitting
// maxRequests per window. The window must be a positive whole number
// of seconds.
func NewFixedWindowLimiter(maxRequests int64, window time.Duration, opts ...Option) (*FixedWindowLimiter, error) {
	if maxRequests <= 0 {
		return nil, &ValidationError{Field: "max_requests", Message: "must be > 0"}
	}
	if window < time.Second || window%time.Second != 0 {
		return nil, &ValidationError{Field: "window", Message: "must be a positive whole number of seconds"}
	}

	l := &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		windows:     make(map[string]*fixedWindow),
	}
	initBaseLimiter(&l.baseLimiter, AlgorithmFixedWindow, opts)
	return l, nil
}

func (l *FixedWindowLimiter) Acquire(ctx context.Context, scope string, weight int64) (bool, error) {
	if err := checkWeight(weight); err != nil {
		return false, err
	}
	if allowed, done := l.gate(scope, weight, l.maxRequests); done {
		return allowed, nil
	}

	if l.store != nil {
		allowed, err := l.acquireStore(ctx, scope, weight)
		if err == nil {
			return allowed, nil
		}
		l.fallback(scope, err)
	}

	return l.acquireMemory(scope, weight), nil
}

// acquireStore increments the per-window counter via a single
// INCRBY+EXPIRE pipeline and issues a compensating decrement when the
// post-increment count overshoots. Under heavy contention the
// compensation briefly over-admits; that soft bound is part of the
// design.
func (l *FixedWindowLimiter) acquireStore(ctx context.Context, scope string, weight int64) (bool, error) {
	key := l.windowStoreKey(scope, l.windowStart(time.Now()))

	count, err := l.store.IncrByEx(ctx, key, weight, l.window+time.Second)
	if err != nil {
		return false, err
	}
	if count > l.maxRequests {
		if _, derr := l.store.DecrBy(ctx, key, weight); derr != nil {
			l.logger.Warn("fixed window rollback failed", zap.String("scope", scope), zap.Error(derr))
		}
		return false, nil
	}
	return true, nil
}

func (l *FixedWindowLimiter) acquireMemory(scope string, weight int64) bool {
	now := time.Now()
	start := l.windowStart(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[scope]
	if w == nil || w.start != start {
		w = &fixedWindow{start: start}
		l.windows[scope] = w
		l.sweepLocked(start)
	}

	if w.count+weight > l.maxRequests {
		return false
	}
	w.count += weight
	return true
}

func (l *FixedWindowLimiter) WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}
	return waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, weight)
	})
}

func (l *FixedWindowLimiter) Remaining(ctx context.Context, scope string) (int64, bool) {
	start := l.windowStart(time.Now())

	if l.store != nil {
		count, err := l.store.GetInt64(ctx, l.windowStoreKey(scope, start))
		if err == nil {
			return clampNonNegative(l.maxRequests - count), true
		}
		if err == ErrKeyNotFound {
			return l.maxRequests, true
		}
		l.fallback(scope, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[scope]
	if w == nil || w.start != start {
		return l.maxRequests, true
	}
	return clampNonNegative(l.maxRequests - w.count), true
}

// ResetTime returns the instant the current window ends and every
// scope's counter returns to zero. Windows align to the wall clock,
// so the boundary is shared by all scopes.
func (l *FixedWindowLimiter) ResetTime() time.Time {
	return time.Unix(l.windowStart(time.Now()), 0).Add(l.window)
}

func (l *FixedWindowLimiter) Reset(ctx context.Context, scope string) error {
	l.mu.Lock()
	delete(l.windows, scope)
	l.mu.Unlock()

	if l.store != nil {
		key := l.windowStoreKey(scope, l.windowStart(time.Now()))
		if err := l.store.Del(ctx, key); err != nil {
			l.fallback(scope, err)
		}
	}
	return nil
}

func (l *FixedWindowLimiter) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	l.windows = make(map[string]*fixedWindow)
	l.ring.reset()
	l.mu.Unlock()
	return nil
}

// windowStart aligns t to the window grid, in unix seconds.
func (l *FixedWindowLimiter) windowStart(t time.Time) int64 {
	ws := int64(l.window / time.Second)
	return t.Unix() / ws * ws
}

func (l *FixedWindowLimiter) windowStoreKey(scope string, start int64) string {
	return l.storeKey(fmt.Sprintf("fixed:%s:%d", scope, start))
}

// sweepLocked drops windows that ended before the current one. Caller
// must hold mu.
func (l *FixedWindowLimiter) sweepLocked(currentStart int64) {
	for scope, w := range l.windows {
		if w.start < currentStart {
			delete(l.windows, scope)
		}
	}
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
