package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// leakyBucketScript performs the leak-check-admit transition server
// side. This is the one algorithm whose correctness needs atomic
// multi-step arithmetic: concurrent callers on different processes
// would otherwise race between reading the level and writing it back.
//
// KEYS[1] = bucket hash; ARGV = capacity, leak rate (units/sec),
// now (float seconds), weight, ttl (ms).
// Returns {allowed, level-as-string}.
const leakyBucketScript = `
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local weight = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call('HMGET', KEYS[1], 'level', 'last_leak')
local level = tonumber(data[1]) or 0
local last = tonumber(data[2]) or now

local elapsed = now - last
if elapsed > 0 then
  level = level - elapsed * leak_rate
  if level < 0 then
    level = 0
  end
end

local allowed = 0
if level + weight <= capacity then
  level = level + weight
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'level', tostring(level), 'last_leak', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl_ms)

return {allowed, tostring(level)}
`

// leakyBucketLevelScript reads the current level with the pending leak
// applied, without admitting anything or touching the stored state.
//
// KEYS[1] = bucket hash; ARGV = leak rate (units/sec), now (float
// seconds). Returns the level as a string.
const leakyBucketLevelScript = `
local leak_rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local data = redis.call('HMGET', KEYS[1], 'level', 'last_leak')
local level = tonumber(data[1]) or 0
local last = tonumber(data[2]) or now

local elapsed = now - last
if elapsed > 0 then
  level = level - elapsed * leak_rate
  if level < 0 then
    level = 0
  end
end

return tostring(level)
`

// LeakyBucketLimiter drains each scope's level at a constant rate and
// admits a request only while level+weight fits under the capacity.
// Output rate is therefore smooth regardless of input burstiness.
type LeakyBucketLimiter struct {
	baseLimiter

	capacity float64
	leakRate float64 // capacity units per second

	buckets map[string]*leakyBucket // guarded by baseLimiter.mu
}

type leakyBucket struct {
	level float64
	last  time.Time
}

// NewLeakyBucketLimiter creates a leaky-bucket limiter holding up to
// capacity units, draining completely over the given window.
func NewLeakyBucketLimiter(capacity int64, window time.Duration, opts ...Option) (*LeakyBucketLimiter, error) {
	if capacity <= 0 {
		return nil, &ValidationError{Field: "capacity", Message: "must be > 0"}
	}
	if window <= 0 {
		return nil, &ValidationError{Field: "window", Message: "must be > 0"}
	}

	l := &LeakyBucketLimiter{
		capacity: float64(capacity),
		leakRate: float64(capacity) / window.Seconds(),
		buckets:  make(map[string]*leakyBucket),
	}
	initBaseLimiter(&l.baseLimiter, AlgorithmLeakyBucket, opts)
	return l, nil
}

func (l *LeakyBucketLimiter) Acquire(ctx context.Context, scope string, weight int64) (bool, error) {
	if err := checkWeight(weight); err != nil {
		return false, err
	}
	if allowed, done := l.gate(scope, weight, int64(l.capacity)); done {
		return allowed, nil
	}

	if l.store != nil {
		allowed, err := l.acquireStore(ctx, scope, weight)
		switch {
		case err == nil:
			return allowed, nil
		case err == ErrStoreNotSupported:
			// Non-scripting store; the memory path is the normal path,
			// not a degradation.
		default:
			l.fallback(scope, err)
		}
	}

	return l.acquireMemory(scope, weight), nil
}

// acquireStore runs the whole leak-check-admit sequence as one
// server-side script. The memory path relies on the instance mutex for
// the same atomicity.
func (l *LeakyBucketLimiter) acquireStore(ctx context.Context, scope string, weight int64) (bool, error) {
	now := time.Now()
	ttlMs := int64((l.idleTTL()) / time.Millisecond)

	result, err := l.store.Eval(ctx, leakyBucketScript,
		[]string{l.bucketKey(scope)},
		l.capacity, l.leakRate, nowSeconds(now), weight, ttlMs)
	if err != nil {
		return false, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 1 {
		return false, fmt.Errorf("unexpected script reply %T", result)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script reply member %T", values[0])
	}
	return allowed == 1, nil
}

func (l *LeakyBucketLimiter) acquireMemory(scope string, weight int64) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[scope]
	if b == nil {
		b = &leakyBucket{last: now}
		l.buckets[scope] = b
	} else {
		l.leakLocked(b, now)
	}

	if b.level+float64(weight) > l.capacity {
		return false
	}
	b.level += float64(weight)
	return true
}

// leakLocked drains a bucket to now, floored at zero. Caller must
// hold mu.
func (l *LeakyBucketLimiter) leakLocked(b *leakyBucket, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.level -= elapsed * l.leakRate
		if b.level < 0 {
			b.level = 0
		}
		b.last = now
	}
}

func (l *LeakyBucketLimiter) WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}
	return waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, weight)
	})
}

func (l *LeakyBucketLimiter) Remaining(ctx context.Context, scope string) (int64, bool) {
	if l.store != nil {
		rem, err := l.remainingStore(ctx, scope)
		switch {
		case err == nil:
			return rem, true
		case err == ErrStoreNotSupported:
		default:
			l.fallback(scope, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[scope]
	if b == nil {
		return int64(l.capacity), true
	}
	l.leakLocked(b, time.Now())
	return int64(l.capacity - b.level), true
}

// remainingStore reads the store-held level through the read-only
// script, so the value matches what acquireStore would see.
func (l *LeakyBucketLimiter) remainingStore(ctx context.Context, scope string) (int64, error) {
	result, err := l.store.Eval(ctx, leakyBucketLevelScript,
		[]string{l.bucketKey(scope)},
		l.leakRate, nowSeconds(time.Now()))
	if err != nil {
		return 0, err
	}

	raw, ok := result.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected script reply %T", result)
	}
	level, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse bucket level %q: %w", raw, err)
	}
	if level > l.capacity {
		level = l.capacity
	}
	return int64(l.capacity - level), nil
}

func (l *LeakyBucketLimiter) Reset(ctx context.Context, scope string) error {
	l.mu.Lock()
	delete(l.buckets, scope)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Del(ctx, l.bucketKey(scope)); err != nil {
			l.fallback(scope, err)
		}
	}
	return nil
}

func (l *LeakyBucketLimiter) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	l.buckets = make(map[string]*leakyBucket)
	l.ring.reset()
	l.mu.Unlock()
	return nil
}

// idleTTL is how long scope state survives without traffic: twice the
// time a full bucket takes to drain.
func (l *LeakyBucketLimiter) idleTTL() time.Duration {
	return time.Duration(2 * l.capacity / l.leakRate * float64(time.Second))
}

func (l *LeakyBucketLimiter) bucketKey(scope string) string {
	return l.storeKey(fmt.Sprintf("leaky:%s", scope))
}
