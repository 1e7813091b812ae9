package limiter

import (
	"context"
	"fmt"
	"time"
)

// TokenBucketLimiter refills each scope's bucket continuously at the
// sustained rate and allows bursts up to the bucket size. The right
// model when short spikes are fine but the long-run rate must converge
// to the configured average.
type TokenBucketLimiter struct {
	baseLimiter

	rate  float64 // tokens per second
	burst float64 // bucket capacity

	buckets map[string]*tokenBucket // guarded by baseLimiter.mu
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucketLimiter creates a token-bucket limiter sustaining
// maxRequests per window. burst is the bucket size; when non-positive
// it defaults to twice the sustained amount.
func NewTokenBucketLimiter(maxRequests int64, window time.Duration, burst int64, opts ...Option) (*TokenBucketLimiter, error) {
	if maxRequests <= 0 {
		return nil, &ValidationError{Field: "max_requests", Message: "must be > 0"}
	}
	if window <= 0 {
		return nil, &ValidationError{Field: "window", Message: "must be > 0"}
	}
	if burst <= 0 {
		burst = 2 * maxRequests
	}

	l := &TokenBucketLimiter{
		rate:    float64(maxRequests) / window.Seconds(),
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
	}
	initBaseLimiter(&l.baseLimiter, AlgorithmTokenBucket, opts)
	return l, nil
}

func (l *TokenBucketLimiter) Acquire(ctx context.Context, scope string, weight int64) (bool, error) {
	if err := checkWeight(weight); err != nil {
		return false, err
	}
	if allowed, done := l.gate(scope, weight, int64(l.burst)); done {
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

// acquireStore keeps the token count and last-refill instant in two
// store keys. The read-modify-write is not atomic across processes;
// the brief over-admission window that permits is an accepted soft
// bound for this algorithm.
func (l *TokenBucketLimiter) acquireStore(ctx context.Context, scope string, weight int64) (bool, error) {
	now := time.Now()
	tokensKey := l.tokensKey(scope)
	lastKey := l.lastRefillKey(scope)

	tokens, err := l.store.GetFloat64(ctx, tokensKey)
	if err != nil && err != ErrKeyNotFound {
		return false, fmt.Errorf("get tokens failed: %w", err)
	}
	lastSec, lerr := l.store.GetFloat64(ctx, lastKey)
	if lerr != nil && lerr != ErrKeyNotFound {
		return false, fmt.Errorf("get last refill failed: %w", lerr)
	}

	if err == ErrKeyNotFound || lerr == ErrKeyNotFound {
		// First touch for this scope: seed a full bucket.
		tokens = l.burst
	} else {
		elapsed := nowSeconds(now) - lastSec
		if elapsed > 0 {
			tokens += elapsed * l.rate
		}
		if tokens > l.burst {
			tokens = l.burst
		}
	}

	allowed := tokens >= float64(weight)
	if allowed {
		tokens -= float64(weight)
	}

	ttl := l.idleTTL()
	if err := l.store.SetFloat64(ctx, tokensKey, tokens, ttl); err != nil {
		return false, fmt.Errorf("set tokens failed: %w", err)
	}
	if err := l.store.SetFloat64(ctx, lastKey, nowSeconds(now), ttl); err != nil {
		return false, fmt.Errorf("set last refill failed: %w", err)
	}

	return allowed, nil
}

func (l *TokenBucketLimiter) acquireMemory(scope string, weight int64) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[scope]
	if b == nil {
		b = &tokenBucket{tokens: l.burst, last: now}
		l.buckets[scope] = b
	} else {
		l.refillLocked(b, now)
	}

	if b.tokens < float64(weight) {
		return false
	}
	b.tokens -= float64(weight)
	return true
}

// refillLocked advances a bucket to now, clamped to the burst size.
// Caller must hold mu.
func (l *TokenBucketLimiter) refillLocked(b *tokenBucket, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}
}

func (l *TokenBucketLimiter) WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}
	return waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, weight)
	})
}

func (l *TokenBucketLimiter) Remaining(ctx context.Context, scope string) (int64, bool) {
	if l.store != nil {
		tokens, err := l.store.GetFloat64(ctx, l.tokensKey(scope))
		if err == nil {
			lastSec, lerr := l.store.GetFloat64(ctx, l.lastRefillKey(scope))
			if lerr == nil {
				tokens += (nowSeconds(time.Now()) - lastSec) * l.rate
				if tokens > l.burst {
					tokens = l.burst
				}
			}
			return int64(tokens), true
		}
		if err == ErrKeyNotFound {
			return int64(l.burst), true
		}
		l.fallback(scope, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[scope]
	if b == nil {
		return int64(l.burst), true
	}
	l.refillLocked(b, time.Now())
	return int64(b.tokens), true
}

func (l *TokenBucketLimiter) Reset(ctx context.Context, scope string) error {
	l.mu.Lock()
	delete(l.buckets, scope)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Del(ctx, l.tokensKey(scope), l.lastRefillKey(scope)); err != nil {
			l.fallback(scope, err)
		}
	}
	return nil
}

func (l *TokenBucketLimiter) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	l.buckets = make(map[string]*tokenBucket)
	l.ring.reset()
	l.mu.Unlock()
	return nil
}

// idleTTL is how long scope state survives without traffic: twice the
// time an empty bucket takes to refill completely.
func (l *TokenBucketLimiter) idleTTL() time.Duration {
	return time.Duration(2 * l.burst / l.rate * float64(time.Second))
}

func (l *TokenBucketLimiter) tokensKey(scope string) string {
	return l.storeKey(fmt.Sprintf("token:%s:tokens", scope))
}

func (l *TokenBucketLimiter) lastRefillKey(scope string) string {
	return l.storeKey(fmt.Sprintf("token:%s:last_refill", scope))
}

func nowSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
