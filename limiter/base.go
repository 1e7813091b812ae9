package limiter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultViolationCapacity = 1000

	// WaitIfNeeded backoff bounds.
	waitBackoffInitial = 10 * time.Millisecond
	waitBackoffMax     = 200 * time.Millisecond
)

// baseLimiter carries the behavior shared by every algorithm: the
// instance mutex, allow/deny sets, the bounded violation ring, remote
// store fallback and the wait loop.
//
// The embedding limiter's in-memory scope table is guarded by mu as
// well: one mutex per limiter instance, all critical sections O(1) or
// O(window size), never I/O-bound.
type baseLimiter struct {
	algorithm AlgorithmType

	mu        sync.Mutex
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	ring      *violationRing

	store     Store // optional remote store; nil = memory only
	keyPrefix string
	logger    *zap.Logger
	bus       EventBus
}

func initBaseLimiter(b *baseLimiter, algorithm AlgorithmType, opts []Option) {
	b.algorithm = algorithm
	b.whitelist = make(map[string]struct{})
	b.blacklist = make(map[string]struct{})
	b.logger = zap.NewNop()
	cfg := applyOptions(opts)
	b.store = cfg.store
	b.keyPrefix = cfg.keyPrefix
	b.bus = cfg.bus
	if cfg.logger != nil {
		b.logger = cfg.logger
	}
	b.ring = newViolationRing(cfg.violationCapacity)
}

// Option configures a limiter instance.
type Option func(*options)

type options struct {
	store             Store
	keyPrefix         string
	logger            *zap.Logger
	bus               EventBus
	violationCapacity int
}

func applyOptions(opts []Option) options {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithStore attaches a remote backing store. The limiter tries it
// first on every call and falls back to memory on store errors.
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithKeyPrefix namespaces the limiter's store keys, so multiple
// limiters can share one store without colliding on scope values.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithLogger sets the limiter's logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventBus attaches an event bus for decision/violation/fallback
// events.
func WithEventBus(bus EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithViolationCapacity sets the violation ring size (default 1000).
func WithViolationCapacity(capacity int) Option {
	return func(o *options) { o.violationCapacity = capacity }
}

func (b *baseLimiter) Algorithm() AlgorithmType {
	return b.algorithm
}

func (b *baseLimiter) AddToWhitelist(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.whitelist[scope] = struct{}{}
}

func (b *baseLimiter) RemoveFromWhitelist(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.whitelist, scope)
}

func (b *baseLimiter) AddToBlacklist(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blacklist[scope] = struct{}{}
}

func (b *baseLimiter) RemoveFromBlacklist(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blacklist, scope)
}

func (b *baseLimiter) InWhitelist(scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.whitelist[scope]
	return ok
}

func (b *baseLimiter) InBlacklist(scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blacklist[scope]
	return ok
}

func (b *baseLimiter) RecordViolation(scope string, kind ViolationKind, requests, limit int64, metadata map[string]string) Violation {
	v := newViolation(scope, kind, requests, limit, metadata)

	b.mu.Lock()
	b.ring.push(v)
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(&ViolationEvent{
			BaseEvent: NewBaseEvent(EventViolation, scope),
			Violation: v,
		})
	}
	return v
}

func (b *baseLimiter) Violations(filter ViolationFilter) []Violation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.snapshot(filter)
}

// gate applies the list short-circuits shared by every Acquire:
// blacklist first (deny, abuse_pattern violation), then whitelist
// (admit, no side effects). done is false when neither list matched.
func (b *baseLimiter) gate(scope string, weight, limit int64) (allowed, done bool) {
	b.mu.Lock()
	_, denied := b.blacklist[scope]
	_, listed := b.whitelist[scope]
	b.mu.Unlock()

	if denied {
		b.RecordViolation(scope, ViolationAbusePattern, weight, limit, nil)
		return false, true
	}
	if listed {
		return true, true
	}
	return false, false
}

// checkWeight rejects invalid weights before any state mutation.
func checkWeight(weight int64) error {
	if weight <= 0 {
		return ErrInvalidWeight
	}
	return nil
}

// fallback logs a store failure and announces the degradation. The
// remote store is best effort: the caller proceeds on the memory path.
func (b *baseLimiter) fallback(scope string, err error) {
	b.logger.Warn("rate limiter store unavailable, falling back to memory",
		zap.String("algorithm", string(b.algorithm)),
		zap.String("scope", scope),
		zap.Error(err))

	if b.bus != nil {
		b.bus.Publish(&FallbackEvent{
			BaseEvent: NewBaseEvent(EventFallback, scope),
			Reason:    err.Error(),
		})
	}
}

// storeKey namespaces a limiter-local key for the shared store.
func (b *baseLimiter) storeKey(key string) string {
	return b.keyPrefix + key
}

// waitIfNeeded polls acquire with bounded exponential backoff until it
// succeeds, maxWait elapses or ctx is cancelled. The deadline is
// checked before every retry, so an elapsed maxWait surfaces
// ErrWaitTimeout even if the next attempt would have succeeded.
func waitIfNeeded(ctx context.Context, maxWait time.Duration, acquire func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(maxWait)
	backoff := waitBackoffInitial

	for {
		ok, err := acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitTimeout
		}

		wait := backoff
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		if backoff < waitBackoffMax {
			backoff *= 2
		}
	}
}
