package limiter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine applies named policies to named scopes. It owns the policy
// registry, instantiates the right limiter per policy, applies
// allow/deny-list and enabled short-circuits and aggregates
// statistics.
//
// Construct one Engine at process start and pass it to whatever owns
// admission decisions; there is no package-level instance.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*policyEntry

	enabled bool
	store   Store
	logger  *zap.Logger
	bus     EventBus
	metrics *Metrics
	stats   *statsCollector

	violationCapacity int
}

type policyEntry struct {
	policy  Policy
	limiter RateLimiter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineStore attaches a shared remote store used by every policy
// limiter (each under its own key namespace).
func WithEngineStore(store Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithEngineLogger sets the engine logger (default nop).
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineEventBus attaches an event bus shared with the limiters.
func WithEngineEventBus(bus EventBus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineMetrics attaches an OpenTelemetry metrics provider.
func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithEngineViolationCapacity sets the violation ring size applied to
// every policy limiter.
func WithEngineViolationCapacity(capacity int) EngineOption {
	return func(e *Engine) { e.violationCapacity = capacity }
}

// WithEngineDisabled builds an engine that admits everything. Useful
// for environments where enforcement is configured off.
func WithEngineDisabled() EngineOption {
	return func(e *Engine) { e.enabled = false }
}

// NewEngine creates an empty policy engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		policies: make(map[string]*policyEntry),
		enabled:  true,
		logger:   zap.NewNop(),
		stats:    newStatsCollector(),
	}
	for _, opt := range opts {
		opt(e)
	}

	// Store fallbacks surface on the bus; mirror them into the
	// fallback counter when both are configured.
	if e.bus != nil && e.metrics != nil {
		e.bus.Subscribe(EventListenerFunc(func(ev Event) {
			if ev.Type() == EventFallback {
				e.metrics.RecordFallback(context.Background(), ev.Scope())
			}
		}))
	}
	return e
}

// AddLimit registers a policy and instantiates its limiter. The name
// must be unused.
func (e *Engine) AddLimit(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.applyDefaults()

	lim, err := e.buildLimiter(p)
	if err != nil {
		return err
	}
	for _, scope := range p.Whitelist {
		lim.AddToWhitelist(scope)
	}
	for _, scope := range p.Blacklist {
		lim.AddToBlacklist(scope)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[p.Name]; exists {
		return ErrPolicyExists
	}
	e.policies[p.Name] = &policyEntry{policy: p, limiter: lim}

	e.logger.Debug("rate limit policy registered",
		zap.String("policy", p.Name),
		zap.String("algorithm", string(p.Algorithm)),
		zap.String("scope_kind", string(p.Scope)),
		zap.Int64("max_requests", p.MaxRequests),
		zap.Duration("window", p.Window))

	return nil
}

// buildLimiter maps a policy onto a limiter instance. Every limiter
// gets the engine's store under a policy-specific key namespace, so
// policies sharing a scope value never collide.
func (e *Engine) buildLimiter(p Policy) (RateLimiter, error) {
	opts := []Option{
		WithLogger(e.logger),
		WithKeyPrefix(p.Name + ":"),
		WithViolationCapacity(e.violationCapacity),
	}
	if e.store != nil {
		opts = append(opts, WithStore(e.store))
	}
	if e.bus != nil {
		opts = append(opts, WithEventBus(e.bus))
	}

	switch p.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindowLimiter(p.MaxRequests, p.Window, opts...)
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(p.MaxRequests, p.Window, opts...)
	case AlgorithmTokenBucket:
		return NewTokenBucketLimiter(p.MaxRequests, p.Window, p.BurstAllowance, opts...)
	case AlgorithmLeakyBucket:
		return NewLeakyBucketLimiter(p.MaxRequests+p.BurstAllowance, p.Window, opts...)
	case AlgorithmAdaptive:
		return NewAdaptiveLimiter(p.MaxRequests, p.Window, p.Adaptive, opts...)
	default:
		return nil, &ValidationError{Policy: p.Name, Field: "algorithm", Message: "invalid algorithm type"}
	}
}

// Check resolves the named policy and runs the full admission
// sequence: blacklist, whitelist, enabled flag, then the limiter
// itself. An unregistered policy name admits with the UnknownPolicy
// diagnostic set: a typo in configuration must degrade enforcement,
// not availability.
func (e *Engine) Check(ctx context.Context, policyName, scope string, weight int64, metadata map[string]string) (*CheckResult, error) {
	if err := checkWeight(weight); err != nil {
		return nil, err
	}

	if !e.enabled {
		return &CheckResult{Allowed: true, LimitName: policyName}, nil
	}

	e.mu.RLock()
	entry, exists := e.policies[policyName]
	e.mu.RUnlock()

	if !exists {
		e.logger.Warn("unknown rate limit policy, failing open",
			zap.String("policy", policyName),
			zap.String("scope", scope))
		e.stats.recordAllowed()
		return &CheckResult{Allowed: true, LimitName: policyName, UnknownPolicy: true}, nil
	}

	p := entry.policy
	lim := entry.limiter
	now := time.Now()

	// Blacklist wins over whitelist: an explicit, documented
	// tie-break.
	if lim.InBlacklist(scope) {
		v := lim.RecordViolation(scope, ViolationAbusePattern, weight, p.MaxRequests, metadata)
		e.recordDenial(ctx, p, scope, ViolationAbusePattern, p.RecoveryTime)
		return &CheckResult{
			Allowed:    false,
			LimitName:  p.Name,
			ResetAt:    now.Add(p.RecoveryTime),
			RetryAfter: p.RecoveryTime,
			Violation:  &v,
		}, nil
	}

	if lim.InWhitelist(scope) {
		e.stats.recordAllowed()
		return &CheckResult{Allowed: true, LimitName: p.Name, Remaining: p.MaxRequests}, nil
	}

	if !p.Enabled {
		e.stats.recordAllowed()
		return &CheckResult{Allowed: true, LimitName: p.Name, Remaining: p.MaxRequests}, nil
	}

	allowed, err := lim.Acquire(ctx, scope, weight)
	if err != nil {
		return nil, err
	}

	if !allowed {
		v := lim.RecordViolation(scope, ViolationHardLimit, weight, p.MaxRequests, metadata)
		e.recordDenial(ctx, p, scope, ViolationHardLimit, p.Window)
		return &CheckResult{
			Allowed:    false,
			LimitName:  p.Name,
			ResetAt:    now.Add(p.Window),
			RetryAfter: p.Window,
			Violation:  &v,
		}, nil
	}

	remaining, _ := lim.Remaining(ctx, scope)
	e.stats.recordAllowed()
	if e.metrics != nil {
		e.metrics.RecordAllowed(ctx, p.Name, string(p.Algorithm))
	}
	if e.bus != nil {
		e.bus.Publish(&AllowedEvent{
			BaseEvent: NewBaseEvent(EventAllowed, scope),
			Policy:    p.Name,
			Remaining: remaining,
			Limit:     p.MaxRequests,
		})
	}

	return &CheckResult{
		Allowed:   true,
		LimitName: p.Name,
		Remaining: remaining,
		ResetAt:   now.Add(p.Window),
	}, nil
}

func (e *Engine) recordDenial(ctx context.Context, p Policy, scope string, kind ViolationKind, retryAfter time.Duration) {
	e.stats.recordViolation(kind)
	if e.metrics != nil {
		e.metrics.RecordRejected(ctx, p.Name, string(p.Algorithm), string(kind))
	}
	if e.bus != nil {
		e.bus.Publish(&RejectedEvent{
			BaseEvent:  NewBaseEvent(EventRejected, scope),
			Policy:     p.Name,
			RetryAfter: retryAfter,
			Reason:     string(kind),
		})
	}
}

// Allow is a convenience wrapper over Check for callers that only need
// the boolean.
func (e *Engine) Allow(ctx context.Context, policyName, scope string) (bool, error) {
	res, err := e.Check(ctx, policyName, scope, 1, nil)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Wait blocks until the named policy admits the scope or maxWait
// elapses. Unknown policies admit immediately, matching Check.
func (e *Engine) Wait(ctx context.Context, policyName, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}

	err := waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		res, cerr := e.Check(ctx, policyName, scope, weight, nil)
		if cerr != nil {
			return false, cerr
		}
		return res.Allowed, nil
	})
	if err == ErrWaitTimeout && e.bus != nil {
		e.bus.Publish(&WaitTimeoutEvent{
			BaseEvent: NewBaseEvent(EventWaitTimeout, scope),
			Policy:    policyName,
			Waited:    maxWait,
		})
	}
	return err
}

// Limiter exposes the limiter instance behind a policy, mainly for
// direct violation queries and resets.
func (e *Engine) Limiter(policyName string) (RateLimiter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, exists := e.policies[policyName]
	if !exists {
		return nil, ErrUnknownPolicy
	}
	return entry.limiter, nil
}

// AddToWhitelist adds scope to the policy's allow set.
func (e *Engine) AddToWhitelist(policyName, scope string) error {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return err
	}
	lim.AddToWhitelist(scope)
	return nil
}

// RemoveFromWhitelist removes scope from the policy's allow set.
func (e *Engine) RemoveFromWhitelist(policyName, scope string) error {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return err
	}
	lim.RemoveFromWhitelist(scope)
	return nil
}

// AddToBlacklist adds scope to the policy's deny set.
func (e *Engine) AddToBlacklist(policyName, scope string) error {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return err
	}
	lim.AddToBlacklist(scope)
	return nil
}

// RemoveFromBlacklist removes scope from the policy's deny set.
func (e *Engine) RemoveFromBlacklist(policyName, scope string) error {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return err
	}
	lim.RemoveFromBlacklist(scope)
	return nil
}

// GetViolations returns the named policy's recorded violations.
func (e *Engine) GetViolations(policyName string, filter ViolationFilter) ([]Violation, error) {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return nil, err
	}
	return lim.Violations(filter), nil
}

// GetPolicy returns a copy of the registered policy definition.
func (e *Engine) GetPolicy(policyName string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, exists := e.policies[policyName]
	if !exists {
		return Policy{}, ErrUnknownPolicy
	}
	return entry.policy, nil
}

// GetStatistics snapshots the process-wide counters.
func (e *Engine) GetStatistics() Statistics {
	e.mu.RLock()
	active := len(e.policies)
	e.mu.RUnlock()

	return e.stats.snapshot(active)
}

// Reset discards tracked state for one scope under one policy.
func (e *Engine) Reset(ctx context.Context, policyName, scope string) error {
	lim, err := e.Limiter(policyName)
	if err != nil {
		return err
	}
	return lim.Reset(ctx, scope)
}

// ResetAll discards all tracked state and statistics.
func (e *Engine) ResetAll(ctx context.Context) error {
	e.mu.RLock()
	limiters := make([]RateLimiter, 0, len(e.policies))
	for _, entry := range e.policies {
		limiters = append(limiters, entry.limiter)
	}
	e.mu.RUnlock()

	for _, lim := range limiters {
		if err := lim.ResetAll(ctx); err != nil {
			return err
		}
	}
	e.stats.reset()
	return nil
}

// IsEnabled reports whether enforcement is active.
func (e *Engine) IsEnabled() bool {
	return e.enabled
}

// EventBus returns the attached event bus, nil when none is
// configured.
func (e *Engine) EventBus() EventBus {
	return e.bus
}

// Close releases engine resources: the event bus and the store.
func (e *Engine) Close() error {
	if e.bus != nil {
		e.bus.Close()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Shutdown implements the shutdown hook shape used by DI containers.
func (e *Engine) Shutdown() error {
	return e.Close()
}
