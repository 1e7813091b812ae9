package limiter

import (
	"context"
	"math"
	"time"
)

// AdaptiveConfig tunes the feedback loop of the adaptive limiter. Zero
// fields take the defaults below.
type AdaptiveConfig struct {
	// MinFactor / MaxFactor bound the per-scope ceiling multiplier.
	MinFactor float64
	MaxFactor float64

	// PenaltyThreshold: when remaining/effective drops below this, the
	// factor shrinks by PenaltyFactor.
	PenaltyThreshold float64
	PenaltyFactor    float64

	// RecoveryThreshold: when remaining/effective rises above this,
	// the factor grows by RecoveryFactor.
	RecoveryThreshold float64
	RecoveryFactor    float64
}

const (
	defaultMinFactor         = 0.1
	defaultMaxFactor         = 2.0
	defaultPenaltyThreshold  = 0.1
	defaultPenaltyFactor     = 0.8
	defaultRecoveryThreshold = 0.8
	defaultRecoveryFactor    = 1.05
)

func (c *AdaptiveConfig) applyDefaults() {
	if c.MinFactor <= 0 {
		c.MinFactor = defaultMinFactor
	}
	if c.MaxFactor <= 0 {
		c.MaxFactor = defaultMaxFactor
	}
	if c.PenaltyThreshold <= 0 {
		c.PenaltyThreshold = defaultPenaltyThreshold
	}
	if c.PenaltyFactor <= 0 {
		c.PenaltyFactor = defaultPenaltyFactor
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.RecoveryFactor <= 0 {
		c.RecoveryFactor = defaultRecoveryFactor
	}
}

func (c *AdaptiveConfig) validate() error {
	if c.MinFactor > c.MaxFactor {
		return &ValidationError{Field: "min_factor", Message: "must be <= max_factor"}
	}
	if c.PenaltyFactor >= 1 {
		return &ValidationError{Field: "penalty_factor", Message: "must be < 1"}
	}
	if c.RecoveryFactor <= 1 {
		return &ValidationError{Field: "recovery_factor", Message: "must be > 1"}
	}
	return nil
}

// AdaptiveLimiter wraps a sliding-window limiter and modulates its
// effective ceiling per scope. Scopes that repeatedly exhaust their
// quota are squeezed below the nominal limit and must earn their way
// back up; the penalty step is deliberately steeper than the recovery
// step so the loop biases toward caution.
type AdaptiveLimiter struct {
	baseLimiter

	maxRequests int64
	cfg         AdaptiveConfig

	inner   *SlidingWindowLimiter
	factors map[string]float64 // guarded by baseLimiter.mu
}

// NewAdaptiveLimiter creates an adaptive limiter with a nominal
// ceiling of maxRequests per rolling window.
func NewAdaptiveLimiter(maxRequests int64, window time.Duration, cfg AdaptiveConfig, opts ...Option) (*AdaptiveLimiter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inner, err := NewSlidingWindowLimiter(maxRequests, window, opts...)
	if err != nil {
		return nil, err
	}

	l := &AdaptiveLimiter{
		maxRequests: maxRequests,
		cfg:         cfg,
		inner:       inner,
		factors:     make(map[string]float64),
	}
	initBaseLimiter(&l.baseLimiter, AlgorithmAdaptive, opts)
	return l, nil
}

func (l *AdaptiveLimiter) Acquire(ctx context.Context, scope string, weight int64) (bool, error) {
	if err := checkWeight(weight); err != nil {
		return false, err
	}
	if allowed, done := l.gate(scope, weight, l.maxRequests); done {
		return allowed, nil
	}

	effective := l.effectiveLimit(scope)
	allowed, remaining := l.inner.acquireWithLimit(ctx, scope, weight, effective)
	l.adjustFactor(scope, remaining, effective)

	return allowed, nil
}

func (l *AdaptiveLimiter) WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error {
	if err := checkWeight(weight); err != nil {
		return err
	}
	return waitIfNeeded(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, weight)
	})
}

func (l *AdaptiveLimiter) Remaining(ctx context.Context, scope string) (int64, bool) {
	return l.inner.remainingWithLimit(ctx, scope, l.effectiveLimit(scope)), true
}

// Factor returns the current ceiling multiplier for scope (1.0 for
// untracked scopes).
func (l *AdaptiveLimiter) Factor(scope string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.factors[scope]; ok {
		return f
	}
	return 1.0
}

// EffectiveLimit returns the ceiling currently applied to scope.
func (l *AdaptiveLimiter) EffectiveLimit(scope string) int64 {
	return l.effectiveLimit(scope)
}

func (l *AdaptiveLimiter) effectiveLimit(scope string) int64 {
	l.mu.Lock()
	f, ok := l.factors[scope]
	l.mu.Unlock()
	if !ok {
		f = 1.0
	}

	eff := int64(math.Floor(float64(l.maxRequests) * f))
	if eff < 1 {
		eff = 1
	}
	return eff
}

// adjustFactor applies the hysteresis step after a decision: shrink
// under pressure, grow gently when the scope runs with headroom,
// always clamped to [MinFactor, MaxFactor].
func (l *AdaptiveLimiter) adjustFactor(scope string, remaining, effective int64) {
	ratio := float64(remaining) / float64(effective)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.factors[scope]
	if !ok {
		f = 1.0
	}

	switch {
	case ratio < l.cfg.PenaltyThreshold:
		f *= l.cfg.PenaltyFactor
	case ratio > l.cfg.RecoveryThreshold:
		f *= l.cfg.RecoveryFactor
	}

	if f < l.cfg.MinFactor {
		f = l.cfg.MinFactor
	}
	if f > l.cfg.MaxFactor {
		f = l.cfg.MaxFactor
	}
	l.factors[scope] = f
}

func (l *AdaptiveLimiter) Reset(ctx context.Context, scope string) error {
	l.mu.Lock()
	delete(l.factors, scope)
	l.mu.Unlock()

	return l.inner.Reset(ctx, scope)
}

func (l *AdaptiveLimiter) ResetAll(ctx context.Context) error {
	l.mu.Lock()
	l.factors = make(map[string]float64)
	l.ring.reset()
	l.mu.Unlock()

	return l.inner.ResetAll(ctx)
}
