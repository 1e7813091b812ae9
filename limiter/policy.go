package limiter

import (
	"time"
)

// Policy is a named limit definition owned by the Engine. It is
// immutable after registration except for its allow/deny sets, which
// are managed through the Engine.
type Policy struct {
	// Name identifies the policy in Check calls.
	Name string

	// Algorithm selects the limiter implementation.
	Algorithm AlgorithmType

	// Scope documents the entity class this policy limits (ip, user,
	// api_key, endpoint, global, combined).
	Scope ScopeKind

	// MaxRequests admitted per Window.
	MaxRequests int64

	// Window is the limiting interval.
	Window time.Duration

	// BurstAllowance is extra capacity above the sustained rate for
	// short spikes. Token bucket: bucket size (default 2x MaxRequests).
	// Leaky bucket: added to the capacity.
	BurstAllowance int64

	// RecoveryTime is how long a blacklisted scope is told to back off
	// (reset time on abuse denials).
	RecoveryTime time.Duration

	// Enabled gates enforcement; a disabled policy admits everything.
	Enabled bool

	// PenaltyMultiplier is the adaptive shrink step (default 0.8).
	// Ignored by non-adaptive algorithms.
	PenaltyMultiplier float64

	// Adaptive tunes the rest of the adaptive feedback loop.
	Adaptive AdaptiveConfig

	// Whitelist / Blacklist seed the limiter's allow/deny sets.
	Whitelist []string
	Blacklist []string
}

// Validate checks the policy definition before registration.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}

	switch p.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket,
		AlgorithmLeakyBucket, AlgorithmAdaptive:
	default:
		return &ValidationError{Policy: p.Name, Field: "algorithm", Message: "invalid algorithm type"}
	}

	if !validScopeKind(p.Scope) {
		return &ValidationError{Policy: p.Name, Field: "scope", Message: "invalid scope kind"}
	}
	if p.MaxRequests <= 0 {
		return &ValidationError{Policy: p.Name, Field: "max_requests", Message: "must be > 0"}
	}
	if p.Window <= 0 {
		return &ValidationError{Policy: p.Name, Field: "window", Message: "must be > 0"}
	}
	if p.Algorithm == AlgorithmFixedWindow && p.Window%time.Second != 0 {
		return &ValidationError{Policy: p.Name, Field: "window", Message: "must be a whole number of seconds for fixed_window"}
	}
	if p.BurstAllowance < 0 {
		return &ValidationError{Policy: p.Name, Field: "burst_allowance", Message: "must be >= 0"}
	}
	if p.RecoveryTime < 0 {
		return &ValidationError{Policy: p.Name, Field: "recovery_time", Message: "must be >= 0"}
	}
	if p.PenaltyMultiplier < 0 || p.PenaltyMultiplier >= 1 {
		return &ValidationError{Policy: p.Name, Field: "penalty_multiplier", Message: "must be in [0, 1); 0 means default"}
	}
	return nil
}

// applyDefaults fills derived fields before the limiter is built.
func (p *Policy) applyDefaults() {
	if p.RecoveryTime <= 0 {
		p.RecoveryTime = 5 * time.Minute
	}
	if p.Algorithm == AlgorithmAdaptive {
		if p.PenaltyMultiplier > 0 {
			p.Adaptive.PenaltyFactor = p.PenaltyMultiplier
		}
	}
}

// CheckResult is the structured outcome of an Engine check.
type CheckResult struct {
	// Allowed is the admission decision.
	Allowed bool

	// LimitName echoes the policy checked.
	LimitName string

	// UnknownPolicy marks a fail-open admission caused by a policy
	// name that was never registered.
	UnknownPolicy bool

	// Remaining capacity after the decision, when the algorithm
	// reports one.
	Remaining int64

	// ResetAt is when the scope's capacity renews.
	ResetAt time.Time

	// RetryAfter suggests a backoff on denial.
	RetryAfter time.Duration

	// Violation is the record stored for a denial, nil on success.
	Violation *Violation
}
