// Package limiter provides admission control / rate limiting.
//
// Design philosophy:
// - Standalone library: no HTTP, no authentication, no schema knowledge.
//   The caller supplies a scope identifier and a request weight and gets
//   an admit/deny decision back.
// - Multiple algorithms behind one contract: fixed window, sliding
//   window, token bucket, leaky bucket, adaptive.
// - Optional Redis backing store for cross-process consistency, with
//   transparent per-call fallback to in-process memory when the store
//   is unreachable. The store is a consistency upgrade, never a hard
//   dependency.
// - A denial is a normal outcome, not an error. Errors surface only for
//   invalid input and wait timeouts.
// - Event-driven: the application layer can subscribe to decision,
//   violation and fallback events.
package limiter

import (
	"context"
	"time"
)

// AlgorithmType identifies a limiting algorithm.
type AlgorithmType string

const (
	// AlgorithmFixedWindow counts requests in aligned time buckets.
	AlgorithmFixedWindow AlgorithmType = "fixed_window"

	// AlgorithmSlidingWindow tracks individual request timestamps in a
	// rolling window.
	AlgorithmSlidingWindow AlgorithmType = "sliding_window"

	// AlgorithmTokenBucket is a continuous-refill burstable limiter.
	AlgorithmTokenBucket AlgorithmType = "token_bucket"

	// AlgorithmLeakyBucket is a constant-drain burstable limiter.
	AlgorithmLeakyBucket AlgorithmType = "leaky_bucket"

	// AlgorithmAdaptive wraps a sliding window and modulates its
	// effective ceiling per scope based on recent utilization.
	AlgorithmAdaptive AlgorithmType = "adaptive"
)

// ScopeKind names the entity class a policy limits against. Scope
// values themselves are opaque strings; the kind only documents intent
// and drives key extraction in adapters.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeIP       ScopeKind = "ip"
	ScopeUser     ScopeKind = "user"
	ScopeAPIKey   ScopeKind = "api_key"
	ScopeEndpoint ScopeKind = "endpoint"
	ScopeCombined ScopeKind = "combined"
)

// validScopeKind reports whether k is one of the declared scope kinds.
func validScopeKind(k ScopeKind) bool {
	switch k {
	case ScopeGlobal, ScopeIP, ScopeUser, ScopeAPIKey, ScopeEndpoint, ScopeCombined:
		return true
	}
	return false
}

// RateLimiter is the contract every limiting algorithm implements.
//
// All mutation of a limiter's in-memory per-scope state is serialized
// by a single mutex owned by that instance. Calls to a configured
// remote store happen outside that mutex.
type RateLimiter interface {
	// Acquire attempts to consume weight units for scope. A denial is
	// reported as (false, nil); errors are reserved for invalid input.
	Acquire(ctx context.Context, scope string, weight int64) (bool, error)

	// WaitIfNeeded polls Acquire with bounded backoff until it
	// succeeds or maxWait elapses, in which case it returns
	// ErrWaitTimeout. Context cancellation is honored between polls.
	WaitIfNeeded(ctx context.Context, scope string, weight int64, maxWait time.Duration) error

	// Remaining returns the currently available capacity for scope.
	// ok is false when the algorithm has no meaningful remaining value.
	Remaining(ctx context.Context, scope string) (remaining int64, ok bool)

	// Reset discards all tracked state for scope.
	Reset(ctx context.Context, scope string) error

	// ResetAll discards all tracked in-memory state. Remote entries are
	// left to expire via their TTLs.
	ResetAll(ctx context.Context) error

	// Allow/deny list management. A blacklisted scope is never
	// admitted; a whitelisted scope is always admitted and accumulates
	// no state or violations. Blacklist wins when a scope is on both.
	AddToWhitelist(scope string)
	RemoveFromWhitelist(scope string)
	AddToBlacklist(scope string)
	RemoveFromBlacklist(scope string)
	InWhitelist(scope string) bool
	InBlacklist(scope string) bool

	// RecordViolation appends a violation to the limiter's bounded
	// history ring and returns the stored record.
	RecordViolation(scope string, kind ViolationKind, requests, limit int64, metadata map[string]string) Violation

	// Violations returns recorded violations, oldest first, filtered
	// by the non-zero fields of filter.
	Violations(filter ViolationFilter) []Violation

	// Algorithm returns the algorithm identifier.
	Algorithm() AlgorithmType
}
