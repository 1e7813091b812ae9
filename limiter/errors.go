package limiter

import "errors"

var (
	// ErrWaitTimeout is returned by WaitIfNeeded when maxWait elapses
	// before a permit is acquired. Distinct from a plain denial.
	ErrWaitTimeout = errors.New("rate limiter: wait timeout")

	// ErrInvalidWeight rejects non-positive request weights before any
	// state mutation.
	ErrInvalidWeight = errors.New("rate limiter: weight must be positive")

	// ErrKeyNotFound is returned by stores when a key does not exist.
	ErrKeyNotFound = errors.New("rate limiter: key not found")

	// ErrStoreNotSupported marks store operations an implementation
	// cannot perform (e.g. Eval on the memory store).
	ErrStoreNotSupported = errors.New("rate limiter: store operation not supported")

	// ErrUnknownPolicy is returned by engine mutations that name a
	// policy that was never registered. Check itself fails open
	// instead.
	ErrUnknownPolicy = errors.New("rate limiter: unknown policy")

	// ErrPolicyExists is returned by AddLimit when the policy name is
	// already registered.
	ErrPolicyExists = errors.New("rate limiter: policy already registered")
)

// ValidationError reports an invalid policy or limiter configuration.
type ValidationError struct {
	Policy  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Policy != "" {
		return "limiter config validation failed for policy '" + e.Policy + "." + e.Field + "': " + e.Message
	}
	if e.Field != "" {
		return "limiter config validation failed for field '" + e.Field + "': " + e.Message
	}
	return "limiter config validation failed"
}
