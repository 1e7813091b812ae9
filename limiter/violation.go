package limiter

import (
	"time"

	"github.com/google/uuid"
)

// ViolationKind classifies a recorded denial.
type ViolationKind string

const (
	// ViolationSoftLimit marks a denial against an advisory threshold.
	ViolationSoftLimit ViolationKind = "soft_limit"

	// ViolationHardLimit marks a denial against the policy ceiling.
	ViolationHardLimit ViolationKind = "hard_limit"

	// ViolationBurstLimit marks a denial of a burst above the
	// configured allowance.
	ViolationBurstLimit ViolationKind = "burst_limit"

	// ViolationAbusePattern marks a blacklisted scope attempting
	// access.
	ViolationAbusePattern ViolationKind = "abuse_pattern"
)

// Violation is a recorded denial event. Violations live in a bounded
// in-memory ring per limiter and are never persisted externally.
type Violation struct {
	ID        string
	Scope     string
	Kind      ViolationKind
	Timestamp time.Time
	Requests  int64
	Limit     int64
	Metadata  map[string]string
}

// ViolationFilter selects violations by scope, kind and recency. Zero
// fields match everything.
type ViolationFilter struct {
	Scope string
	Kind  ViolationKind
	Since time.Time
}

func (f ViolationFilter) matches(v Violation) bool {
	if f.Scope != "" && v.Scope != f.Scope {
		return false
	}
	if f.Kind != "" && v.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && v.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// newViolation builds a violation record with a unique ID.
func newViolation(scope string, kind ViolationKind, requests, limit int64, metadata map[string]string) Violation {
	return Violation{
		ID:        uuid.New().String(),
		Scope:     scope,
		Kind:      kind,
		Timestamp: time.Now(),
		Requests:  requests,
		Limit:     limit,
		Metadata:  metadata,
	}
}

// violationRing is a fixed-capacity circular buffer of violations.
// Oldest entries are evicted first. Not safe for concurrent use; the
// owning limiter's mutex guards it.
type violationRing struct {
	buf  []Violation
	next int
	size int
}

func newViolationRing(capacity int) *violationRing {
	if capacity <= 0 {
		capacity = defaultViolationCapacity
	}
	return &violationRing{buf: make([]Violation, capacity)}
}

func (r *violationRing) push(v Violation) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// snapshot returns the ring contents oldest first, filtered.
func (r *violationRing) snapshot(filter ViolationFilter) []Violation {
	out := make([]Violation, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		v := r.buf[(start+i)%len(r.buf)]
		if filter.matches(v) {
			out = append(out, v)
		}
	}
	return out
}

func (r *violationRing) reset() {
	r.next = 0
	r.size = 0
}
