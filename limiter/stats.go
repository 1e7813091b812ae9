package limiter

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics is a point-in-time snapshot of engine activity.
type Statistics struct {
	TotalRequests    int64
	TotalAllowed     int64
	TotalViolations  int64
	ViolationsByKind map[ViolationKind]int64
	ActiveLimits     int
	LastResetAt      time.Time
}

// statsCollector tracks process-wide counters. Hot counters are
// atomics; the per-kind breakdown sits behind a mutex since it is only
// touched on denials.
type statsCollector struct {
	totalRequests int64
	totalAllowed  int64

	mu          sync.Mutex
	byKind      map[ViolationKind]int64
	lastResetAt time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		byKind:      make(map[ViolationKind]int64),
		lastResetAt: time.Now(),
	}
}

func (s *statsCollector) recordAllowed() {
	atomic.AddInt64(&s.totalRequests, 1)
	atomic.AddInt64(&s.totalAllowed, 1)
}

func (s *statsCollector) recordViolation(kind ViolationKind) {
	atomic.AddInt64(&s.totalRequests, 1)

	s.mu.Lock()
	s.byKind[kind]++
	s.mu.Unlock()
}

func (s *statsCollector) snapshot(activeLimits int) Statistics {
	s.mu.Lock()
	byKind := make(map[ViolationKind]int64, len(s.byKind))
	var violations int64
	for kind, count := range s.byKind {
		byKind[kind] = count
		violations += count
	}
	lastResetAt := s.lastResetAt
	s.mu.Unlock()

	return Statistics{
		TotalRequests:    atomic.LoadInt64(&s.totalRequests),
		TotalAllowed:     atomic.LoadInt64(&s.totalAllowed),
		TotalViolations:  violations,
		ViolationsByKind: byKind,
		ActiveLimits:     activeLimits,
		LastResetAt:      lastResetAt,
	}
}

func (s *statsCollector) reset() {
	atomic.StoreInt64(&s.totalRequests, 0)
	atomic.StoreInt64(&s.totalAllowed, 0)

	s.mu.Lock()
	s.byKind = make(map[ViolationKind]int64)
	s.lastResetAt = time.Now()
	s.mu.Unlock()
}
