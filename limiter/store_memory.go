package limiter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// sweepEvery controls how often writes trigger an expired-entry sweep.
const sweepEvery = 256

// memoryStore is the in-process Store implementation. Expired entries
// are dropped lazily on read and swept opportunistically during
// writes; there is no background goroutine.
type memoryStore struct {
	mu    sync.RWMutex
	data  map[string]*memoryValue
	zsets map[string]*memoryZSet
	ops   int
}

type memoryValue struct {
	data     string
	expireAt time.Time
}

type memoryZSet struct {
	members  map[string]float64 // member -> score
	expireAt time.Time
}

func (v *memoryValue) expired(now time.Time) bool {
	return !v.expireAt.IsZero() && now.After(v.expireAt)
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() Store {
	return &memoryStore{
		data:  make(map[string]*memoryValue),
		zsets: make(map[string]*memoryZSet),
	}
}

func (s *memoryStore) get(key string) (string, error) {
	val, exists := s.data[key]
	if !exists || val.expired(time.Now()) {
		return "", ErrKeyNotFound
	}
	return val.data, nil
}

func (s *memoryStore) set(key, value string, ttl time.Duration) {
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	s.data[key] = &memoryValue{data: value, expireAt: expireAt}
	s.maybeSweep()
}

func (s *memoryStore) GetInt64(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	str, err := s.get(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}

func (s *memoryStore) SetInt64(ctx context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(key, strconv.FormatInt(value, 10), ttl)
	return nil
}

func (s *memoryStore) GetFloat64(ctx context.Context, key string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	str, err := s.get(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(str, 64)
}

func (s *memoryStore) SetFloat64(ctx context.Context, key string, value float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(key, strconv.FormatFloat(value, 'f', -1, 64), ttl)
	return nil
}

func (s *memoryStore) IncrByEx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if val, exists := s.data[key]; exists && !val.expired(time.Now()) {
		parsed, err := strconv.ParseInt(val.data, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}

	newVal := current + delta
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	s.data[key] = &memoryValue{
		data:     strconv.FormatInt(newVal, 10),
		expireAt: expireAt,
	}
	s.maybeSweep()

	return newVal, nil
}

func (s *memoryStore) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var expireAt time.Time
	if val, exists := s.data[key]; exists && !val.expired(time.Now()) {
		parsed, err := strconv.ParseInt(val.data, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
		expireAt = val.expireAt
	}

	newVal := current - delta
	s.data[key] = &memoryValue{
		data:     strconv.FormatInt(newVal, 10),
		expireAt: expireAt,
	}

	return newVal, nil
}

func (s *memoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if val, exists := s.data[key]; exists {
		if ttl > 0 {
			val.expireAt = time.Now().Add(ttl)
		} else {
			val.expireAt = time.Time{}
		}
		return nil
	}
	if zset, exists := s.zsets[key]; exists {
		if ttl > 0 {
			zset.expireAt = time.Now().Add(ttl)
		} else {
			zset.expireAt = time.Time{}
		}
		return nil
	}
	return ErrKeyNotFound
}

func (s *memoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
		delete(s.zsets, key)
	}
	return nil
}

func (s *memoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, exists := s.zsets[key]
	if !exists || (!zset.expireAt.IsZero() && time.Now().After(zset.expireAt)) {
		zset = &memoryZSet{members: make(map[string]float64)}
		s.zsets[key] = zset
	}
	zset.members[member] = score
	s.maybeSweep()

	return nil
}

func (s *memoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, exists := s.zsets[key]
	if !exists {
		return nil
	}
	for member, score := range zset.members {
		if score >= min && score <= max {
			delete(zset.members, member)
		}
	}
	return nil
}

func (s *memoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zset, exists := s.zsets[key]
	if !exists {
		return 0, nil
	}
	if !zset.expireAt.IsZero() && time.Now().After(zset.expireAt) {
		return 0, nil
	}

	var count int64
	for _, score := range zset.members {
		if score >= min && score <= max {
			count++
		}
	}
	return count, nil
}

// Eval is not supported by the memory store. Limiters that need a
// scripted path hold the state transition under their own mutex
// instead.
func (s *memoryStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return nil, ErrStoreNotSupported
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*memoryValue)
	s.zsets = make(map[string]*memoryZSet)
	return nil
}

// maybeSweep removes expired entries every sweepEvery writes. Caller
// must hold the write lock.
func (s *memoryStore) maybeSweep() {
	s.ops++
	if s.ops%sweepEvery != 0 {
		return
	}

	now := time.Now()
	for key, val := range s.data {
		if val.expired(now) {
			delete(s.data, key)
		}
	}
	for key, zset := range s.zsets {
		if !zset.expireAt.IsZero() && now.After(zset.expireAt) {
			delete(s.zsets, key)
		}
	}
}
