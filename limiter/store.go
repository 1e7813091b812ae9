package limiter

import (
	"context"
	"time"
)

// Store is the backing-store contract shared by the limiting
// algorithms (strategy pattern). Implementations must be safe for
// concurrent use.
//
// Limiters treat any Store error other than ErrKeyNotFound /
// ErrStoreNotSupported as "store unavailable" and fall back to their
// in-process state for that call.
type Store interface {
	// GetInt64 reads an integer value. Returns ErrKeyNotFound when the
	// key does not exist or has expired.
	GetInt64(ctx context.Context, key string) (int64, error)

	// SetInt64 writes an integer value with an optional TTL (0 = no
	// expiry).
	SetInt64(ctx context.Context, key string, value int64, ttl time.Duration) error

	// GetFloat64 reads a float value. Returns ErrKeyNotFound when the
	// key does not exist or has expired.
	GetFloat64(ctx context.Context, key string) (float64, error)

	// SetFloat64 writes a float value with an optional TTL.
	SetFloat64(ctx context.Context, key string, value float64, ttl time.Duration) error

	// IncrByEx atomically increments key by delta and applies ttl in
	// the same round trip, returning the post-increment value.
	IncrByEx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DecrBy atomically decrements key by delta.
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// ZAdd adds a scored member to a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes sorted-set members within [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCount counts sorted-set members within [min, max].
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// Eval runs a server-side script. Implementations without script
	// support return ErrStoreNotSupported.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// StoreType names a backing-store implementation.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)
