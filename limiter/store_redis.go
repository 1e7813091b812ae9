package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed Store implementation backed by a
// go-redis client. The client is owned by the caller; Close is a
// no-op.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client. keyPrefix defaults to
// "ratelimit:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) buildKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) GetInt64(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Result()
	if err == redis.Nil {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return strconv.ParseInt(val, 10, 64)
}

func (s *RedisStore) SetInt64(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.Set(ctx, s.buildKey(key), value, ttl).Err()
}

func (s *RedisStore) GetFloat64(ctx context.Context, key string) (float64, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Result()
	if err == redis.Nil {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return strconv.ParseFloat(val, 64)
}

func (s *RedisStore) SetFloat64(ctx context.Context, key string, value float64, ttl time.Duration) error {
	return s.client.Set(ctx, s.buildKey(key), strconv.FormatFloat(value, 'f', -1, 64), ttl).Err()
}

// IncrByEx issues INCRBY and EXPIRE as one pipeline so a counter and
// its TTL land together.
func (s *RedisStore) IncrByEx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	fullKey := s.buildKey(key)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, fullKey, delta)
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr pipeline failed: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, s.buildKey(key), delta).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.buildKey(key), ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.buildKey(key)
	}
	return s.client.Del(ctx, fullKeys...).Err()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, s.buildKey(key), redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	minStr := strconv.FormatFloat(min, 'f', -1, 64)
	maxStr := strconv.FormatFloat(max, 'f', -1, 64)
	return s.client.ZRemRangeByScore(ctx, s.buildKey(key), minStr, maxStr).Err()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	minStr := strconv.FormatFloat(min, 'f', -1, 64)
	maxStr := strconv.FormatFloat(max, 'f', -1, 64)
	return s.client.ZCount(ctx, s.buildKey(key), minStr, maxStr).Result()
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.buildKey(key)
	}
	return s.client.Eval(ctx, script, fullKeys, args...).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client lifecycle belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}
