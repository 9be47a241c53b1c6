package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiryScript increments a counter and stamps its expiry only on
// creation, so the window length is fixed from the first increment rather
// than sliding with every call.
// KEYS[1] = counter key
// ARGV[1] = ttl in seconds (0 = no expiry)
var incrWithExpiryScript = redis.NewScript(`
local value = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if value == 1 and ttl > 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return value
`)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the Redis instance at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client, allowing the store and
// the queue to share one connection pool.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithExpiryScript.Run(ctx, s.client, []string{key}, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	value, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("redis incr %q: unexpected script result %T", key, res)
	}
	return value, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
