// ABOUTME: Backend interfaces for the fail-open cache and rate limiter, plus the Redis implementation
// ABOUTME: Backend errors are wrapped as ErrTransientBackend and never escape this package

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTransientBackend marks a failure of the shared key-value backend
var ErrTransientBackend = errors.New("transient backend error")

// KVBackend is the key-value store behind Cache
type KVBackend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CounterBackend is the counter store behind RateLimiter.
// IncrWindow increments key and ensures it expires after window.
type CounterBackend interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisKV implements KVBackend and CounterBackend over go-redis
type RedisKV struct {
	client redis.UniversalClient
}

var (
	_ KVBackend      = (*RedisKV)(nil)
	_ CounterBackend = (*RedisKV)(nil)
)

// NewRedisKV wraps an existing client; the caller owns its lifecycle
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// Get returns the value for key; a missing key is (nil, false, nil)
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, transient("get", err)
	}
	return val, true, nil
}

// Set stores value under key with a TTL
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return transient("set", err)
	}
	return nil
}

// Del removes keys
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return transient("del", err)
	}
	return nil
}

// IncrWindow increments key and refreshes its expiry in one round trip
func (r *RedisKV) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, transient("incr", err)
	}
	return incr.Val(), nil
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientBackend, op, err)
}
