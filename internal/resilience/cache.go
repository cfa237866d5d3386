// ABOUTME: Fail-open typed cache over a shared key-value backend
// ABOUTME: Any backend or decode failure reads as a miss; writes never report errors

package resilience

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Cache is a typed cache whose operations never fail
type Cache[T any] interface {
	// Get returns the cached value, or false on miss, backend error or decode failure.
	Get(ctx context.Context, key string) (T, bool)
	Set(ctx context.Context, key string, value T)
	Del(ctx context.Context, keys ...string)
	// Degraded reports whether the cache runs without a backend.
	Degraded() bool
}

// CacheOptions configures a Cache
type CacheOptions[T any] struct {
	Name   string        // metrics label and log field
	Prefix string        // prepended to every key
	TTL    time.Duration // defaults to 5 minutes
	Decode func([]byte) (T, error)
	Encode func(T) ([]byte, error)
	Logger *slog.Logger
}

// NewCache returns a cache over backend, or a degraded pass-through cache when backend is nil.
// It never returns nil.
func NewCache[T any](backend KVBackend, opts CacheOptions[T]) Cache[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Decode == nil {
		opts.Decode = func(b []byte) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		}
	}
	if opts.Encode == nil {
		opts.Encode = func(v T) ([]byte, error) { return json.Marshal(v) }
	}

	logger := opts.Logger.With("component", "cache", "cache", opts.Name)
	warner := newDegradedWarner(logger, "cache degraded; serving from source")

	if backend == nil {
		return &passthroughCache[T]{name: opts.Name, warner: warner}
	}
	return &backedCache[T]{
		backend: backend,
		opts:    opts,
		logger:  logger,
		warner:  warner,
	}
}

type backedCache[T any] struct {
	backend KVBackend
	opts    CacheOptions[T]
	logger  *slog.Logger
	warner  *degradedWarner
}

func (c *backedCache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	raw, found, err := c.backend.Get(ctx, c.opts.Prefix+key)
	if err != nil {
		cacheOperations.WithLabelValues(c.opts.Name, "error").Inc()
		c.warner.warn(err)
		return zero, false
	}
	if !found {
		cacheOperations.WithLabelValues(c.opts.Name, "miss").Inc()
		return zero, false
	}
	v, err := c.opts.Decode(raw)
	if err != nil {
		cacheOperations.WithLabelValues(c.opts.Name, "error").Inc()
		c.logger.Debug("discarding undecodable cache entry", "key", key, "error", err)
		return zero, false
	}
	cacheOperations.WithLabelValues(c.opts.Name, "hit").Inc()
	return v, true
}

func (c *backedCache[T]) Set(ctx context.Context, key string, value T) {
	raw, err := c.opts.Encode(value)
	if err != nil {
		c.logger.Debug("skipping cache write for unencodable value", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, c.opts.Prefix+key, raw, c.opts.TTL); err != nil {
		c.warner.warn(err)
	}
}

func (c *backedCache[T]) Del(ctx context.Context, keys ...string) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.opts.Prefix + k
	}
	if err := c.backend.Del(ctx, prefixed...); err != nil {
		c.warner.warn(err)
	}
}

func (c *backedCache[T]) Degraded() bool { return false }

// passthroughCache always misses, so callers fall through to the source of truth
type passthroughCache[T any] struct {
	name   string
	warner *degradedWarner
}

func (c *passthroughCache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	cacheOperations.WithLabelValues(c.name, "degraded").Inc()
	c.warner.warn(nil)
	return zero, false
}

func (c *passthroughCache[T]) Set(ctx context.Context, key string, value T) {}

func (c *passthroughCache[T]) Del(ctx context.Context, keys ...string) {}

func (c *passthroughCache[T]) Degraded() bool { return true }
