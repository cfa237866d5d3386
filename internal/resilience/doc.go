// Package resilience wraps the shared key-value backend so that cache and rate
// limiting never take the service down.
//
// # Cache
//
// NewCache returns a typed Cache[T]. Reads that hit a backend error or an
// undecodable entry are reported as misses; writes and deletes swallow errors.
// With a nil backend the returned cache always misses.
//
//	paths := resilience.NewCache[[]PathResponse](kv, resilience.CacheOptions[[]PathResponse]{
//		Name:   "path_list",
//		Prefix: "coven:paths:list:",
//		TTL:    30 * time.Second,
//	})
//
// # Rate Limiting
//
// NewRateLimiter returns a fixed window limiter. Check returns false only when
// a healthy backend says the identifier is over its limit.
//
// # Degraded Mode
//
// Each wrapper logs one warning the first time it falls back, and counts every
// outcome in coven_cache_operations_total / coven_ratelimit_checks_total.
package resilience
