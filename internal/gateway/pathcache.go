// ABOUTME: Path list cache keyed by a per-conversation generation token
// ABOUTME: Invalidation rotates the token so a list read before a change is never served after it

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-branches/internal/resilience"
)

// pathListCache caches ListPaths responses. Each conversation has a
// generation token and list entries are stored under it. A reader captures
// the token before querying the store; invalidation replaces the token, so an
// entry written from a read that overlapped a path change lands under a
// retired token and is never served.
type pathListCache struct {
	lists resilience.Cache[[]PathResponse]
	gens  resilience.Cache[string]
}

func newPathListCache(kv resilience.KVBackend, ttl time.Duration, logger *slog.Logger) *pathListCache {
	return &pathListCache{
		lists: resilience.NewCache(kv, resilience.CacheOptions[[]PathResponse]{
			Name:   "paths",
			Prefix: "coven:paths:list:",
			TTL:    ttl,
			Logger: logger,
		}),
		gens: resilience.NewCache(kv, resilience.CacheOptions[string]{
			Name:   "paths_gen",
			Prefix: "coven:paths:gen:",
			TTL:    ttl,
			Logger: logger,
		}),
	}
}

func conversationKey(tenantID, conversationID string) string {
	return tenantID + ":" + conversationID
}

func pathListKey(gen, tenantID, conversationID string, includeInactive bool) string {
	k := conversationKey(tenantID, conversationID) + ":" + gen
	if includeInactive {
		return k + ":all"
	}
	return k + ":active"
}

// generation returns the conversation's current token, starting a new one on miss.
func (c *pathListCache) generation(ctx context.Context, tenantID, conversationID string) string {
	key := conversationKey(tenantID, conversationID)
	if gen, ok := c.gens.Get(ctx, key); ok && gen != "" {
		return gen
	}
	gen := ulid.Make().String()
	c.gens.Set(ctx, key, gen)
	return gen
}

// Get returns the cached list and the generation it was looked up under.
// Pass the generation back to Set after reading the store.
func (c *pathListCache) Get(ctx context.Context, tenantID, conversationID string, includeInactive bool) ([]PathResponse, string, bool) {
	gen := c.generation(ctx, tenantID, conversationID)
	paths, ok := c.lists.Get(ctx, pathListKey(gen, tenantID, conversationID, includeInactive))
	return paths, gen, ok
}

func (c *pathListCache) Set(ctx context.Context, gen, tenantID, conversationID string, includeInactive bool, paths []PathResponse) {
	c.lists.Set(ctx, pathListKey(gen, tenantID, conversationID, includeInactive), paths)
}

// Invalidate retires the conversation's generation. Entries under the old
// token expire by TTL.
func (c *pathListCache) Invalidate(ctx context.Context, tenantID, conversationID string) {
	c.gens.Set(ctx, conversationKey(tenantID, conversationID), ulid.Make().String())
}

func (c *pathListCache) Degraded() bool {
	return c.lists.Degraded()
}
