// Package gateway orchestrates the coven-branches server components.
//
// # Overview
//
// The gateway owns one instance's worth of everything: the SQLite store, the
// conversation service, the conversation and conversation-list event hubs,
// the path list cache, the rate limiter and the HTTP server.
//
// # Event Transport
//
// One transport is chosen at boot and shared by both hubs:
//
//   - redis.url set: Redis pub/sub
//   - realtime.enabled: the hub_events table in the shared database
//   - environment development: an in-process bus, events stay local
//
// Any other combination fails with eventhub.ErrNoTransport.
//
// # HTTP API
//
//   - GET /health, GET /health/ready, GET /metrics
//   - GET, POST /api/conversations
//   - GET /api/conversations/events (SSE, conversation list)
//   - GET /api/conversations/{conversationID}/events (SSE)
//   - GET, POST /api/conversations/{conversationID}/paths
//   - GET, PATCH, DELETE /api/paths/{pathID}
//   - GET, POST /api/paths/{pathID}/messages
//   - POST /api/paths/{pathID}/merge/preview, POST /api/paths/{pathID}/merge
//   - DELETE /api/messages/{messageID}, POST /api/messages/{messageID}/pin
//
// Service errors map to 404, 409, 400 and 422 for ErrNotFound, ErrConflict,
// ErrValidation and ErrInvalidOperation. Mutating routes are rate limited per
// tenant and user and answer 429 when denied.
//
// # Streams
//
// Every SSE stream starts with a metadata event, then relays hub events as
// "event: <type>\ndata: <json>\n\n" with a heartbeat comment every
// server.sse_heartbeat. Streams end when the client disconnects or the server
// shuts down.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
package gateway
