// Package store provides persistent storage for coven-branches using SQLite.
//
// # Data Models
//
//   - Conversation: container owned by a user within a tenant
//   - Path: a named branch of a conversation; exactly one active path per
//     conversation is primary, every other path points at a parent and an
//     optional branch-point message on it
//   - Message: immutable utterance on a path with a dense 1-based sequence
//   - HubEvent: row of the cross-instance event log used by the polling
//     event transport
//
// Every read and write is filtered by tenant ID.
//
// # SQLite Configuration
//
// Connections are opened with busy_timeout(5000), foreign_keys(1) and
// immediate transactions; file databases use WAL.
//
// A partial unique index enforces the single active primary path:
//
//	CREATE UNIQUE INDEX idx_paths_single_primary
//		ON paths(conversation_id) WHERE is_primary = 1 AND is_active = 1;
//
// # Errors
//
//   - ErrNotFound: entity missing or owned by another tenant
//   - ErrDuplicatePrimary: a second active primary path would exist
//   - ErrVersionConflict: a merge lost the optimistic version check, or a
//     message was appended to a path that is no longer active
//
// Every message write (append, soft delete, pin) bumps its path's version, so
// a merge planned before the write fails its guard instead of dropping it.
//
// # Testing
//
// Use NewMockStore() for unit tests of code that consumes Store or EventLog.
// Use NewSQLiteStore with a t.TempDir() path for integration tests.
package store
