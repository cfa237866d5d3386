// Package conversation owns the branching model of a conversation.
//
// # Overview
//
// A conversation has exactly one active primary path. Every other path branches
// from a parent path, optionally at a specific message (the branch point), so
// ancestry always ends at the primary. Messages are immutable; changing one means
// branching.
//
// # Service
//
//	svc := conversation.New(store, conversation.Options{
//		Publisher:  publisher,  // announces mutations to the event hubs
//		Summarizer: summarizer, // optional, for summary merges
//		Terminator: sandboxes,  // optional, stops a merged path's sandbox
//	})
//
// # Merging
//
// MergePath folds a source path into a target:
//
//   - full: every live source message is copied after the target's tail
//   - selective: only the selected messages, in source order
//   - summary: one system message, from the caller, the Summarizer, or a basic
//     fallback when the Summarizer fails
//
// Checks run in a fixed order before anything is written: both paths exist in
// the conversation, source differs from target, source is not primary, the mode
// is known, the selection is well formed, free text is within bounds. Merges in
// one conversation are serialized in process, and the store commit is guarded
// by the source path's version so a concurrent merge on another instance fails
// with ErrConflict.
//
// # Errors
//
// Every error wraps one of ErrNotFound, ErrConflict, ErrValidation or
// ErrInvalidOperation; match with errors.Is.
package conversation
