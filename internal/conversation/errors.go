// ABOUTME: Error taxonomy for path and merge operations
// ABOUTME: Store sentinels are translated here so callers only ever match these four

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-branches/internal/store"
)

var (
	// ErrNotFound means a conversation, path or message is absent or belongs elsewhere
	ErrNotFound = errors.New("not found")
	// ErrConflict means a duplicate primary path or a concurrent merge collision
	ErrConflict = errors.New("conflict")
	// ErrValidation means malformed or oversized input
	ErrValidation = errors.New("validation failed")
	// ErrInvalidOperation means a well-formed request that the path model forbids
	ErrInvalidOperation = errors.New("invalid operation")
)

// translate maps store errors onto the taxonomy. what names the entity or step.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrDuplicatePrimary):
		return fmt.Errorf("%w: conversation already has an active primary path", ErrConflict)
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: %s was modified concurrently", ErrConflict, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
