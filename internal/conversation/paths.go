// ABOUTME: Path (branch) operations: create, read, list, update, delete
// ABOUTME: Enforces the single primary path rule and ancestry that terminates at the primary

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

// CreatePathRequest describes a new branch. Without a parent, a non-primary path
// branches from the conversation's primary path.
type CreatePathRequest struct {
	TenantID             string  `json:"-"`
	ConversationID       string  `json:"-"`
	Name                 string  `json:"name" validate:"max=255"`
	Description          string  `json:"description" validate:"max=2000"`
	ParentPathID         *string `json:"parent_path_id,omitempty"`
	BranchPointMessageID *string `json:"branch_point_message_id,omitempty"`
	IsPrimary            bool    `json:"is_primary"`
}

// CreatePath creates a path in a conversation
func (s *Service) CreatePath(ctx context.Context, req CreatePathRequest) (*store.Path, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.IsPrimary && req.ParentPathID != nil {
		return nil, fmt.Errorf("%w: a primary path cannot have a parent", ErrValidation)
	}

	conv, err := s.store.GetConversation(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, translate(err, "conversation "+req.ConversationID)
	}

	primary, err := s.store.GetPrimaryPath(ctx, req.TenantID, conv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, translate(err, "reading primary path")
	}
	if req.IsPrimary && primary != nil {
		return nil, fmt.Errorf("%w: conversation already has an active primary path", ErrConflict)
	}

	var parent *store.Path
	switch {
	case req.ParentPathID != nil:
		parent, err = s.store.GetPath(ctx, req.TenantID, *req.ParentPathID)
		if err != nil {
			return nil, translate(err, "parent path "+*req.ParentPathID)
		}
		if parent.ConversationID != conv.ID {
			return nil, fmt.Errorf("%w: parent path %s is not in conversation %s", ErrNotFound, parent.ID, conv.ID)
		}
	case !req.IsPrimary && primary != nil:
		parent = primary
	}

	if req.BranchPointMessageID != nil {
		if parent == nil {
			return nil, fmt.Errorf("%w: a branch point requires a parent path", ErrValidation)
		}
		msg, err := s.store.GetMessage(ctx, req.TenantID, *req.BranchPointMessageID)
		if err != nil {
			return nil, translate(err, "branch point message "+*req.BranchPointMessageID)
		}
		if msg.PathID != parent.ID {
			return nil, fmt.Errorf("%w: branch point message %s is not on path %s", ErrNotFound, msg.ID, parent.ID)
		}
	}

	isPrimary := req.IsPrimary || parent == nil
	name := req.Name
	if name == "" {
		name, err = s.defaultPathName(ctx, req.TenantID, conv.ID, isPrimary)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	path := &store.Path{
		ID:                   uuid.New().String(),
		TenantID:             req.TenantID,
		ConversationID:       conv.ID,
		BranchPointMessageID: req.BranchPointMessageID,
		Name:                 name,
		Description:          req.Description,
		IsPrimary:            isPrimary,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if parent != nil {
		path.ParentPathID = &parent.ID
	}
	if err := s.store.CreatePath(ctx, path); err != nil {
		return nil, translate(err, "creating path")
	}

	s.logger.Info("path created",
		"conversation_id", conv.ID,
		"path_id", path.ID,
		"is_primary", path.IsPrimary)
	s.publisher.PublishConversationEvent(ctx, req.TenantID, conv.ID, eventhub.EventPathCreated, path)
	return path, nil
}

func (s *Service) defaultPathName(ctx context.Context, tenantID, conversationID string, primary bool) (string, error) {
	if primary {
		return primaryPathName, nil
	}
	paths, err := s.store.ListPaths(ctx, tenantID, conversationID, true)
	if err != nil {
		return "", translate(err, "listing paths")
	}
	return fmt.Sprintf("Branch %d", len(paths)), nil
}

// GetPath returns a path of the tenant
func (s *Service) GetPath(ctx context.Context, tenantID, pathID string) (*store.Path, error) {
	path, err := s.store.GetPath(ctx, tenantID, pathID)
	if err != nil {
		return nil, translate(err, "path "+pathID)
	}
	return path, nil
}

// ListPaths returns a conversation's paths in creation order
func (s *Service) ListPaths(ctx context.Context, tenantID, conversationID string, includeInactive bool) ([]*store.Path, error) {
	if _, err := s.store.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, translate(err, "conversation "+conversationID)
	}
	paths, err := s.store.ListPaths(ctx, tenantID, conversationID, includeInactive)
	if err != nil {
		return nil, translate(err, "listing paths")
	}
	return paths, nil
}

// UpdatePathRequest is a partial path update; nil fields are unchanged
type UpdatePathRequest struct {
	TenantID    string  `json:"-"`
	PathID      string  `json:"-"`
	Name        *string `json:"name,omitempty" validate:"omitempty,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdatePath applies a partial update to a path
func (s *Service) UpdatePath(ctx context.Context, req UpdatePathRequest) (*store.Path, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	path, err := s.store.GetPath(ctx, req.TenantID, req.PathID)
	if err != nil {
		return nil, translate(err, "path "+req.PathID)
	}
	if req.IsActive != nil && !*req.IsActive && path.IsPrimary {
		return nil, fmt.Errorf("%w: the primary path cannot be archived", ErrInvalidOperation)
	}
	if req.Name == nil && req.Description == nil && req.IsActive == nil {
		return path, nil
	}

	updated, err := s.store.UpdatePath(ctx, req.TenantID, req.PathID, store.PathPatch{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	}, s.now())
	if err != nil {
		return nil, translate(err, "path "+req.PathID)
	}

	s.publisher.PublishConversationEvent(ctx, req.TenantID, updated.ConversationID, eventhub.EventPathUpdated, updated)
	return updated, nil
}

// DeletePath archives a path, or removes it and its messages when hard is set.
// Children of a hard-deleted path are re-parented onto its parent.
func (s *Service) DeletePath(ctx context.Context, tenantID, pathID string, hard bool) error {
	path, err := s.store.GetPath(ctx, tenantID, pathID)
	if err != nil {
		return translate(err, "path "+pathID)
	}
	if path.IsPrimary {
		return fmt.Errorf("%w: the primary path cannot be deleted", ErrInvalidOperation)
	}

	if !hard && !path.IsActive {
		return nil
	}

	if hard {
		if err := s.store.HardDeletePath(ctx, tenantID, pathID); err != nil {
			return translate(err, "path "+pathID)
		}
	} else {
		inactive := false
		if _, err := s.store.UpdatePath(ctx, tenantID, pathID, store.PathPatch{IsActive: &inactive}, s.now()); err != nil {
			return translate(err, "path "+pathID)
		}
	}

	s.logger.Info("path deleted",
		"conversation_id", path.ConversationID,
		"path_id", pathID,
		"hard", hard)
	s.publisher.PublishConversationEvent(ctx, tenantID, path.ConversationID, eventhub.EventPathDeleted, PathDeletedEvent{
		PathID:         pathID,
		ConversationID: path.ConversationID,
		Hard:           hard,
	})
	s.terminateSandbox(tenantID, pathID)
	return nil
}
