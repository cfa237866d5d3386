// ABOUTME: Message operations on paths, including resolved (inherited) history
// ABOUTME: Content is immutable: messages are appended, soft deleted or pinned, never edited

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

// AppendMessageRequest adds a message at the tail of a path
type AppendMessageRequest struct {
	TenantID string         `json:"-"`
	PathID   string         `json:"-"`
	Role     string         `json:"role" validate:"required,oneof=user assistant system"`
	Content  string         `json:"content" validate:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AppendMessage appends a message to an active path
func (s *Service) AppendMessage(ctx context.Context, req AppendMessageRequest) (*store.Message, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	path, err := s.store.GetPath(ctx, req.TenantID, req.PathID)
	if err != nil {
		return nil, translate(err, "path "+req.PathID)
	}
	if !path.IsActive {
		return nil, fmt.Errorf("%w: path %s is archived", ErrInvalidOperation, path.ID)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		ConversationID: path.ConversationID,
		PathID:         path.ID,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, translate(err, "appending message")
	}

	s.publisher.PublishConversationEvent(ctx, req.TenantID, path.ConversationID, eventhub.EventMessageCreated, msg)
	s.touch(ctx, req.TenantID, path.ConversationID)
	return msg, nil
}

// ListMessages returns a path's messages in order. When resolved is set, the
// messages each ancestor contributed up to the branch point come first.
func (s *Service) ListMessages(ctx context.Context, tenantID, pathID string, resolved bool) ([]*store.Message, error) {
	path, err := s.store.GetPath(ctx, tenantID, pathID)
	if err != nil {
		return nil, translate(err, "path "+pathID)
	}
	if !resolved {
		msgs, err := s.store.ListPathMessages(ctx, tenantID, pathID, false)
		if err != nil {
			return nil, translate(err, "listing messages")
		}
		return msgs, nil
	}

	segments, err := s.ancestry(ctx, path)
	if err != nil {
		return nil, err
	}

	var out []*store.Message
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		msgs, err := s.store.ListPathMessages(ctx, tenantID, seg.path.ID, false)
		if err != nil {
			return nil, translate(err, "listing messages")
		}
		for _, m := range msgs {
			if seg.include == nil || seg.include(m) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// segment is one path of an ancestry chain and which of its messages a descendant inherits
type segment struct {
	path    *store.Path
	include func(*store.Message) bool
}

// ancestry walks from path up to the root, leaf first. A missing ancestor ends the walk.
func (s *Service) ancestry(ctx context.Context, path *store.Path) ([]segment, error) {
	segments := []segment{{path: path}}
	seen := map[string]bool{path.ID: true}

	child := path
	for child.ParentPathID != nil {
		parent, err := s.store.GetPath(ctx, child.TenantID, *child.ParentPathID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, translate(err, "reading ancestor path")
		}
		if seen[parent.ID] {
			s.logger.Error("path ancestry cycle", "path_id", path.ID, "ancestor_id", parent.ID)
			break
		}
		seen[parent.ID] = true

		include, err := s.inheritedFrom(ctx, child, parent)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment{path: parent, include: include})
		child = parent
	}
	return segments, nil
}

// inheritedFrom decides which parent messages child inherits: up to its branch point,
// or, without one, everything that existed when child was created.
func (s *Service) inheritedFrom(ctx context.Context, child, parent *store.Path) (func(*store.Message) bool, error) {
	if child.BranchPointMessageID != nil {
		bp, err := s.store.GetMessage(ctx, child.TenantID, *child.BranchPointMessageID)
		switch {
		case err == nil && bp.PathID == parent.ID:
			return func(m *store.Message) bool { return m.Sequence <= bp.Sequence }, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, translate(err, "reading branch point")
		}
	}
	created := child.CreatedAt
	return func(m *store.Message) bool { return !m.CreatedAt.After(created) }, nil
}

// DeleteMessage soft deletes a message
func (s *Service) DeleteMessage(ctx context.Context, tenantID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return translate(err, "message "+messageID)
	}
	if err := s.store.SoftDeleteMessage(ctx, tenantID, messageID, s.now()); err != nil {
		return translate(err, "message "+messageID)
	}

	s.publisher.PublishConversationEvent(ctx, tenantID, msg.ConversationID, eventhub.EventMessageDeleted, MessageDeletedEvent{
		MessageID: msg.ID,
		PathID:    msg.PathID,
	})
	return nil
}

// SetMessagePinned pins or unpins a message
func (s *Service) SetMessagePinned(ctx context.Context, tenantID, messageID string, pinned bool) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return nil, translate(err, "message "+messageID)
	}
	if msg.DeletedAt != nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err := s.store.SetMessagePinned(ctx, tenantID, messageID, pinned); err != nil {
		return nil, translate(err, "message "+messageID)
	}
	msg.IsPinned = pinned

	s.publisher.PublishConversationEvent(ctx, tenantID, msg.ConversationID, eventhub.EventMessagePinned, MessagePinnedEvent{
		MessageID: msg.ID,
		PathID:    msg.PathID,
		IsPinned:  pinned,
	})
	return msg, nil
}
