// ABOUTME: Event emission from the conversation service
// ABOUTME: EventPublisher is implemented by the gateway on top of the two event hubs

package conversation

import (
	"context"
)

// EventPublisher receives every mutation after it commits. Implementations must not
// block on remote delivery.
type EventPublisher interface {
	PublishConversationEvent(ctx context.Context, tenantID, conversationID, event string, data any)
	PublishListEvent(ctx context.Context, tenantID, event string, data any)
}

type nopPublisher struct{}

func (nopPublisher) PublishConversationEvent(context.Context, string, string, string, any) {}
func (nopPublisher) PublishListEvent(context.Context, string, string, any)                 {}

// PathDeletedEvent is the payload of path:deleted
type PathDeletedEvent struct {
	PathID         string `json:"path_id"`
	ConversationID string `json:"conversation_id"`
	Hard           bool   `json:"hard"`
}

// MessageDeletedEvent is the payload of message:deleted
type MessageDeletedEvent struct {
	MessageID string `json:"message_id"`
	PathID    string `json:"path_id"`
}

// MessagePinnedEvent is the payload of message:pinned
type MessagePinnedEvent struct {
	MessageID string `json:"message_id"`
	PathID    string `json:"path_id"`
	IsPinned  bool   `json:"is_pinned"`
}
