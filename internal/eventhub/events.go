// ABOUTME: Typed hubs for conversation events and tenant conversation-list events
// ABOUTME: Both wrap a Hub and may share one Transport

package eventhub

import (
	"context"
)

// Event types carried on the conversation hub
const (
	EventMetadata       = "metadata"
	EventPathCreated    = "path:created"
	EventPathUpdated    = "path:updated"
	EventPathDeleted    = "path:deleted"
	EventPathMerged     = "path:merged"
	EventMessageCreated = "message:created"
	EventMessageDeleted = "message:deleted"
	EventMessagePinned  = "message:pinned"
)

// Event types carried on the conversation-list hub
const (
	EventConversationCreated = "conversation:created"
	EventConversationUpdated = "conversation:updated"
)

// ConversationEvents streams events for individual conversations
type ConversationEvents struct {
	hub *Hub
}

// NewConversationEvents creates the conversation hub
func NewConversationEvents(cfg Config) (*ConversationEvents, error) {
	cfg.Namespace = "conversation"
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &ConversationEvents{hub: h}, nil
}

// Subscribe registers sub for one conversation
func (e *ConversationEvents) Subscribe(ctx context.Context, tenantID, conversationID string, sub Subscriber) func() {
	return e.hub.Subscribe(ctx, ConversationTopic(tenantID, conversationID), sub)
}

// Broadcast sends an event to every watcher of the conversation
func (e *ConversationEvents) Broadcast(ctx context.Context, tenantID, conversationID, event string, data any) {
	e.hub.Broadcast(ctx, ConversationTopic(tenantID, conversationID), event, data)
}

// Hub returns the underlying hub
func (e *ConversationEvents) Hub() *Hub { return e.hub }

// ConversationListEvents streams changes to a tenant's conversation list
type ConversationListEvents struct {
	hub *Hub
}

// NewConversationListEvents creates the conversation-list hub
func NewConversationListEvents(cfg Config) (*ConversationListEvents, error) {
	cfg.Namespace = "conversation-list"
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &ConversationListEvents{hub: h}, nil
}

// Subscribe registers sub for a tenant's conversation list
func (e *ConversationListEvents) Subscribe(ctx context.Context, tenantID string, sub Subscriber) func() {
	return e.hub.Subscribe(ctx, ListTopic(tenantID), sub)
}

// Broadcast sends an event to every watcher of the tenant's list
func (e *ConversationListEvents) Broadcast(ctx context.Context, tenantID, event string, data any) {
	e.hub.Broadcast(ctx, ListTopic(tenantID), event, data)
}

// Hub returns the underlying hub
func (e *ConversationListEvents) Hub() *Hub { return e.hub }
