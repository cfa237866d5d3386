// ABOUTME: Bridges conversation service mutations onto the two event hubs
// ABOUTME: Also drops cached path lists whenever a path event is published

package gateway

import (
	"context"

	"github.com/2389/coven-branches/internal/conversation"
	"github.com/2389/coven-branches/internal/eventhub"
)

// hubPublisher implements conversation.EventPublisher
type hubPublisher struct {
	conversations *eventhub.ConversationEvents
	lists         *eventhub.ConversationListEvents
	pathCache     *pathListCache
}

var _ conversation.EventPublisher = (*hubPublisher)(nil)

func (p *hubPublisher) PublishConversationEvent(ctx context.Context, tenantID, conversationID, event string, data any) {
	switch event {
	case eventhub.EventPathCreated, eventhub.EventPathUpdated, eventhub.EventPathDeleted, eventhub.EventPathMerged:
		p.pathCache.Invalidate(ctx, tenantID, conversationID)
	}
	p.conversations.Broadcast(ctx, tenantID, conversationID, event, toWire(data))
}

func (p *hubPublisher) PublishListEvent(ctx context.Context, tenantID, event string, data any) {
	p.lists.Broadcast(ctx, tenantID, event, toWire(data))
}
