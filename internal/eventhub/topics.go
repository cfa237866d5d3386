// ABOUTME: Topic identities and the wire envelope exchanged between hub instances
// ABOUTME: Conversation topics are (tenant, conversation); list topics are tenant only

package eventhub

import (
	"encoding/json"
	"time"
)

// Topic identifies a stream of events
type Topic struct {
	TenantID       string
	ConversationID string // empty for the conversation-list topic
}

// ConversationTopic is the topic for one conversation's events
func ConversationTopic(tenantID, conversationID string) Topic {
	return Topic{TenantID: tenantID, ConversationID: conversationID}
}

// ListTopic is the topic for a tenant's conversation list
func ListTopic(tenantID string) Topic {
	return Topic{TenantID: tenantID}
}

// Key renders the registry key for the topic
func (t Topic) Key() string {
	if t.ConversationID == "" {
		return "conversation-list:" + t.TenantID
	}
	return "conversation:" + t.TenantID + ":" + t.ConversationID
}

// envelope is the cross-instance wire format
type envelope struct {
	ID        string          `json:"id"`
	Origin    string          `json:"origin"`
	Timestamp int64           `json:"ts"` // unix milliseconds
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

func (e *envelope) time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
