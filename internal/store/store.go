// ABOUTME: Store interface and data types for coven-branches persistence
// ABOUTME: Defines Conversation, Path, Message, HubEvent and the tenant-scoped Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist for the tenant
var ErrNotFound = errors.New("not found")

// ErrDuplicatePrimary is returned when a second active primary path would exist in a conversation
var ErrDuplicatePrimary = errors.New("conversation already has an active primary path")

// ErrVersionConflict is returned when a guarded write finds the row changed or archived underneath it
var ErrVersionConflict = errors.New("version conflict")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is the container for one or more paths
type Conversation struct {
	ID            string
	TenantID      string
	UserID        string
	Title         string
	ShareAudience string // opaque sharing attribute, e.g. "private", "tenant"
	TenantAccess  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ArchivedAt    *time.Time
}

// Path is a named branch of a conversation
type Path struct {
	ID                   string
	TenantID             string
	ConversationID       string
	ParentPathID         *string // nil for the primary path
	BranchPointMessageID *string // message on the parent path this branch diverges after
	Name                 string
	Description          string
	IsPrimary            bool
	IsActive             bool
	MergedToPathID       *string
	MergedAt             *time.Time
	MergeMode            string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Message is a single immutable utterance on a path
type Message struct {
	ID             string
	TenantID       string
	ConversationID string
	PathID         string
	Role           string
	Content        string
	Sequence       int64 // 1-based position within the path
	IsPinned       bool
	DeletedAt      *time.Time
	Metadata       map[string]any
	CreatedAt      time.Time
}

// HubEvent is one row of the cross-instance event log
type HubEvent struct {
	Seq       int64
	Channel   string
	Payload   []byte
	CreatedAt time.Time
}

// PathPatch carries a partial path update; nil fields are left unchanged
type PathPatch struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// MergeWrite is everything a merge commits in one transaction
type MergeWrite struct {
	TenantID              string
	SourcePathID          string
	ExpectedSourceVersion int64
	TargetPathID          string
	MergeMode             string
	ArchiveSource         bool
	// Messages are appended to the target in order; Sequence is assigned by the store.
	Messages []*Message
	MergedAt time.Time
}

// Store defines the interface for conversation, path and message persistence.
// Every read and write is filtered by tenant.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, primary *Path) error
	GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, tenantID, userID string) ([]*Conversation, error)
	TouchConversation(ctx context.Context, tenantID, id string, at time.Time) error

	// Paths
	CreatePath(ctx context.Context, path *Path) error
	GetPath(ctx context.Context, tenantID, id string) (*Path, error)
	GetPrimaryPath(ctx context.Context, tenantID, conversationID string) (*Path, error)
	ListPaths(ctx context.Context, tenantID, conversationID string, includeInactive bool) ([]*Path, error)
	UpdatePath(ctx context.Context, tenantID, id string, patch PathPatch, at time.Time) (*Path, error)
	HardDeletePath(ctx context.Context, tenantID, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, tenantID, id string) (*Message, error)
	ListPathMessages(ctx context.Context, tenantID, pathID string, includeDeleted bool) ([]*Message, error)
	SoftDeleteMessage(ctx context.Context, tenantID, id string, at time.Time) error
	SetMessagePinned(ctx context.Context, tenantID, id string, pinned bool) error

	// Merge
	ApplyMerge(ctx context.Context, w *MergeWrite) error

	Close() error
}

// EventLog is the append-only cross-instance event table used by the polling transport
type EventLog interface {
	AppendHubEvent(ctx context.Context, channel string, payload []byte) (int64, error)
	ListHubEventsAfter(ctx context.Context, afterSeq int64, limit int) ([]*HubEvent, error)
	LatestHubEventSeq(ctx context.Context) (int64, error)
	PruneHubEvents(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}
