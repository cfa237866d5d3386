// ABOUTME: JSON response shapes for the REST API and SSE payloads
// ABOUTME: Converts store and conversation types into their wire representation

package gateway

import (
	"time"

	"github.com/2389/coven-branches/internal/conversation"
	"github.com/2389/coven-branches/internal/store"
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	UserID        string  `json:"user_id"`
	ShareAudience string  `json:"share_audience"`
	TenantAccess  string  `json:"tenant_access,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	ArchivedAt    *string `json:"archived_at,omitempty"`
}

// CreateConversationResponse is returned by POST /api/conversations.
type CreateConversationResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	PrimaryPath  PathResponse         `json:"primary_path"`
}

// PathResponse is the JSON form of a path.
type PathResponse struct {
	ID                   string  `json:"id"`
	ConversationID       string  `json:"conversation_id"`
	ParentPathID         *string `json:"parent_path_id"`
	BranchPointMessageID *string `json:"branch_point_message_id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	IsPrimary            bool    `json:"is_primary"`
	IsActive             bool    `json:"is_active"`
	MergedToPathID       *string `json:"merged_to_path_id,omitempty"`
	MergedAt             *string `json:"merged_at,omitempty"`
	MergeMode            string  `json:"merge_mode,omitempty"`
	Version              int64   `json:"version"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	PathID         string         `json:"path_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Sequence       int64          `json:"sequence"`
	IsPinned       bool           `json:"is_pinned"`
	DeletedAt      *string        `json:"deleted_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// MergeResultResponse is returned by POST /api/paths/{pathID}/merge and carried by path:merged.
type MergeResultResponse struct {
	TargetPath       PathResponse `json:"target_path"`
	SourcePath       PathResponse `json:"source_path"`
	MergedMessageIDs []string     `json:"merged_message_ids"`
	SourceMessageIDs []string     `json:"source_message_ids"`
	SummaryMessageID *string      `json:"summary_message_id,omitempty"`
	SourceArchived   bool         `json:"source_archived"`
	Warnings         []string     `json:"warnings,omitempty"`
}

// MergePreviewResponse is returned by POST /api/paths/{pathID}/merge/preview.
type MergePreviewResponse struct {
	SourcePath            PathResponse      `json:"source_path"`
	TargetPath            PathResponse      `json:"target_path"`
	MessagesToMerge       []MessageResponse `json:"messages_to_merge"`
	SummaryContent        string            `json:"summary_content,omitempty"`
	EstimatedMessageCount int               `json:"estimated_message_count"`
}

// StreamMetadata is the first event on every SSE stream.
type StreamMetadata struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	InstanceID     string `json:"instance_id"`
	ConnectedAt    string `json:"connected_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:            c.ID,
		Title:         c.Title,
		UserID:        c.UserID,
		ShareAudience: c.ShareAudience,
		TenantAccess:  c.TenantAccess,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
		ArchivedAt:    formatTimePtr(c.ArchivedAt),
	}
}

func toPathResponse(p *store.Path) PathResponse {
	return PathResponse{
		ID:                   p.ID,
		ConversationID:       p.ConversationID,
		ParentPathID:         p.ParentPathID,
		BranchPointMessageID: p.BranchPointMessageID,
		Name:                 p.Name,
		Description:          p.Description,
		IsPrimary:            p.IsPrimary,
		IsActive:             p.IsActive,
		MergedToPathID:       p.MergedToPathID,
		MergedAt:             formatTimePtr(p.MergedAt),
		MergeMode:            p.MergeMode,
		Version:              p.Version,
		CreatedAt:            formatTime(p.CreatedAt),
		UpdatedAt:            formatTime(p.UpdatedAt),
	}
}

func toPathResponses(paths []*store.Path) []PathResponse {
	out := make([]PathResponse, 0, len(paths))
	for _, p := range paths {
		out = append(out, toPathResponse(p))
	}
	return out
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		PathID:         m.PathID,
		Role:           m.Role,
		Content:        m.Content,
		Sequence:       m.Sequence,
		IsPinned:       m.IsPinned,
		DeletedAt:      formatTimePtr(m.DeletedAt),
		Metadata:       m.Metadata,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func toMergeResultResponse(r *conversation.MergeResult) MergeResultResponse {
	return MergeResultResponse{
		TargetPath:       toPathResponse(r.TargetPath),
		SourcePath:       toPathResponse(r.SourcePath),
		MergedMessageIDs: r.MergedMessageIDs,
		SourceMessageIDs: r.SourceMessageIDs,
		SummaryMessageID: r.SummaryMessageID,
		SourceArchived:   r.SourceArchived,
		Warnings:         r.Warnings,
	}
}

func toMergePreviewResponse(p *conversation.MergePreview) MergePreviewResponse {
	return MergePreviewResponse{
		SourcePath:            toPathResponse(p.SourcePath),
		TargetPath:            toPathResponse(p.TargetPath),
		MessagesToMerge:       toMessageResponses(p.MessagesToMerge),
		SummaryContent:        p.SummaryContent,
		EstimatedMessageCount: p.EstimatedMessageCount,
	}
}

// toWire converts service payloads into their JSON form. Anything else passes through.
func toWire(data any) any {
	switch v := data.(type) {
	case *store.Conversation:
		return toConversationResponse(v)
	case *store.Path:
		return toPathResponse(v)
	case *store.Message:
		return toMessageResponse(v)
	case *conversation.MergeResult:
		return toMergeResultResponse(v)
	default:
		return data
	}
}
