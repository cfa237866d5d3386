// ABOUTME: Merge engine: preview and execute full, selective and summary merges
// ABOUTME: Checks run in a fixed order before any write; the commit is version guarded

package conversation

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

// MergeMode selects how a source path is folded into its target
type MergeMode string

const (
	MergeFull      MergeMode = "full"
	MergeSelective MergeMode = "selective"
	MergeSummary   MergeMode = "summary"
)

// MergeRequest asks to fold SourcePathID into TargetPathID
type MergeRequest struct {
	TenantID string `json:"-"`
	// ConversationID, when set, must own both paths.
	ConversationID     string    `json:"conversation_id,omitempty"`
	SourcePathID       string    `json:"-"`
	TargetPathID       string    `json:"target_path_id"`
	Mode               MergeMode `json:"merge_mode"`
	SelectedMessageIDs []string  `json:"selected_message_ids,omitempty"`
	SummaryPrompt      string    `json:"summary_prompt,omitempty"`
	SummaryContent     string    `json:"summary_content,omitempty"`
	UserID             string    `json:"-"`
	// ArchiveSource defaults to true.
	ArchiveSource *bool `json:"archive_source,omitempty"`
}

// MergePreview describes what a merge would do without doing it
type MergePreview struct {
	SourcePath      *store.Path
	TargetPath      *store.Path
	MessagesToMerge []*store.Message
	// SummaryContent is the caller's content or the basic summary.
	SummaryContent        string
	EstimatedMessageCount int
}

// MergeResult describes a committed merge
type MergeResult struct {
	TargetPath       *store.Path
	SourcePath       *store.Path
	MergedMessageIDs []string
	SourceMessageIDs []string
	SummaryMessageID *string
	SourceArchived   bool
	Warnings         []string
}

type mergePlan struct {
	source *store.Path
	target *store.Path
	mode   MergeMode
	// messages are the source messages carried over, or summarized in summary mode
	messages []*store.Message
}

// planMerge runs every check in order and reads what the merge needs. It writes nothing.
func (s *Service) planMerge(ctx context.Context, req *MergeRequest) (*mergePlan, error) {
	// 1. both paths exist in the tenant and the conversation
	source, err := s.store.GetPath(ctx, req.TenantID, req.SourcePathID)
	if err != nil {
		return nil, translate(err, "source path "+req.SourcePathID)
	}
	target, err := s.store.GetPath(ctx, req.TenantID, req.TargetPathID)
	if err != nil {
		return nil, translate(err, "target path "+req.TargetPathID)
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = source.ConversationID
	}
	if source.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: source path %s is not in conversation %s", ErrNotFound, source.ID, conversationID)
	}
	if target.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: target path %s is not in conversation %s", ErrNotFound, target.ID, conversationID)
	}

	// 2. not into itself
	if source.ID == target.ID {
		return nil, fmt.Errorf("%w: cannot merge a path into itself", ErrInvalidOperation)
	}

	// 3. the primary path is never merged away
	if source.IsPrimary {
		return nil, fmt.Errorf("%w: cannot merge the primary path", ErrInvalidOperation)
	}

	// 4. mode
	switch req.Mode {
	case MergeFull, MergeSelective, MergeSummary:
	default:
		return nil, fmt.Errorf("%w: merge_mode must be one of: full selective summary", ErrValidation)
	}

	// 5. selection
	if req.Mode == MergeSelective {
		if len(req.SelectedMessageIDs) == 0 {
			return nil, fmt.Errorf("%w: selected_message_ids is required for a selective merge", ErrValidation)
		}
		if err := validateVar("selected_message_ids", req.SelectedMessageIDs, "max=1000,dive,uuid"); err != nil {
			return nil, err
		}
	}

	// 6. free text bounds
	if err := validateVar("summary_prompt", req.SummaryPrompt, "max=5000"); err != nil {
		return nil, err
	}
	if err := validateVar("summary_content", req.SummaryContent, "max=10000"); err != nil {
		return nil, err
	}

	if !source.IsActive {
		return nil, fmt.Errorf("%w: source path %s is already merged or archived", ErrConflict, source.ID)
	}
	if !target.IsActive {
		return nil, fmt.Errorf("%w: target path %s is archived", ErrInvalidOperation, target.ID)
	}

	msgs, err := s.store.ListPathMessages(ctx, req.TenantID, source.ID, false)
	if err != nil {
		return nil, translate(err, "listing source messages")
	}
	if req.Mode == MergeSelective {
		msgs = selectInSourceOrder(msgs, req.SelectedMessageIDs)
		if len(msgs) == 0 {
			return nil, fmt.Errorf("%w: none of the selected messages are on the source path", ErrValidation)
		}
	}

	return &mergePlan{source: source, target: target, mode: req.Mode, messages: msgs}, nil
}

// selectInSourceOrder keeps the messages named in ids, preserving source order
func selectInSourceOrder(msgs []*store.Message, ids []string) []*store.Message {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []*store.Message
	for _, m := range msgs {
		if _, ok := wanted[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func mergeSpan(ctx context.Context, name string, req *MergeRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("conversation.tenant_id", req.TenantID),
		attribute.String("conversation.source_path_id", req.SourcePathID),
		attribute.String("conversation.target_path_id", req.TargetPathID),
		attribute.String("conversation.merge_mode", string(req.Mode)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// PreviewMerge runs the merge checks and reports what would move. It never writes.
func (s *Service) PreviewMerge(ctx context.Context, req MergeRequest) (preview *MergePreview, err error) {
	ctx, span := mergeSpan(ctx, "conversation.PreviewMerge", &req)
	defer func() { endSpan(span, err) }()

	plan, err := s.planMerge(ctx, &req)
	if err != nil {
		return nil, err
	}

	preview = &MergePreview{
		SourcePath:            plan.source,
		TargetPath:            plan.target,
		MessagesToMerge:       plan.messages,
		SummaryContent:        basicSummary(plan.source.Name, len(plan.messages)),
		EstimatedMessageCount: len(plan.messages),
	}
	if plan.mode == MergeSummary {
		if req.SummaryContent != "" {
			preview.SummaryContent = req.SummaryContent
		}
		preview.EstimatedMessageCount = 1
	}
	return preview, nil
}

// MergePath folds the source path into the target. Of two concurrent merges of the
// same source only one commits; the other fails with ErrConflict.
func (s *Service) MergePath(ctx context.Context, req MergeRequest) (result *MergeResult, err error) {
	ctx, span := mergeSpan(ctx, "conversation.MergePath", &req)
	defer func() { endSpan(span, err) }()

	conversationID := req.ConversationID
	if conversationID == "" {
		source, err := s.store.GetPath(ctx, req.TenantID, req.SourcePathID)
		if err != nil {
			return nil, translate(err, "source path "+req.SourcePathID)
		}
		conversationID = source.ConversationID
	}
	unlock := s.locks.lock(req.TenantID + "/" + conversationID)
	defer unlock()

	plan, err := s.planMerge(ctx, &req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	archive := req.ArchiveSource == nil || *req.ArchiveSource
	result = &MergeResult{SourceArchived: archive}
	for _, m := range plan.messages {
		result.SourceMessageIDs = append(result.SourceMessageIDs, m.ID)
	}

	var appended []*store.Message
	switch plan.mode {
	case MergeFull, MergeSelective:
		for _, m := range plan.messages {
			appended = append(appended, &store.Message{
				ID:             uuid.New().String(),
				TenantID:       req.TenantID,
				ConversationID: plan.target.ConversationID,
				PathID:         plan.target.ID,
				Role:           m.Role,
				Content:        m.Content,
				IsPinned:       m.IsPinned,
				Metadata:       carriedMetadata(m, plan.source.ID, plan.mode),
				CreatedAt:      now,
			})
		}
	case MergeSummary:
		content, warning := s.resolveSummary(ctx, plan, &req)
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		summary := &store.Message{
			ID:             uuid.New().String(),
			TenantID:       req.TenantID,
			ConversationID: plan.target.ConversationID,
			PathID:         plan.target.ID,
			Role:           store.RoleSystem,
			Content:        content,
			Metadata: map[string]any{
				"is_merge_summary":    true,
				"merged_from_path_id": plan.source.ID,
				"merge_mode":          string(MergeSummary),
			},
			CreatedAt: now,
		}
		appended = append(appended, summary)
		result.SummaryMessageID = &summary.ID
	}

	err = s.store.ApplyMerge(ctx, &store.MergeWrite{
		TenantID:              req.TenantID,
		SourcePathID:          plan.source.ID,
		ExpectedSourceVersion: plan.source.Version,
		TargetPathID:          plan.target.ID,
		MergeMode:             string(plan.mode),
		ArchiveSource:         archive,
		Messages:              appended,
		MergedAt:              now,
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: source or target path changed during merge", ErrConflict)
	}
	if err != nil {
		return nil, translate(err, "applying merge")
	}

	for _, m := range appended {
		result.MergedMessageIDs = append(result.MergedMessageIDs, m.ID)
	}
	result.SourcePath = s.reread(ctx, plan.source)
	result.TargetPath = s.reread(ctx, plan.target)

	s.logger.Info("path merged",
		"conversation_id", conversationID,
		"source_path_id", plan.source.ID,
		"target_path_id", plan.target.ID,
		"mode", plan.mode,
		"messages", len(appended),
		"archived", archive,
		"user_id", req.UserID)

	s.publishMerge(ctx, req.TenantID, conversationID, result, appended)
	s.touch(ctx, req.TenantID, conversationID)
	s.terminateSandbox(req.TenantID, plan.source.ID)
	return result, nil
}

// carriedMetadata copies a source message's metadata and records where it came from
func carriedMetadata(m *store.Message, sourcePathID string, mode MergeMode) map[string]any {
	md := make(map[string]any, len(m.Metadata)+3)
	maps.Copy(md, m.Metadata)
	md["source_message_id"] = m.ID
	md["merged_from_path_id"] = sourcePathID
	md["merge_mode"] = string(mode)
	return md
}

// reread fetches the committed state of a path, falling back to the pre-merge copy
func (s *Service) reread(ctx context.Context, p *store.Path) *store.Path {
	fresh, err := s.store.GetPath(ctx, p.TenantID, p.ID)
	if err != nil {
		s.logger.Warn("re-reading merged path", "path_id", p.ID, "error", err)
		return p
	}
	return fresh
}

func (s *Service) publishMerge(ctx context.Context, tenantID, conversationID string, result *MergeResult, appended []*store.Message) {
	s.publisher.PublishConversationEvent(ctx, tenantID, conversationID, eventhub.EventPathMerged, result)
	for _, m := range appended {
		s.publisher.PublishConversationEvent(ctx, tenantID, conversationID, eventhub.EventMessageCreated, m)
	}
	if result.SourceArchived {
		s.publisher.PublishConversationEvent(ctx, tenantID, conversationID, eventhub.EventPathUpdated, result.SourcePath)
	}
}
