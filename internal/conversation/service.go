// ABOUTME: Service is the path store: conversations, paths, messages and merges
// ABOUTME: Every mutation is validated here, written through the store, then announced to the event hubs

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

var tracer = otel.Tracer("github.com/2389/coven-branches/internal/conversation")

const (
	defaultSummaryTimeout   = 30 * time.Second
	defaultTerminateTimeout = 30 * time.Second
	primaryPathName         = "Main"
)

// SandboxTerminator tears down the execution context attached to a path
type SandboxTerminator interface {
	TerminatePath(ctx context.Context, tenantID, pathID string) error
}

// Options holds the service's optional collaborators
type Options struct {
	Publisher  EventPublisher
	Summarizer Summarizer
	Terminator SandboxTerminator

	// SummaryTimeout bounds AI summary generation; defaults to 30s.
	SummaryTimeout time.Duration
	// TerminateTimeout bounds background sandbox termination; defaults to 30s.
	TerminateTimeout time.Duration

	Logger *slog.Logger
}

// Service owns the path model and its invariants
type Service struct {
	store      store.Store
	publisher  EventPublisher
	summarizer Summarizer
	terminator SandboxTerminator
	locks      *keyedMutex
	logger     *slog.Logger

	summaryTimeout   time.Duration
	terminateTimeout time.Duration

	now        func() time.Time
	background sync.WaitGroup
}

// New creates a Service over st. Zero-value options are valid.
func New(st store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = defaultSummaryTimeout
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = defaultTerminateTimeout
	}
	return &Service{
		store:            st,
		publisher:        opts.Publisher,
		summarizer:       opts.Summarizer,
		terminator:       opts.Terminator,
		locks:            newKeyedMutex(),
		logger:           opts.Logger.With("component", "conversation"),
		summaryTimeout:   opts.SummaryTimeout,
		terminateTimeout: opts.TerminateTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until background work such as sandbox termination has finished
func (s *Service) Wait() {
	s.background.Wait()
}

// CreateConversationRequest starts a new conversation
type CreateConversationRequest struct {
	TenantID      string `json:"-"`
	UserID        string `json:"-"`
	Title         string `json:"title" validate:"max=255"`
	ShareAudience string `json:"share_audience,omitempty" validate:"max=64"`
	TenantAccess  string `json:"tenant_access,omitempty" validate:"max=64"`
}

// CreateConversation creates a conversation together with its primary path
func (s *Service) CreateConversation(ctx context.Context, req CreateConversationRequest) (*store.Conversation, *store.Path, error) {
	if err := validateStruct(req); err != nil {
		return nil, nil, err
	}
	if req.ShareAudience == "" {
		req.ShareAudience = "private"
	}

	now := s.now()
	conv := &store.Conversation{
		ID:            uuid.New().String(),
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		Title:         req.Title,
		ShareAudience: req.ShareAudience,
		TenantAccess:  req.TenantAccess,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	primary := &store.Path{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		ConversationID: conv.ID,
		Name:           primaryPathName,
		IsPrimary:      true,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv, primary); err != nil {
		return nil, nil, translate(err, "creating conversation")
	}

	s.logger.Info("conversation created",
		"tenant_id", conv.TenantID,
		"conversation_id", conv.ID)
	s.publisher.PublishListEvent(ctx, conv.TenantID, eventhub.EventConversationCreated, conv)
	return conv, primary, nil
}

// GetConversation returns a conversation of the tenant
func (s *Service) GetConversation(ctx context.Context, tenantID, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, translate(err, "conversation "+conversationID)
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, newest activity first.
// An empty userID lists every conversation of the tenant.
func (s *Service) ListConversations(ctx context.Context, tenantID, userID string) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, tenantID, userID)
	if err != nil {
		return nil, translate(err, "listing conversations")
	}
	return convs, nil
}

// touch bumps the conversation's activity time and announces it on the list hub
func (s *Service) touch(ctx context.Context, tenantID, conversationID string) {
	if err := s.store.TouchConversation(ctx, tenantID, conversationID, s.now()); err != nil {
		s.logger.Warn("touching conversation", "conversation_id", conversationID, "error", err)
		return
	}
	conv, err := s.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("reading touched conversation", "conversation_id", conversationID, "error", err)
		}
		return
	}
	s.publisher.PublishListEvent(ctx, tenantID, eventhub.EventConversationUpdated, conv)
}

// terminateSandbox stops the path's execution context in the background. Failures are logged only.
func (s *Service) terminateSandbox(tenantID, pathID string) {
	if s.terminator == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.terminateTimeout)
		defer cancel()
		if err := s.terminator.TerminatePath(ctx, tenantID, pathID); err != nil {
			s.logger.Warn("terminating sandbox",
				"tenant_id", tenantID,
				"path_id", pathID,
				"error", err)
			return
		}
		s.logger.Debug("sandbox terminated", "path_id", pathID)
	}()
}
