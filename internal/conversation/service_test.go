// ABOUTME: Tests for the conversation service: conversations, paths and messages
// ABOUTME: Uses MockStore with a stepping clock and a recording event publisher

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

const testTenant = "tenant-1"

type publishedEvent struct {
	TenantID       string
	ConversationID string
	Event          string
	Data           any
	List           bool
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishConversationEvent(_ context.Context, tenantID, conversationID, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{TenantID: tenantID, ConversationID: conversationID, Event: event, Data: data})
}

func (p *recordingPublisher) PublishListEvent(_ context.Context, tenantID, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{TenantID: tenantID, Event: event, Data: data, List: true})
}

// conversationEvents returns the names of conversation-hub events in order
func (p *recordingPublisher) conversationEvents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if !e.List {
			out = append(out, e.Event)
		}
	}
	return out
}

func (p *recordingPublisher) listEvents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.List {
			out = append(out, e.Event)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// steppingClock returns strictly increasing times, one millisecond apart
func steppingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func newTestService(t *testing.T, st store.Store, opts Options) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	if opts.Publisher == nil {
		opts.Publisher = pub
	}
	svc := New(st, opts)
	svc.now = steppingClock()
	t.Cleanup(svc.Wait)
	return svc, pub
}

func setup(t *testing.T) (*Service, *store.MockStore, *recordingPublisher) {
	t.Helper()
	st := store.NewMockStore()
	svc, pub := newTestService(t, st, Options{})
	return svc, st, pub
}

func newConversation(t *testing.T, svc *Service) (*store.Conversation, *store.Path) {
	t.Helper()
	conv, primary, err := svc.CreateConversation(t.Context(), CreateConversationRequest{
		TenantID: testTenant,
		UserID:   "user-1",
		Title:    "Trip planning",
	})
	require.NoError(t, err)
	return conv, primary
}

func newBranch(t *testing.T, svc *Service, conv *store.Conversation, name string) *store.Path {
	t.Helper()
	p, err := svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:       testTenant,
		ConversationID: conv.ID,
		Name:           name,
	})
	require.NoError(t, err)
	return p
}

func appendMessages(t *testing.T, svc *Service, pathID string, contents ...string) []*store.Message {
	t.Helper()
	var out []*store.Message
	for _, c := range contents {
		m, err := svc.AppendMessage(t.Context(), AppendMessageRequest{
			TenantID: testTenant,
			PathID:   pathID,
			Role:     store.RoleUser,
			Content:  c,
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func contents(msgs []*store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestService_CreateConversation(t *testing.T) {
	svc, _, pub := setup(t)

	conv, primary := newConversation(t, svc)

	assert.Equal(t, "private", conv.ShareAudience)
	assert.True(t, primary.IsPrimary)
	assert.True(t, primary.IsActive)
	assert.Equal(t, "Main", primary.Name)
	assert.Nil(t, primary.ParentPathID)
	assert.Equal(t, []string{eventhub.EventConversationCreated}, pub.listEvents())

	got, err := svc.GetConversation(t.Context(), testTenant, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Title, got.Title)

	_, err = svc.GetConversation(t.Context(), "other-tenant", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_CreateConversation_TitleTooLong(t *testing.T) {
	svc, _, _ := setup(t)
	_, _, err := svc.CreateConversation(t.Context(), CreateConversationRequest{
		TenantID: testTenant,
		Title:    strings.Repeat("x", 256),
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "title")
}

func TestService_CreatePath_DefaultsToPrimaryParent(t *testing.T) {
	svc, _, pub := setup(t)
	conv, primary := newConversation(t, svc)

	branch, err := svc.CreatePath(t.Context(), CreatePathRequest{TenantID: testTenant, ConversationID: conv.ID})
	require.NoError(t, err)

	assert.False(t, branch.IsPrimary)
	require.NotNil(t, branch.ParentPathID)
	assert.Equal(t, primary.ID, *branch.ParentPathID)
	assert.Equal(t, "Branch 1", branch.Name)
	assert.Equal(t, []string{eventhub.EventPathCreated}, pub.conversationEvents())
}

func TestService_CreatePath_SecondPrimaryConflicts(t *testing.T) {
	svc, st, _ := setup(t)
	conv, _ := newConversation(t, svc)

	_, err := svc.CreatePath(t.Context(), CreatePathRequest{TenantID: testTenant, ConversationID: conv.ID, IsPrimary: true})
	assert.ErrorIs(t, err, ErrConflict)

	paths, err := st.ListPaths(t.Context(), testTenant, conv.ID, true)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestService_CreatePath_ParentChecks(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	_, otherPrimary := newConversation(t, svc)

	tests := []struct {
		name string
		req  CreatePathRequest
		want error
	}{
		{
			name: "unknown parent",
			req:  CreatePathRequest{ParentPathID: strPtr("missing")},
			want: ErrNotFound,
		},
		{
			name: "parent in another conversation",
			req:  CreatePathRequest{ParentPathID: &otherPrimary.ID},
			want: ErrNotFound,
		},
		{
			name: "primary with a parent",
			req:  CreatePathRequest{ParentPathID: &primary.ID, IsPrimary: true},
			want: ErrValidation,
		},
		{
			name: "name too long",
			req:  CreatePathRequest{Name: strings.Repeat("n", MaxNameLength+1)},
			want: ErrValidation,
		},
		{
			name: "description too long",
			req:  CreatePathRequest{Description: strings.Repeat("d", MaxDescriptionLength+1)},
			want: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.TenantID = testTenant
			req.ConversationID = conv.ID
			_, err := svc.CreatePath(t.Context(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_CreatePath_BranchPoint(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	msgs := appendMessages(t, svc, primary.ID, "a", "b")
	branch := newBranch(t, svc, conv, "side")
	sideMsgs := appendMessages(t, svc, branch.ID, "s1")

	p, err := svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:             testTenant,
		ConversationID:       conv.ID,
		BranchPointMessageID: &msgs[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, *p.BranchPointMessageID)

	// The branch point must sit on the parent path
	_, err = svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:             testTenant,
		ConversationID:       conv.ID,
		BranchPointMessageID: &sideMsgs[0].ID,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdatePath(t *testing.T) {
	svc, _, pub := setup(t)
	conv, primary := newConversation(t, svc)
	branch := newBranch(t, svc, conv, "draft")
	pub.reset()

	updated, err := svc.UpdatePath(t.Context(), UpdatePathRequest{
		TenantID:    testTenant,
		PathID:      branch.ID,
		Name:        strPtr("final"),
		Description: strPtr("the chosen approach"),
	})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Name)
	assert.Equal(t, "the chosen approach", updated.Description)
	assert.Greater(t, updated.Version, branch.Version)
	assert.Equal(t, []string{eventhub.EventPathUpdated}, pub.conversationEvents())

	_, err = svc.UpdatePath(t.Context(), UpdatePathRequest{TenantID: testTenant, PathID: primary.ID, IsActive: boolPtr(false)})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.UpdatePath(t.Context(), UpdatePathRequest{TenantID: testTenant, PathID: "missing", Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.UpdatePath(t.Context(), UpdatePathRequest{TenantID: testTenant, PathID: branch.ID, Name: strPtr(strings.Repeat("n", 256))})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_ListPaths(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	a := newBranch(t, svc, conv, "a")
	b := newBranch(t, svc, conv, "b")
	require.NoError(t, svc.DeletePath(t.Context(), testTenant, a.ID, false))

	active, err := svc.ListPaths(t.Context(), testTenant, conv.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, primary.ID, active[0].ID)
	assert.Equal(t, b.ID, active[1].ID)

	all, err := svc.ListPaths(t.Context(), testTenant, conv.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = svc.ListPaths(t.Context(), "other-tenant", conv.ID, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DeletePath(t *testing.T) {
	svc, st, pub := setup(t)
	conv, primary := newConversation(t, svc)
	branch := newBranch(t, svc, conv, "doomed")
	child, err := svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:       testTenant,
		ConversationID: conv.ID,
		ParentPathID:   &branch.ID,
	})
	require.NoError(t, err)
	appendMessages(t, svc, branch.ID, "gone")

	err = svc.DeletePath(t.Context(), testTenant, primary.ID, false)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	err = svc.DeletePath(t.Context(), testTenant, primary.ID, true)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	pub.reset()
	require.NoError(t, svc.DeletePath(t.Context(), testTenant, branch.ID, true))
	assert.Equal(t, []string{eventhub.EventPathDeleted}, pub.conversationEvents())

	_, err = svc.GetPath(t.Context(), testTenant, branch.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	reparented, err := st.GetPath(t.Context(), testTenant, child.ID)
	require.NoError(t, err)
	require.NotNil(t, reparented.ParentPathID)
	assert.Equal(t, primary.ID, *reparented.ParentPathID, "ancestry still terminates at the primary path")
}

func TestService_DeletePath_SoftArchives(t *testing.T) {
	term := &fakeTerminator{}
	st := store.NewMockStore()
	svc, pub := newTestService(t, st, Options{Terminator: term})
	conv, _ := newConversation(t, svc)
	branch := newBranch(t, svc, conv, "old idea")
	pub.reset()

	require.NoError(t, svc.DeletePath(t.Context(), testTenant, branch.ID, false))
	svc.Wait()

	p, err := svc.GetPath(t.Context(), testTenant, branch.ID)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	assert.Equal(t, []string{eventhub.EventPathDeleted}, pub.conversationEvents())
	assert.Len(t, term.called(), 1)

	// Archiving again is a no-op: no write, no event, no termination
	require.NoError(t, svc.DeletePath(t.Context(), testTenant, branch.ID, false))
	svc.Wait()

	again, err := st.GetPath(t.Context(), testTenant, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Version, again.Version)
	assert.Equal(t, []string{eventhub.EventPathDeleted}, pub.conversationEvents())
	assert.Len(t, term.called(), 1)
}

func TestService_AppendMessage(t *testing.T) {
	svc, _, pub := setup(t)
	_, primary := newConversation(t, svc)
	pub.reset()

	msg, err := svc.AppendMessage(t.Context(), AppendMessageRequest{
		TenantID: testTenant,
		PathID:   primary.ID,
		Role:     store.RoleAssistant,
		Content:  "Here is an itinerary",
		Metadata: map[string]any{"model": "gpt-4o", "token_count": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, []string{eventhub.EventMessageCreated}, pub.conversationEvents())
	assert.Equal(t, []string{eventhub.EventConversationUpdated}, pub.listEvents())
}

func TestService_AppendMessage_Rejections(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	archived := newBranch(t, svc, conv, "archived")
	require.NoError(t, svc.DeletePath(t.Context(), testTenant, archived.ID, false))

	tests := []struct {
		name string
		req  AppendMessageRequest
		want error
	}{
		{
			name: "unknown metadata key",
			req:  AppendMessageRequest{PathID: primary.ID, Role: "user", Content: "hi", Metadata: map[string]any{"is_admin": true}},
			want: ErrValidation,
		},
		{
			name: "bad role",
			req:  AppendMessageRequest{PathID: primary.ID, Role: "tool", Content: "hi"},
			want: ErrValidation,
		},
		{
			name: "empty content",
			req:  AppendMessageRequest{PathID: primary.ID, Role: "user"},
			want: ErrValidation,
		},
		{
			name: "missing path",
			req:  AppendMessageRequest{PathID: "missing", Role: "user", Content: "hi"},
			want: ErrNotFound,
		},
		{
			name: "archived path",
			req:  AppendMessageRequest{PathID: archived.ID, Role: "user", Content: "hi"},
			want: ErrInvalidOperation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.TenantID = testTenant
			_, err := svc.AppendMessage(t.Context(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_ListMessages_Resolved(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	root := appendMessages(t, svc, primary.ID, "r1", "r2", "r3")

	branch, err := svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:             testTenant,
		ConversationID:       conv.ID,
		BranchPointMessageID: &root[1].ID,
	})
	require.NoError(t, err)
	b := appendMessages(t, svc, branch.ID, "b1", "b2")

	nested, err := svc.CreatePath(t.Context(), CreatePathRequest{
		TenantID:             testTenant,
		ConversationID:       conv.ID,
		ParentPathID:         &branch.ID,
		BranchPointMessageID: &b[0].ID,
	})
	require.NoError(t, err)
	appendMessages(t, svc, nested.ID, "n1")

	own, err := svc.ListMessages(t.Context(), testTenant, nested.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, contents(own))

	resolved, err := svc.ListMessages(t.Context(), testTenant, nested.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "b1", "n1"}, contents(resolved))
}

func TestService_ListMessages_ResolvedWithoutBranchPoint(t *testing.T) {
	svc, _, _ := setup(t)
	conv, primary := newConversation(t, svc)
	appendMessages(t, svc, primary.ID, "before")
	branch := newBranch(t, svc, conv, "later")
	appendMessages(t, svc, primary.ID, "after")
	appendMessages(t, svc, branch.ID, "mine")

	resolved, err := svc.ListMessages(t.Context(), testTenant, branch.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "mine"}, contents(resolved))
}

func TestService_DeleteAndPinMessage(t *testing.T) {
	svc, _, pub := setup(t)
	_, primary := newConversation(t, svc)
	msgs := appendMessages(t, svc, primary.ID, "keep", "drop")
	pub.reset()

	pinned, err := svc.SetMessagePinned(t.Context(), testTenant, msgs[0].ID, true)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)

	require.NoError(t, svc.DeleteMessage(t.Context(), testTenant, msgs[1].ID))
	assert.ErrorIs(t, svc.DeleteMessage(t.Context(), testTenant, msgs[1].ID), ErrNotFound)

	_, err = svc.SetMessagePinned(t.Context(), testTenant, msgs[1].ID, true)
	assert.ErrorIs(t, err, ErrNotFound, "deleted messages cannot be pinned")

	remaining, err := svc.ListMessages(t.Context(), testTenant, primary.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, contents(remaining))
	assert.Equal(t, []string{eventhub.EventMessagePinned, eventhub.EventMessageDeleted}, pub.conversationEvents())
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, "x"))
	assert.ErrorIs(t, translate(store.ErrNotFound, "path p1"), ErrNotFound)
	assert.ErrorIs(t, translate(store.ErrDuplicatePrimary, "creating path"), ErrConflict)
	assert.ErrorIs(t, translate(store.ErrVersionConflict, "path p1"), ErrConflict)

	raw := errors.New("disk full")
	err := translate(raw, "appending message")
	assert.ErrorIs(t, err, raw)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("tenant/conv")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.size())
}
