// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while mirroring its tenant, primary and version rules

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store and EventLog implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	paths         map[string]*Path         // keyed by path ID
	pathOrder     []string                 // path IDs in creation order
	messages      map[string]*Message      // keyed by message ID
	hubEvents     []*HubEvent
	hubSeq        int64

	// ApplyMergeErr, when set, makes ApplyMerge fail without writing anything.
	ApplyMergeErr error
	// PingErr, when set, is returned by Ping.
	PingErr error
}

var (
	_ Store    = (*MockStore)(nil)
	_ EventLog = (*MockStore)(nil)
)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		paths:         make(map[string]*Path),
		messages:      make(map[string]*Message),
	}
}

// CreateConversation stores a conversation and its primary path.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, primary *Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	if primary != nil {
		return m.insertPathLocked(primary)
	}
	return nil
}

// GetConversation retrieves a conversation by ID within a tenant.
func (m *MockStore) GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListConversations returns unarchived conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, tenantID, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.TenantID != tenantID || c.ArchivedAt != nil {
			continue
		}
		if userID != "" && c.UserID != userID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// TouchConversation bumps a conversation's updated_at.
func (m *MockStore) TouchConversation(ctx context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	c.UpdatedAt = at
	return nil
}

// CreatePath stores a new path.
func (m *MockStore) CreatePath(ctx context.Context, path *Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPathLocked(path)
}

func (m *MockStore) insertPathLocked(path *Path) error {
	if path.IsPrimary && path.IsActive && m.activePrimaryLocked(path.TenantID, path.ConversationID) != nil {
		return ErrDuplicatePrimary
	}
	if path.Version == 0 {
		path.Version = 1
	}
	p := *path
	m.paths[p.ID] = &p
	m.pathOrder = append(m.pathOrder, p.ID)
	return nil
}

func (m *MockStore) activePrimaryLocked(tenantID, conversationID string) *Path {
	for _, p := range m.paths {
		if p.TenantID == tenantID && p.ConversationID == conversationID && p.IsPrimary && p.IsActive {
			return p
		}
	}
	return nil
}

// GetPath retrieves a path by ID within a tenant.
func (m *MockStore) GetPath(ctx context.Context, tenantID, id string) (*Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.paths[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetPrimaryPath returns the active primary path of a conversation.
func (m *MockStore) GetPrimaryPath(ctx context.Context, tenantID, conversationID string) (*Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.activePrimaryLocked(tenantID, conversationID)
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPaths returns a conversation's paths in creation order.
func (m *MockStore) ListPaths(ctx context.Context, tenantID, conversationID string, includeInactive bool) ([]*Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Path
	for _, id := range m.pathOrder {
		p, ok := m.paths[id]
		if !ok || p.TenantID != tenantID || p.ConversationID != conversationID {
			continue
		}
		if !includeInactive && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// UpdatePath applies a partial update.
func (m *MockStore) UpdatePath(ctx context.Context, tenantID, id string, patch PathPatch, at time.Time) (*Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if patch.IsActive != nil && *patch.IsActive && !p.IsActive && p.IsPrimary &&
		m.activePrimaryLocked(tenantID, p.ConversationID) != nil {
		return nil, ErrDuplicatePrimary
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	p.Version++
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

// HardDeletePath removes a path and its messages, re-parenting its children.
func (m *MockStore) HardDeletePath(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok || p.TenantID != tenantID {
		return ErrNotFound
	}
	for _, child := range m.paths {
		if child.ParentPathID != nil && *child.ParentPathID == id {
			child.ParentPathID = p.ParentPathID
			child.BranchPointMessageID = p.BranchPointMessageID
			child.Version++
		}
	}
	for msgID, msg := range m.messages {
		if msg.PathID == id {
			delete(m.messages, msgID)
		}
	}
	delete(m.paths, id)
	for i, pid := range m.pathOrder {
		if pid == id {
			m.pathOrder = append(m.pathOrder[:i], m.pathOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockStore) nextSequenceLocked(pathID string) int64 {
	var maxSeq int64
	for _, msg := range m.messages {
		if msg.PathID == pathID && msg.Sequence > maxSeq {
			maxSeq = msg.Sequence
		}
	}
	return maxSeq + 1
}

// AppendMessage adds a message at the tail of its path.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[msg.PathID]
	if !ok || p.TenantID != msg.TenantID || !p.IsActive {
		return ErrVersionConflict
	}
	p.Version++
	msg.Sequence = m.nextSequenceLocked(msg.PathID)
	cp := *msg
	m.messages[cp.ID] = &cp
	return nil
}

// GetMessage retrieves a message by ID within a tenant.
func (m *MockStore) GetMessage(ctx context.Context, tenantID, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok || msg.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// ListPathMessages returns a path's own messages in sequence order.
func (m *MockStore) ListPathMessages(ctx context.Context, tenantID, pathID string, includeDeleted bool) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.PathID != pathID || msg.TenantID != tenantID {
			continue
		}
		if !includeDeleted && msg.DeletedAt != nil {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// SoftDeleteMessage marks a message deleted.
func (m *MockStore) SoftDeleteMessage(ctx context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.TenantID != tenantID || msg.DeletedAt != nil {
		return ErrNotFound
	}
	msg.DeletedAt = &at
	m.bumpVersionLocked(msg.PathID)
	return nil
}

// SetMessagePinned pins or unpins a message.
func (m *MockStore) SetMessagePinned(ctx context.Context, tenantID, id string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.TenantID != tenantID {
		return ErrNotFound
	}
	msg.IsPinned = pinned
	m.bumpVersionLocked(msg.PathID)
	return nil
}

func (m *MockStore) bumpVersionLocked(pathID string) {
	if p, ok := m.paths[pathID]; ok {
		p.Version++
	}
}

// ApplyMerge mirrors SQLiteStore.ApplyMerge, including the version guard.
func (m *MockStore) ApplyMerge(ctx context.Context, w *MergeWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ApplyMergeErr != nil {
		return m.ApplyMergeErr
	}

	src, ok := m.paths[w.SourcePathID]
	if !ok || src.TenantID != w.TenantID || src.Version != w.ExpectedSourceVersion || !src.IsActive || src.IsPrimary {
		return ErrVersionConflict
	}
	dst, ok := m.paths[w.TargetPathID]
	if !ok || dst.TenantID != w.TenantID || !dst.IsActive {
		return ErrVersionConflict
	}

	mergedAt := w.MergedAt
	target := w.TargetPathID
	src.IsActive = !w.ArchiveSource
	src.MergedToPathID = &target
	src.MergedAt = &mergedAt
	src.MergeMode = w.MergeMode
	src.Version++
	src.UpdatedAt = mergedAt
	dst.Version++
	dst.UpdatedAt = mergedAt

	seq := m.nextSequenceLocked(w.TargetPathID)
	for _, msg := range w.Messages {
		msg.Sequence = seq
		seq++
		cp := *msg
		m.messages[cp.ID] = &cp
	}
	return nil
}

// AppendHubEvent appends to the in-memory event log.
func (m *MockStore) AppendHubEvent(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hubSeq++
	m.hubEvents = append(m.hubEvents, &HubEvent{
		Seq:       m.hubSeq,
		Channel:   channel,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	})
	return m.hubSeq, nil
}

// ListHubEventsAfter returns events after the given sequence.
func (m *MockStore) ListHubEventsAfter(ctx context.Context, afterSeq int64, limit int) ([]*HubEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*HubEvent
	for _, e := range m.hubEvents {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestHubEventSeq returns the highest sequence appended.
func (m *MockStore) LatestHubEventSeq(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubSeq, nil
}

// PruneHubEvents drops events created before the cutoff.
func (m *MockStore) PruneHubEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.hubEvents[:0]
	var removed int64
	for _, e := range m.hubEvents {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.hubEvents = kept
	return removed, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
