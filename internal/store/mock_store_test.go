// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on the primary-path rule, merge version guard and injected failures

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SecondActivePrimaryRejected(t *testing.T) {
	s := NewMockStore()
	conv, _ := seedConversation(t, s, "tenant-a")

	err := s.CreatePath(t.Context(), &Path{
		ID:             uuid.New().String(),
		TenantID:       "tenant-a",
		ConversationID: conv.ID,
		Name:           "dup",
		IsPrimary:      true,
		IsActive:       true,
	})
	assert.ErrorIs(t, err, ErrDuplicatePrimary)
}

func TestMockStore_ApplyMerge_VersionGuard(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	conv, primary := seedConversation(t, s, "tenant-a")
	branch := seedBranch(t, s, conv, primary, "b")

	w := &MergeWrite{
		TenantID:              "tenant-a",
		SourcePathID:          branch.ID,
		ExpectedSourceVersion: branch.Version,
		TargetPathID:          primary.ID,
		MergeMode:             "full",
		ArchiveSource:         false,
		MergedAt:              time.Now(),
	}
	require.NoError(t, s.ApplyMerge(ctx, w))

	got, err := s.GetPath(ctx, "tenant-a", branch.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive, "non-archiving merge keeps the source active")
	require.NotNil(t, got.MergedToPathID)

	assert.ErrorIs(t, s.ApplyMerge(ctx, w), ErrVersionConflict)
}

func TestMockStore_ApplyMergeErr_WritesNothing(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	conv, primary := seedConversation(t, s, "tenant-a")
	branch := seedBranch(t, s, conv, primary, "b")

	s.ApplyMergeErr = errors.New("disk full")
	err := s.ApplyMerge(ctx, &MergeWrite{
		TenantID:              "tenant-a",
		SourcePathID:          branch.ID,
		ExpectedSourceVersion: branch.Version,
		TargetPathID:          primary.ID,
		Messages:              []*Message{{ID: uuid.New().String(), TenantID: "tenant-a", PathID: primary.ID}},
	})
	require.Error(t, err)

	msgs, err := s.ListPathMessages(ctx, "tenant-a", primary.ID, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMockStore_MessageWritesBumpPathVersion(t *testing.T) {
	assertMessageWritesBumpVersion(t, NewMockStore())
}

func TestMockStore_AppendMessage_ArchivedPath(t *testing.T) {
	assertAppendToArchivedPathConflicts(t, NewMockStore())
}

func TestMockStore_HubEvents(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_, err := s.AppendHubEvent(ctx, "ch", []byte("x"))
		require.NoError(t, err)
	}
	events, err := s.ListHubEventsAfter(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)

	latest, err := s.LatestHubEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}
