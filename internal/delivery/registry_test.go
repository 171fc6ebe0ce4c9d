package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOneActiveSessionPerChat(t *testing.T) {
	reg := NewRegistry(time.Minute)
	a := newSession(testPlan("chat-1", ModeAnswerSafe, 0))
	b := newSession(testPlan("chat-1", ModeAnswerSafe, 0))

	require.NoError(t, reg.Begin(a))
	assert.ErrorIs(t, reg.Begin(b), ErrChatBusy)

	got, ok := reg.Active("chat-1")
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestRegistryFinishReleasesOnlyMatchingSession(t *testing.T) {
	reg := NewRegistry(time.Minute)
	a := newSession(testPlan("chat-1", ModeAnswerSafe, 0))
	require.NoError(t, reg.Begin(a))

	// A stale finish from a superseded session must not evict the holder.
	reg.Finish("chat-1", "some-other-session")
	assert.Equal(t, 1, reg.ActiveCount())

	reg.Finish("chat-1", a.ID)
	assert.Equal(t, 0, reg.ActiveCount())

	b := newSession(testPlan("chat-1", ModeAnswerSafe, 0))
	assert.NoError(t, reg.Begin(b))
}

func TestRegistrySnapshots(t *testing.T) {
	reg := NewRegistry(time.Minute)
	a := newSession(testPlan("chat-1", ModeAnswerSafe, 0, 0))
	require.NoError(t, reg.Begin(a))

	snaps := reg.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "chat-1", snaps[0].ChatID)
	assert.Equal(t, StatusPending, snaps[0].Status)
	assert.Equal(t, 2, snaps[0].TotalChunks)
}

func TestRegistryJanitorCancelsOverdueSessions(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	s := newSession(testPlan("chat-1", ModeAnswerSafe, 0))
	require.NoError(t, reg.Begin(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartJanitor(ctx, 5*time.Millisecond)

	select {
	case <-s.Cancelled():
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not cancel the overdue session")
	}
	assert.Contains(t, s.Snapshot().CancelReason, "expired")
}
