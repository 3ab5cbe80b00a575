package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-daemon/ksid/internal/events"
)

func TestAcquireLock_GrantsThenDeniesAnotherAgent(t *testing.T) {
	bus := events.NewFakeBus()
	m := New(time.Hour, bus, nil)
	ctx := context.Background()

	res := m.AcquireLock(ctx, "sess-1", "agent-a", time.Minute)
	assert.True(t, res.Locked)
	assert.False(t, res.Extended)

	res = m.AcquireLock(ctx, "sess-1", "agent-b", time.Minute)
	assert.False(t, res.Locked)
	assert.Equal(t, "already_locked", res.Reason)
	assert.Equal(t, "agent-a", res.Holder)

	assert.Len(t, bus.Named("conversation:locked"), 1)
}

func TestAcquireLock_SameAgentExtends(t *testing.T) {
	m := New(time.Hour, nil, nil)
	ctx := context.Background()

	first := m.AcquireLock(ctx, "sess-1", "agent-a", time.Minute)
	require.True(t, first.Locked)
	require.False(t, first.Extended)

	second := m.AcquireLock(ctx, "sess-1", "agent-a", time.Minute)
	assert.True(t, second.Locked)
	assert.True(t, second.Extended)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt) || second.ExpiresAt.Equal(first.ExpiresAt))
}

func TestAcquireLock_GrantedAfterExpiry(t *testing.T) {
	m := New(time.Hour, nil, nil)
	ctx := context.Background()

	m.AcquireLock(ctx, "sess-1", "agent-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	res := m.AcquireLock(ctx, "sess-1", "agent-b", time.Minute)
	assert.True(t, res.Locked)
	assert.False(t, res.Extended)
}

func TestReleaseLock_NotLockedAndNotHolder(t *testing.T) {
	m := New(time.Hour, nil, nil)
	ctx := context.Background()

	err := m.ReleaseLock(ctx, "sess-1", "agent-a")
	assert.ErrorIs(t, err, errNotLocked)

	m.AcquireLock(ctx, "sess-1", "agent-a", time.Minute)
	err = m.ReleaseLock(ctx, "sess-1", "agent-b")
	assert.True(t, IsNotLockHolder(err))

	err = m.ReleaseLock(ctx, "sess-1", "agent-a")
	assert.NoError(t, err)

	agentID, locked := m.IsLocked("sess-1")
	assert.False(t, locked)
	assert.Empty(t, agentID)
}

func TestRegisterAndCompleteRequest(t *testing.T) {
	m := New(time.Hour, nil, nil)

	m.RegisterRequest("sess-1", "req-1", "agent-a")
	st, ok := m.Status("sess-1")
	require.True(t, ok)
	assert.Equal(t, "req-1", st.ActiveRequestID)
	assert.Equal(t, 1, st.RequestCount)

	m.CompleteRequest("sess-1", "req-mismatch")
	st, _ = m.Status("sess-1")
	assert.Equal(t, "req-1", st.ActiveRequestID, "completing with the wrong request_id must not clear the slot")

	m.CompleteRequest("sess-1", "req-1")
	st, _ = m.Status("sess-1")
	assert.Empty(t, st.ActiveRequestID)
}

func TestCleanupExpiredLocks(t *testing.T) {
	bus := events.NewFakeBus()
	m := New(time.Hour, bus, nil)
	ctx := context.Background()

	m.AcquireLock(ctx, "sess-1", "agent-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	expired := m.CleanupExpiredLocks(ctx)
	assert.Equal(t, []string{"sess-1"}, expired)

	_, locked := m.IsLocked("sess-1")
	assert.False(t, locked)
}

func TestCleanupInactiveSessions_SkipsLockedOrActive(t *testing.T) {
	m := New(time.Millisecond, nil, nil)
	ctx := context.Background()

	m.RegisterRequest("sess-active", "req-1", "agent-a")
	m.AcquireLock(ctx, "sess-locked", "agent-b", time.Hour)
	m.SetQueueDepth("sess-idle", 0)

	time.Sleep(5 * time.Millisecond)
	removed := m.CleanupInactiveSessions()

	assert.ElementsMatch(t, []string{"sess-idle"}, removed)
	_, ok := m.Status("sess-active")
	assert.True(t, ok)
	_, ok = m.Status("sess-locked")
	assert.True(t, ok)
}
