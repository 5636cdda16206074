package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
)

func TestPresenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetPresence(ctx, models.Presence{MasterID: "m1", Active: true, Updated: time.Now()}))
	require.NoError(t, s.SetPresence(ctx, models.Presence{MasterID: "m2", Active: false, Updated: time.Now()}))

	active, err := s.ActiveMasters(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "inactive presence must not show up")
	assert.Equal(t, "m1", active[0].MasterID)

	require.NoError(t, s.ClearPresence(ctx, "m1"))
	_, ok, err := s.Presence(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearRequestSignalsSweepsAllMasters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, m := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.PutSignal(ctx, models.Signal{MasterID: m, RequestID: "req-1"}))
	}
	require.NoError(t, s.PutSignal(ctx, models.Signal{MasterID: "m2", RequestID: "req-2"}))

	require.NoError(t, s.ClearRequestSignals(ctx, "req-1"))

	for _, m := range []string{"m1", "m3"} {
		sigs, err := s.Signals(ctx, m)
		require.NoError(t, err)
		assert.Empty(t, sigs)
	}
	sigs, err := s.Signals(ctx, "m2")
	require.NoError(t, err)
	require.Len(t, sigs, 1, "unrelated signal survives the sweep")
	assert.Equal(t, "req-2", sigs[0].RequestID)
}

func TestAssignmentMirror(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Assignment(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAssignment(ctx, models.Assignment{
		RequestID: "req-1",
		Master:    models.MasterProfile{ID: "m1", Name: "Aster"},
		Status:    models.StatusAssigned,
	}))
	a, ok, err := s.Assignment(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", a.Master.ID)

	// status updates are last-write-wins
	a.Status = models.StatusInProgress
	require.NoError(t, s.SetAssignment(ctx, a))
	a, _, _ = s.Assignment(ctx, "req-1")
	assert.Equal(t, models.StatusInProgress, a.Status)

	require.NoError(t, s.ClearAssignment(ctx, "req-1"))
	_, ok, _ = s.Assignment(ctx, "req-1")
	assert.False(t, ok)
}
