package live

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classlive/backend/internal/models"
)

func newBreakout(t *testing.T, cfg Config) *BreakoutCoordinator {
	t.Helper()
	sched := NewScheduler()
	t.Cleanup(sched.Stop)
	return NewBreakoutCoordinator(cfg, sched, nil)
}

func TestCreateRooms(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID := uuid.New(), uuid.New()

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"Group A", "Group B"}})
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "Group A", rooms[0].Name)

	status, err := b.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakoutPreparing, status)

	t.Run("empty config rejected", func(t *testing.T) {
		_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{})
		assert.Equal(t, CodeInvalidState, CodeOf(err))
	})

	t.Run("recreate while preparing replaces", func(t *testing.T) {
		rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"Solo"}})
		require.NoError(t, err)
		assert.Len(t, rooms, 1)
	})

	t.Run("recreate while active conflicts", func(t *testing.T) {
		require.NoError(t, b.Start(sessionID, hostID))
		_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"X"}})
		assert.Equal(t, CodeConflict, CodeOf(err))
	})

	t.Run("recreate after close succeeds", func(t *testing.T) {
		require.NoError(t, b.CloseAll(sessionID, hostID))
		_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"Fresh"}})
		require.NoError(t, err)
	})
}

func TestJoinIsExclusive(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID, userID := uuid.New(), uuid.New(), uuid.New()

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A", "B"}})
	require.NoError(t, err)

	t.Run("join before start rejected", func(t *testing.T) {
		err := b.Join(sessionID, rooms[0].ID, userID)
		assert.Equal(t, CodeInvalidState, CodeOf(err))
	})

	require.NoError(t, b.Start(sessionID, hostID))
	require.NoError(t, b.Join(sessionID, rooms[0].ID, userID))

	roomID, ok := b.RoomOf(sessionID, userID)
	require.True(t, ok)
	assert.Equal(t, rooms[0].ID, roomID)

	// Joining the second room removes the user from the first.
	require.NoError(t, b.Join(sessionID, rooms[1].ID, userID))
	snapshot, err := b.Rooms(sessionID)
	require.NoError(t, err)
	assert.Empty(t, snapshot[0].Participants)
	assert.Equal(t, []uuid.UUID{userID}, snapshot[1].Participants)

	t.Run("unknown room", func(t *testing.T) {
		err := b.Join(sessionID, "nope", userID)
		assert.Equal(t, CodeNotFound, CodeOf(err))
	})

	t.Run("leave clears membership", func(t *testing.T) {
		b.Leave(sessionID, userID)
		_, ok := b.RoomOf(sessionID, userID)
		assert.False(t, ok)
	})
}

func TestMoveHostOnly(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID, userID := uuid.New(), uuid.New(), uuid.New()

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A", "B"}})
	require.NoError(t, err)
	require.NoError(t, b.Start(sessionID, hostID))
	require.NoError(t, b.Join(sessionID, rooms[0].ID, userID))

	err = b.Move(sessionID, userID, userID, rooms[1].ID)
	assert.Equal(t, CodePermissionDenied, CodeOf(err))

	require.NoError(t, b.Move(sessionID, hostID, userID, rooms[1].ID))
	roomID, _ := b.RoomOf(sessionID, userID)
	assert.Equal(t, rooms[1].ID, roomID)
}

func TestAutoAssignRoundRobin(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID := uuid.New(), uuid.New()

	_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A", "B", "C"}})
	require.NoError(t, err)

	users := make([]uuid.UUID, 7)
	for i := range users {
		users[i] = uuid.New()
	}
	require.NoError(t, b.AutoAssign(sessionID, hostID, users))

	snapshot, err := b.Rooms(sessionID)
	require.NoError(t, err)
	assert.Len(t, snapshot[0].Participants, 3)
	assert.Len(t, snapshot[1].Participants, 2)
	assert.Len(t, snapshot[2].Participants, 2)

	t.Run("non-host denied", func(t *testing.T) {
		err := b.AutoAssign(sessionID, uuid.New(), users)
		assert.Equal(t, CodePermissionDenied, CodeOf(err))
	})
}

func TestPreAssign(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID, userID := uuid.New(), uuid.New(), uuid.New()

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A"}})
	require.NoError(t, err)

	require.NoError(t, b.PreAssign(sessionID, hostID, map[uuid.UUID]string{userID: rooms[0].ID}))

	suggested, ok := b.SuggestedRoom(sessionID, userID)
	require.True(t, ok)
	assert.Equal(t, rooms[0].ID, suggested)

	// A suggestion is not a membership.
	_, ok = b.RoomOf(sessionID, userID)
	assert.False(t, ok)

	t.Run("unknown room rejected", func(t *testing.T) {
		err := b.PreAssign(sessionID, hostID, map[uuid.UUID]string{userID: "nope"})
		assert.Equal(t, CodeNotFound, CodeOf(err))
	})
}

func TestCloseAll(t *testing.T) {
	b := newBreakout(t, DefaultConfig())
	sessionID, hostID, userID := uuid.New(), uuid.New(), uuid.New()

	var mu sync.Mutex
	closed := 0
	b.SetEventHandlers(nil, func(uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		closed++
	})

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A"}})
	require.NoError(t, err)
	require.NoError(t, b.Start(sessionID, hostID))
	require.NoError(t, b.Join(sessionID, rooms[0].ID, userID))

	t.Run("non-host denied", func(t *testing.T) {
		err := b.CloseAll(sessionID, userID)
		assert.Equal(t, CodePermissionDenied, CodeOf(err))
	})

	require.NoError(t, b.CloseAll(sessionID, hostID))

	status, err := b.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakoutClosed, status)

	snapshot, err := b.Rooms(sessionID)
	require.NoError(t, err)
	assert.True(t, snapshot[0].Closed)
	assert.Empty(t, snapshot[0].Participants)

	_, ok := b.RoomOf(sessionID, userID)
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, 1, closed)
	mu.Unlock()

	t.Run("double close rejected", func(t *testing.T) {
		err := b.CloseAll(sessionID, hostID)
		assert.Equal(t, CodeInvalidState, CodeOf(err))
	})

	t.Run("stale generation close is a no-op", func(t *testing.T) {
		assert.False(t, b.closeAll(sessionID, 0))
	})
}

func TestForceClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakoutRetention = 20 * time.Millisecond
	b := newBreakout(t, cfg)
	sessionID, hostID, userID := uuid.New(), uuid.New(), uuid.New()

	t.Run("without breakout state is a no-op", func(t *testing.T) {
		b.ForceClose(uuid.New())
	})

	rooms, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{
		RoomNames:      []string{"A"},
		AutoCloseAfter: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(sessionID, hostID))
	require.NoError(t, b.Join(sessionID, rooms[0].ID, userID))

	// No host identity needed on the teardown path.
	b.ForceClose(sessionID)

	status, err := b.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakoutClosed, status)
	_, ok := b.RoomOf(sessionID, userID)
	assert.False(t, ok)

	// Retention GC still runs, so the config does not leak.
	time.Sleep(100 * time.Millisecond)
	_, err = b.Rooms(sessionID)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	t.Run("preparing phase is torn down too", func(t *testing.T) {
		_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"B"}})
		require.NoError(t, err)
		b.ForceClose(sessionID)
		status, err := b.Status(sessionID)
		require.NoError(t, err)
		assert.Equal(t, models.BreakoutClosed, status)
	})
}

func TestAutoCloseWithWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakoutWarningLead = 30 * time.Millisecond
	b := newBreakout(t, cfg)
	sessionID, hostID := uuid.New(), uuid.New()

	warned := make(chan time.Duration, 1)
	done := make(chan struct{}, 1)
	b.SetEventHandlers(
		func(_ uuid.UUID, remaining time.Duration) { warned <- remaining },
		func(uuid.UUID) { done <- struct{}{} },
	)

	_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{
		RoomNames:      []string{"A"},
		AutoCloseAfter: 60 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(sessionID, hostID))

	select {
	case remaining := <-warned:
		assert.Equal(t, cfg.BreakoutWarningLead, remaining)
	case <-time.After(time.Second):
		t.Fatal("closing-soon warning never fired")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auto-close never fired")
	}

	status, err := b.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakoutClosed, status)
}

func TestRetentionForget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakoutRetention = 20 * time.Millisecond
	b := newBreakout(t, cfg)
	sessionID, hostID := uuid.New(), uuid.New()

	_, err := b.CreateRooms(sessionID, hostID, BreakoutConfig{RoomNames: []string{"A"}})
	require.NoError(t, err)
	require.NoError(t, b.Start(sessionID, hostID))
	require.NoError(t, b.CloseAll(sessionID, hostID))

	// Queryable during the retention window.
	_, err = b.Rooms(sessionID)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = b.Rooms(sessionID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}
