package live

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classlive/backend/internal/models"
)

// fakeSender records outbound events instead of writing to sockets.
type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	scope     string
	sessionID uuid.UUID
	userID    uuid.UUID
	connID    string
	event     string
	payload   interface{}
}

func (f *fakeSender) ToUser(sessionID, userID uuid.UUID, event string, payload interface{}) {
	f.record(sentEvent{scope: "user", sessionID: sessionID, userID: userID, event: event, payload: payload})
}

func (f *fakeSender) ToConnection(sessionID uuid.UUID, connID string, event string, payload interface{}) {
	f.record(sentEvent{scope: "conn", sessionID: sessionID, connID: connID, event: event, payload: payload})
}

func (f *fakeSender) ToRoom(sessionID uuid.UUID, event string, payload interface{}) {
	f.record(sentEvent{scope: "room", sessionID: sessionID, event: event, payload: payload})
}

func (f *fakeSender) record(e sentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(event string) (sentEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == event {
			return f.events[i], true
		}
	}
	return sentEvent{}, false
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeRepo, *fakeSender) {
	t.Helper()
	repo := newFakeRepo()
	sender := &fakeSender{}
	return NewCoordinator(cfg, repo, sender, nil, nil), repo, sender
}

// joinUser connects and joins one user, returning the join result.
func joinUser(t *testing.T, c *Coordinator, sessionID, userID uuid.UUID, connID, name string) *JoinResult {
	t.Helper()
	c.Connect(userID, connID)
	result, err := c.Join(context.Background(), sessionID, userID, connID, name)
	require.NoError(t, err)
	return result
}

func TestJoinIssuesTokenAndBroadcasts(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID := uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	result := joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	assert.NotEmpty(t, result.ReconnectToken)
	assert.Equal(t, s.RoomID, result.RoomID)
	assert.Len(t, result.Participants, 1)
	assert.True(t, result.Participant.IsHost)

	joinUser(t, c, s.ID, uuid.New(), "conn-1", "Sam")
	assert.Equal(t, 2, sender.count("user-joined"))

	roomID, ok := c.Registry().RoomOf("conn-1")
	require.True(t, ok)
	assert.Equal(t, s.RoomID, roomID)
}

// A disconnected participant holds their seat: the room stays full until
// the grace period lapses, and redeeming the token restores them without
// a second slot.
func TestDisconnectHoldsSeatUntilReconnect(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 2, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	c.Disconnect("conn-1")
	_, ok := sender.last("user-disconnected")
	assert.True(t, ok)
	require.Len(t, c.DisconnectedUsers(s.ID), 1)
	assert.Equal(t, 2, c.Rooms().ParticipantCount(s.ID))

	t.Run("room still full for newcomers", func(t *testing.T) {
		lateID := uuid.New()
		c.Connect(lateID, "conn-2")
		_, err := c.Join(context.Background(), s.ID, lateID, "conn-2", "Late")
		assert.Equal(t, CodeRoomFull, CodeOf(err))
	})

	t.Run("token redemption restores the user", func(t *testing.T) {
		c.Connect(userID, "conn-1b")
		res, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
		require.NoError(t, err)
		assert.Equal(t, s.ID, res.Restored.SessionID)
		assert.Len(t, res.Participants, 2)
		assert.Empty(t, c.DisconnectedUsers(s.ID))
		assert.Equal(t, 2, c.Rooms().ParticipantCount(s.ID))
		_, ok := sender.last("user-reconnected")
		assert.True(t, ok)
	})
}

func TestGraceExpiryFreesSeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	c, repo, sender := newTestCoordinator(t, cfg)
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 2, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	c.Disconnect("conn-1")
	time.Sleep(100 * time.Millisecond)

	left, ok := sender.last("user-left")
	require.True(t, ok)
	body, ok := left.payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "connection-timeout", body["reason"])
	assert.Equal(t, 1, c.Rooms().ParticipantCount(s.ID))

	// Seat is free again.
	lateID := uuid.New()
	c.Connect(lateID, "conn-2")
	_, err := c.Join(context.Background(), s.ID, lateID, "conn-2", "Late")
	require.NoError(t, err)
}

// A dropped user who comes back through a plain join instead of token
// redemption must vanish from the disconnected list, even after the old
// grace timer would have fired.
func TestRejoinDuringGraceClearsDisconnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	c, repo, _ := newTestCoordinator(t, cfg)
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	c.Disconnect("conn-1")
	require.Len(t, c.DisconnectedUsers(s.ID), 1)

	joinUser(t, c, s.ID, userID, "conn-1b", "Sam")
	assert.Empty(t, c.DisconnectedUsers(s.ID))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.DisconnectedUsers(s.ID))
	assert.True(t, c.Rooms().IsActive(s.ID, userID))
}

// A reconnection token is bound to its owner: another authenticated user
// presenting it is refused without consuming an attempt or clearing the
// owner's grace window.
func TestReconnectRejectsForeignToken(t *testing.T) {
	c, repo, _ := newTestCoordinator(t, DefaultConfig())
	hostID, ownerID, otherID := uuid.New(), uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, ownerID, "conn-1", "Sam")
	c.Disconnect("conn-1")

	c.Connect(otherID, "conn-x")
	_, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-x")
	assert.Equal(t, CodePermissionDenied, CodeOf(err))
	assert.False(t, c.Rooms().IsActive(s.ID, otherID))
	assert.Len(t, c.DisconnectedUsers(s.ID), 1)

	// The owner can still redeem it.
	c.Connect(ownerID, "conn-1b")
	_, err = c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
	require.NoError(t, err)
	assert.Empty(t, c.DisconnectedUsers(s.ID))
}

func TestSecondTabKeepsUserPresent(t *testing.T) {
	c, repo, _ := newTestCoordinator(t, DefaultConfig())
	hostID := uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-a", "Host")
	c.Connect(hostID, "conn-b")
	c.Registry().BindRoom("conn-b", s.RoomID)

	c.Disconnect("conn-a")
	assert.Empty(t, c.DisconnectedUsers(s.ID))
	assert.True(t, c.Rooms().IsActive(s.ID, hostID))
}

func TestReconnectAfterGraceReadmits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	c, repo, _ := newTestCoordinator(t, cfg)
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	c.Disconnect("conn-1")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Rooms().IsActive(s.ID, userID))

	// The grace expiry destroyed the token, so redemption now fails.
	c.Connect(userID, "conn-1b")
	_, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestVoluntaryLeaveInvalidatesToken(t *testing.T) {
	c, repo, _ := newTestCoordinator(t, DefaultConfig())
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	require.NoError(t, c.Leave(context.Background(), s.ID, userID, "conn-1"))

	c.Connect(userID, "conn-1b")
	_, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestKick(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, targetID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, targetID, "conn-t", "Sam")

	require.NoError(t, c.Kick(context.Background(), s.ID, hostID, targetID))

	kicked, ok := sender.last("kicked")
	require.True(t, ok)
	assert.Equal(t, targetID, kicked.userID)

	left, ok := sender.last("user-left")
	require.True(t, ok)
	body := left.payload.(map[string]interface{})
	assert.Equal(t, "kicked", body["reason"])

	// The kicked user's token is dead.
	c.Connect(targetID, "conn-t2")
	_, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-t2")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestForceMute(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, targetID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, targetID, "conn-t", "Sam")
	require.NoError(t, c.SetMediaState(s.ID, targetID, models.MediaState{Audio: true, Video: true}))

	t.Run("non-host denied", func(t *testing.T) {
		err := c.Mute(s.ID, targetID, hostID, true)
		assert.Equal(t, CodePermissionDenied, CodeOf(err))
	})

	require.NoError(t, c.Mute(s.ID, hostID, targetID, true))
	p, ok := c.Rooms().Participant(s.ID, targetID)
	require.True(t, ok)
	assert.False(t, p.Media.Audio)
	assert.True(t, p.Media.Video)

	forced, ok := sender.last("force-mute")
	require.True(t, ok)
	assert.Equal(t, targetID, forced.userID)
}

func TestEndSessionCleansUp(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, userID, "conn-1", "Sam")
	_, err := c.ReportQuality(s.ID, userID, goodSample())
	require.NoError(t, err)

	require.NoError(t, c.EndSession(context.Background(), s.ID, hostID))

	ended, ok := sender.last("session-ended")
	require.True(t, ok)
	body := ended.payload.(map[string]interface{})
	assert.Equal(t, "ended-by-host", body["reason"])

	c.Connect(userID, "conn-1b")
	_, err = c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = c.Quality().ParticipantQuality(s.ID, userID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

// The reaper ends a session with no host identity at hand; its cleanup
// must still tear down the breakout phase and its armed timers.
func TestForceEndClosesBreakouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakoutRetention = 20 * time.Millisecond
	c, repo, sender := newTestCoordinator(t, cfg)
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, userID, "conn-1", "Sam")
	rooms, err := c.CreateBreakoutRooms(s.ID, hostID, BreakoutConfig{
		RoomNames:      []string{"A"},
		AutoCloseAfter: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, c.StartBreakout(s.ID, hostID))
	require.NoError(t, c.JoinBreakout(s.ID, rooms[0].ID, userID))

	c.forceEnded(s.ID, []uuid.UUID{hostID, userID})

	ended, ok := sender.last("session-ended")
	require.True(t, ok)
	body := ended.payload.(map[string]interface{})
	assert.Equal(t, "auto-ended", body["reason"])

	status, err := c.breakout.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakoutClosed, status)

	// Retention GC removes the config afterwards.
	time.Sleep(100 * time.Millisecond)
	_, err = c.BreakoutRooms(s.ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestSignalRelay(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, u1, u2 := uuid.New(), uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, u1, "conn-1", "A")
	joinUser(t, c, s.ID, u2, "conn-2", "B")

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, c.Signal(s.ID, u1, u2, "", SignalOffer, payload))

	sig, ok := sender.last("signal")
	require.True(t, ok)
	assert.Equal(t, u2, sig.userID)
	envelope := sig.payload.(SignalEnvelope)
	assert.Equal(t, u1, envelope.From)
	assert.Equal(t, SignalOffer, envelope.Kind)

	t.Run("unknown kind rejected", func(t *testing.T) {
		err := c.Signal(s.ID, u1, u2, "", SignalKind("renegotiate"), payload)
		assert.Equal(t, CodeInvalidState, CodeOf(err))
	})

	t.Run("target not in room", func(t *testing.T) {
		err := c.Signal(s.ID, u1, uuid.New(), "", SignalOffer, payload)
		assert.Equal(t, CodeNotFound, CodeOf(err))
	})

	t.Run("cross breakout room denied", func(t *testing.T) {
		rooms, err := c.CreateBreakoutRooms(s.ID, hostID, BreakoutConfig{RoomNames: []string{"A", "B"}})
		require.NoError(t, err)
		require.NoError(t, c.StartBreakout(s.ID, hostID))
		require.NoError(t, c.JoinBreakout(s.ID, rooms[0].ID, u1))
		require.NoError(t, c.JoinBreakout(s.ID, rooms[1].ID, u2))

		err = c.Signal(s.ID, u1, u2, "", SignalOffer, payload)
		assert.Equal(t, CodePermissionDenied, CodeOf(err))

		// Same sub-room works again.
		require.NoError(t, c.JoinBreakout(s.ID, rooms[0].ID, u2))
		require.NoError(t, c.Signal(s.ID, u1, u2, "", SignalOffer, payload))
	})
}

func TestReconnectRestoresBreakoutAndHand(t *testing.T) {
	c, repo, _ := newTestCoordinator(t, DefaultConfig())
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	result := joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	rooms, err := c.CreateBreakoutRooms(s.ID, hostID, BreakoutConfig{RoomNames: []string{"A"}})
	require.NoError(t, err)
	require.NoError(t, c.StartBreakout(s.ID, hostID))
	require.NoError(t, c.JoinBreakout(s.ID, rooms[0].ID, userID))
	require.NoError(t, c.SetHandRaised(s.ID, userID, true))
	require.NoError(t, c.SetMediaState(s.ID, userID, models.MediaState{Audio: true}))

	c.Disconnect("conn-1")
	c.Connect(userID, "conn-1b")
	res, err := c.Reconnect(context.Background(), result.ReconnectToken, "conn-1b")
	require.NoError(t, err)
	assert.Equal(t, rooms[0].ID, res.Restored.BreakoutRoomID)
	assert.True(t, res.Restored.HandRaised)
	assert.True(t, res.Restored.Media.Audio)

	p, ok := c.Rooms().Participant(s.ID, userID)
	require.True(t, ok)
	assert.True(t, p.HandRaised)
	assert.True(t, p.Media.Audio)

	roomID, ok := c.breakout.RoomOf(s.ID, userID)
	require.True(t, ok)
	assert.Equal(t, rooms[0].ID, roomID)
}

func TestReportQualityRequiresMembership(t *testing.T) {
	c, repo, sender := newTestCoordinator(t, DefaultConfig())
	hostID, userID := uuid.New(), uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	_, err := c.ReportQuality(s.ID, userID, goodSample())
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	joinUser(t, c, s.ID, userID, "conn-1", "Sam")

	rating, err := c.ReportQuality(s.ID, userID, goodSample())
	require.NoError(t, err)
	assert.Equal(t, 100, rating.Score)

	// Reporter and host both get the rating push.
	var gotReporter, gotHost bool
	sender.mu.Lock()
	for _, e := range sender.events {
		if e.event == "participant-quality" {
			if e.userID == userID {
				gotReporter = true
			}
			if e.userID == hostID {
				gotHost = true
			}
		}
	}
	sender.mu.Unlock()
	assert.True(t, gotReporter)
	assert.True(t, gotHost)
}

func TestAutoAssignSkipsHost(t *testing.T) {
	c, repo, _ := newTestCoordinator(t, DefaultConfig())
	hostID := uuid.New()
	s := seedSession(repo, hostID, 0, models.SessionLive)

	joinUser(t, c, s.ID, hostID, "conn-h", "Host")
	u1, u2 := uuid.New(), uuid.New()
	joinUser(t, c, s.ID, u1, "conn-1", "A")
	joinUser(t, c, s.ID, u2, "conn-2", "B")

	_, err := c.CreateBreakoutRooms(s.ID, hostID, BreakoutConfig{RoomNames: []string{"X", "Y"}})
	require.NoError(t, err)
	require.NoError(t, c.AutoAssignBreakout(s.ID, hostID))

	rooms, err := c.BreakoutRooms(s.ID)
	require.NoError(t, err)
	var assigned []uuid.UUID
	for _, room := range rooms {
		assigned = append(assigned, room.Participants...)
	}
	assert.ElementsMatch(t, []uuid.UUID{u1, u2}, assigned)
}
