package live

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/models"
)

// JoinResult is the ack returned to a client admitted into a room.
type JoinResult struct {
	SessionID      uuid.UUID            `json:"session_id"`
	RoomID         string               `json:"room_id"`
	Participant    *models.Participant  `json:"participant"`
	Participants   []models.Participant `json:"participants"`
	ReconnectToken string               `json:"reconnect_token"`
	ICEServers     []webrtc.ICEServer   `json:"ice_servers"`
}

// ReconnectResult is the ack for a successful token redemption.
type ReconnectResult struct {
	Restored     *models.RestoredState `json:"restored"`
	Participants []models.Participant  `json:"participants"`
	ICEServers   []webrtc.ICEServer    `json:"ice_servers"`
}

// Coordinator composes the live-session components and exposes the
// inbound event surface the transport dispatches into. All collaborators
// arrive through the constructor; there are no hidden singletons.
type Coordinator struct {
	cfg      Config
	registry *Registry
	rooms    *RoomManager
	reconn   *ReconnectManager
	breakout *BreakoutCoordinator
	quality  *QualityMonitor
	relay    *Relay
	sender   Sender
	ice      []webrtc.ICEServer
	logger   *zap.Logger
}

// NewCoordinator wires the components together and installs the timer
// callbacks (grace expiry, breakout close, reaper force-end).
func NewCoordinator(cfg Config, repo SessionRepository, sender Sender, ice []webrtc.ICEServer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := NewScheduler()
	rooms := NewRoomManager(repo, cfg, logger)
	breakout := NewBreakoutCoordinator(cfg, sched, logger)
	c := &Coordinator{
		cfg:      cfg,
		registry: NewRegistry(),
		rooms:    rooms,
		reconn:   NewReconnectManager(cfg, sched, logger),
		breakout: breakout,
		quality:  NewQualityMonitor(cfg, logger),
		relay:    NewRelay(rooms, breakout, sender, logger),
		sender:   sender,
		ice:      ice,
		logger:   logger,
	}

	c.reconn.SetGraceExpiredHandler(c.graceExpired)
	c.rooms.SetForceEndHandler(c.forceEnded)
	c.breakout.SetEventHandlers(
		func(sessionID uuid.UUID, remaining time.Duration) {
			sender.ToRoom(sessionID, "breakout-closing-soon", map[string]interface{}{
				"session_id":        sessionID,
				"closes_in_seconds": int(remaining.Seconds()),
			})
		},
		func(sessionID uuid.UUID) {
			sender.ToRoom(sessionID, "breakout-closed", map[string]interface{}{"session_id": sessionID})
		},
	)
	return c
}

// Registry exposes the connection registry to the transport layer.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Rooms exposes room state for read-only HTTP queries.
func (c *Coordinator) Rooms() *RoomManager { return c.rooms }

// Quality exposes the quality monitor for read-only HTTP queries.
func (c *Coordinator) Quality() *QualityMonitor { return c.quality }

// ICEServers returns the surfaced STUN/TURN configuration.
func (c *Coordinator) ICEServers() []webrtc.ICEServer { return c.ice }

// RunReaper runs the stale-session reaper until ctx is done.
func (c *Coordinator) RunReaper(ctx context.Context) { c.rooms.RunReaper(ctx) }

// Connect records a freshly authenticated transport connection.
func (c *Coordinator) Connect(userID uuid.UUID, connID string) {
	c.registry.Register(userID, connID)
}

// Disconnect handles a transport close. When this was the user's last
// connection and they were in a room, the grace window starts and the
// room is told the user is reconnecting rather than gone.
func (c *Coordinator) Disconnect(connID string) {
	userID, roomID, ok := c.registry.Unregister(connID)
	if !ok || roomID == "" {
		return
	}
	if c.registry.Connected(userID) {
		// Another tab still holds the room open.
		return
	}
	sessionID, ok := c.rooms.SessionForRoom(roomID)
	if !ok {
		return
	}
	p, found := c.rooms.Participant(sessionID, userID)
	if !found || !p.Active() {
		return
	}
	d := c.reconn.OnDisconnect(userID, sessionID, roomID, p.IsHost)
	if d == nil {
		return
	}
	c.sender.ToRoom(sessionID, "user-disconnected", map[string]interface{}{
		"user_id":  userID,
		"deadline": d.Deadline,
	})
}

// Join admits a user into a live session's room and issues the
// reconnection token that makes signaling resumable.
func (c *Coordinator) Join(ctx context.Context, sessionID, userID uuid.UUID, connID, displayName string) (*JoinResult, error) {
	p, err := c.rooms.AdmitJoin(ctx, sessionID, userID, displayName)
	if err != nil {
		return nil, err
	}
	roomID, _ := c.rooms.RoomIDOf(sessionID)
	c.registry.BindRoom(connID, roomID)
	token := c.reconn.IssueToken(userID, sessionID, roomID, p.Media)

	c.sender.ToRoom(sessionID, "user-joined", p)
	return &JoinResult{
		SessionID:      sessionID,
		RoomID:         roomID,
		Participant:    p,
		Participants:   c.rooms.ActiveParticipants(sessionID),
		ReconnectToken: token.Token,
		ICEServers:     c.ice,
	}, nil
}

// Leave removes a user from the room on their own request and destroys
// their reconnection token: a deliberate leave is not resumable.
func (c *Coordinator) Leave(ctx context.Context, sessionID, userID uuid.UUID, connID string) error {
	p, err := c.rooms.Leave(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	c.breakout.Leave(sessionID, userID)
	c.reconn.Invalidate(userID, sessionID)
	c.registry.UnbindRoom(connID)
	c.sender.ToRoom(sessionID, "user-left", map[string]interface{}{
		"user_id": p.UserID,
		"reason":  "left",
	})
	return nil
}

// Reconnect redeems a token for the connection's authenticated user. A
// participant whose grace window already expired is re-admitted through
// the normal join path, so capacity and session status still apply.
func (c *Coordinator) Reconnect(ctx context.Context, tokenValue, connID string) (*ReconnectResult, error) {
	userID, ok := c.registry.UserOf(connID)
	if !ok {
		return nil, NotFoundf("connection %s is not registered", connID)
	}
	restored, err := c.reconn.AttemptReconnect(tokenValue, userID)
	if err != nil {
		return nil, err
	}
	sessionID := restored.SessionID
	if !c.rooms.IsActive(sessionID, userID) {
		if _, err := c.rooms.AdmitJoin(ctx, sessionID, userID, ""); err != nil {
			return nil, err
		}
	}
	if _, err := c.rooms.UpdateMedia(sessionID, userID, restored.Media); err != nil {
		return nil, err
	}
	if restored.HandRaised {
		_, _ = c.rooms.SetHandRaised(sessionID, userID, true)
	}
	if restored.BreakoutRoomID != "" {
		// Best effort: the breakout phase may have closed meanwhile.
		_ = c.breakout.Join(sessionID, restored.BreakoutRoomID, userID)
	}
	c.registry.BindRoom(connID, restored.RoomID)
	c.sender.ToRoom(sessionID, "user-reconnected", map[string]interface{}{"user_id": userID})
	return &ReconnectResult{
		Restored:     restored,
		Participants: c.rooms.ActiveParticipants(sessionID),
		ICEServers:   c.ice,
	}, nil
}

// Signal relays one WebRTC negotiation message.
func (c *Coordinator) Signal(sessionID, senderID, targetID uuid.UUID, targetConnID string, kind SignalKind, payload json.RawMessage) error {
	return c.relay.Forward(sessionID, senderID, targetID, targetConnID, kind, payload)
}

// SetMediaState applies and broadcasts a participant's media change, and
// folds it into the reconnection token so a drop restores it.
func (c *Coordinator) SetMediaState(sessionID, userID uuid.UUID, media models.MediaState) error {
	p, err := c.rooms.UpdateMedia(sessionID, userID, media)
	if err != nil {
		return err
	}
	_ = c.reconn.UpdateState(userID, sessionID, StateUpdate{Media: &media})
	c.sender.ToRoom(sessionID, "media-state-changed", p)
	return nil
}

// SetHandRaised toggles and broadcasts a participant's raised hand.
func (c *Coordinator) SetHandRaised(sessionID, userID uuid.UUID, raised bool) error {
	p, err := c.rooms.SetHandRaised(sessionID, userID, raised)
	if err != nil {
		return err
	}
	_ = c.reconn.UpdateState(userID, sessionID, StateUpdate{HandRaised: &raised})
	c.sender.ToRoom(sessionID, "hand-raised", p)
	return nil
}

// Mute force-mutes (or unmutes) a participant on the host's request.
func (c *Coordinator) Mute(sessionID, hostID, targetID uuid.UUID, mute bool) error {
	actualHost, ok := c.rooms.HostOf(sessionID)
	if !ok {
		return NotFoundf("session %s has no room state", sessionID)
	}
	if actualHost != hostID {
		return PermissionDeniedf("only the host can mute participants")
	}
	updated, err := c.rooms.SetAudio(sessionID, targetID, !mute)
	if err != nil {
		return err
	}
	c.sender.ToUser(sessionID, targetID, "force-mute", map[string]interface{}{"muted": mute})
	c.sender.ToRoom(sessionID, "media-state-changed", updated)
	return nil
}

// Kick removes a participant on the host's request and invalidates their
// reconnection token so they cannot silently rejoin.
func (c *Coordinator) Kick(ctx context.Context, sessionID, hostID, targetID uuid.UUID) error {
	p, err := c.rooms.Kick(ctx, sessionID, hostID, targetID)
	if err != nil {
		return err
	}
	c.reconn.Invalidate(targetID, sessionID)
	c.breakout.Leave(sessionID, targetID)
	c.sender.ToUser(sessionID, targetID, "kicked", map[string]interface{}{"session_id": sessionID})
	for _, connID := range c.registry.ConnectionsFor(targetID) {
		c.registry.UnbindRoom(connID)
	}
	c.sender.ToRoom(sessionID, "user-left", map[string]interface{}{
		"user_id": p.UserID,
		"reason":  "kicked",
	})
	return nil
}

// StartSession transitions a scheduled session to live.
func (c *Coordinator) StartSession(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.LiveSession, error) {
	return c.rooms.Start(ctx, sessionID, requesterID)
}

// EndSession ends a live session: every participant is marked left,
// tokens are invalidated, breakout rooms close, telemetry is dropped.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, requesterID uuid.UUID) error {
	active, err := c.rooms.End(ctx, sessionID, requesterID)
	if err != nil {
		return err
	}
	c.sender.ToRoom(sessionID, "session-ended", map[string]interface{}{
		"session_id": sessionID,
		"reason":     "ended-by-host",
	})
	c.cleanupSession(sessionID, active)
	return nil
}

// ReportQuality ingests one telemetry sample and pushes the derived
// rating to the reporter and the host dashboard.
func (c *Coordinator) ReportQuality(sessionID, userID uuid.UUID, sample models.QualitySample) (*models.QualityRating, error) {
	if !c.rooms.IsActive(sessionID, userID) {
		return nil, InvalidStatef("join the room before reporting stats")
	}
	rating := c.quality.ReportStats(sessionID, userID, sample)
	notice := map[string]interface{}{"user_id": userID, "rating": rating}
	c.sender.ToUser(sessionID, userID, "participant-quality", notice)
	if hostID, ok := c.rooms.HostOf(sessionID); ok && hostID != userID {
		c.sender.ToUser(sessionID, hostID, "participant-quality", notice)
	}
	return rating, nil
}

// DisconnectedUsers lists participants inside their grace window.
func (c *Coordinator) DisconnectedUsers(sessionID uuid.UUID) []models.DisconnectedUser {
	return c.reconn.DisconnectedUsers(sessionID)
}

// CreateBreakoutRooms builds breakout rooms; only the session host may.
func (c *Coordinator) CreateBreakoutRooms(sessionID, requesterID uuid.UUID, cfg BreakoutConfig) ([]models.BreakoutRoom, error) {
	if err := c.requireHost(sessionID, requesterID); err != nil {
		return nil, err
	}
	rooms, err := c.breakout.CreateRooms(sessionID, requesterID, cfg)
	if err != nil {
		return nil, err
	}
	c.sender.ToRoom(sessionID, "breakout-rooms-created", rooms)
	return rooms, nil
}

// StartBreakout activates the prepared breakout phase.
func (c *Coordinator) StartBreakout(sessionID, requesterID uuid.UUID) error {
	if err := c.breakout.Start(sessionID, requesterID); err != nil {
		return err
	}
	rooms, _ := c.breakout.Rooms(sessionID)
	c.sender.ToRoom(sessionID, "breakout-started", rooms)
	return nil
}

// JoinBreakout places a participant into a breakout room.
func (c *Coordinator) JoinBreakout(sessionID uuid.UUID, roomID string, userID uuid.UUID) error {
	if !c.rooms.IsActive(sessionID, userID) {
		return InvalidStatef("join the session before joining a breakout room")
	}
	if err := c.breakout.Join(sessionID, roomID, userID); err != nil {
		return err
	}
	_ = c.reconn.UpdateState(userID, sessionID, StateUpdate{BreakoutRoomID: &roomID})
	c.broadcastBreakoutState(sessionID)
	return nil
}

// MoveBreakout relocates a participant on the host's behalf.
func (c *Coordinator) MoveBreakout(sessionID, hostID, userID uuid.UUID, targetRoomID string) error {
	if err := c.breakout.Move(sessionID, hostID, userID, targetRoomID); err != nil {
		return err
	}
	_ = c.reconn.UpdateState(userID, sessionID, StateUpdate{BreakoutRoomID: &targetRoomID})
	c.sender.ToUser(sessionID, userID, "breakout-moved", map[string]interface{}{"room_id": targetRoomID})
	c.broadcastBreakoutState(sessionID)
	return nil
}

// CloseBreakouts ends the breakout phase on the host's request.
func (c *Coordinator) CloseBreakouts(sessionID, requesterID uuid.UUID) error {
	return c.breakout.CloseAll(sessionID, requesterID)
}

// AutoAssignBreakout distributes all active participants round-robin.
func (c *Coordinator) AutoAssignBreakout(sessionID, requesterID uuid.UUID) error {
	participants := c.rooms.ActiveParticipants(sessionID)
	userIDs := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		if p.UserID != requesterID {
			userIDs = append(userIDs, p.UserID)
		}
	}
	if err := c.breakout.AutoAssign(sessionID, requesterID, userIDs); err != nil {
		return err
	}
	c.broadcastBreakoutState(sessionID)
	return nil
}

// PreAssignBreakout records suggested rooms without moving anyone.
func (c *Coordinator) PreAssignBreakout(sessionID, requesterID uuid.UUID, assignments map[uuid.UUID]string) error {
	return c.breakout.PreAssign(sessionID, requesterID, assignments)
}

// BroadcastBreakout sends a host announcement into every breakout room.
func (c *Coordinator) BroadcastBreakout(sessionID, requesterID uuid.UUID, payload json.RawMessage) error {
	if err := c.requireHost(sessionID, requesterID); err != nil {
		return err
	}
	rooms, err := c.breakout.Rooms(sessionID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		for _, userID := range room.Participants {
			c.sender.ToUser(sessionID, userID, "breakout-broadcast", payload)
		}
	}
	return nil
}

// BreakoutRooms returns the breakout snapshot for UI queries.
func (c *Coordinator) BreakoutRooms(sessionID uuid.UUID) ([]models.BreakoutRoom, error) {
	return c.breakout.Rooms(sessionID)
}

func (c *Coordinator) broadcastBreakoutState(sessionID uuid.UUID) {
	if rooms, err := c.breakout.Rooms(sessionID); err == nil {
		c.sender.ToRoom(sessionID, "breakout-state", rooms)
	}
}

func (c *Coordinator) requireHost(sessionID, userID uuid.UUID) error {
	hostID, ok := c.rooms.HostOf(sessionID)
	if !ok {
		return NotFoundf("session %s has no room state", sessionID)
	}
	if hostID != userID {
		return PermissionDeniedf("host-only operation")
	}
	return nil
}

// graceExpired is the genuine-leave path: the grace timer fired before a
// successful reconnect.
func (c *Coordinator) graceExpired(d models.DisconnectedUser) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.rooms.Leave(ctx, d.SessionID, d.UserID); err != nil {
		// Already removed by kick or session end.
		return
	}
	c.breakout.Leave(d.SessionID, d.UserID)
	c.sender.ToRoom(d.SessionID, "user-left", map[string]interface{}{
		"user_id": d.UserID,
		"reason":  "connection-timeout",
	})
}

// forceEnded is the reaper cleanup path.
func (c *Coordinator) forceEnded(sessionID uuid.UUID, userIDs []uuid.UUID) {
	c.sender.ToRoom(sessionID, "session-ended", map[string]interface{}{
		"session_id": sessionID,
		"reason":     "auto-ended",
	})
	c.cleanupSession(sessionID, userIDs)
}

func (c *Coordinator) cleanupSession(sessionID uuid.UUID, userIDs []uuid.UUID) {
	for _, userID := range userIDs {
		c.reconn.Invalidate(userID, sessionID)
		for _, connID := range c.registry.ConnectionsFor(userID) {
			c.registry.UnbindRoom(connID)
		}
	}
	c.breakout.ForceClose(sessionID)
	c.quality.Forget(sessionID, nil)
}
