package live

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/models"
)

// SessionRepository is the external store of session metadata. The core
// reads it to authorize admission and writes status/count transitions.
// Implementations must be safe to call from the room-mutation path; the
// manager never invokes them while holding an in-memory lock.
type SessionRepository interface {
	// Get returns the session, or (nil, nil) if it does not exist.
	Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error)
	SetStatus(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) error
	IncrementParticipants(ctx context.Context, sessionID uuid.UUID, delta int) error
	ResetParticipants(ctx context.Context, sessionID uuid.UUID) error
	// HasLiveSessionForClass reports whether another session for the class is already live.
	HasLiveSessionForClass(ctx context.Context, classID, exclude uuid.UUID) (bool, error)
	// ListStaleLive returns live sessions started before the cutoff.
	ListStaleLive(ctx context.Context, startedBefore time.Time) ([]models.LiveSession, error)
}

// ForceEndHandler is called when the reaper ends a stale session, with the
// users that were still marked active.
type ForceEndHandler func(sessionID uuid.UUID, userIDs []uuid.UUID)

// roomState is the authoritative in-memory participant state for one
// session. Compound mutations (admit, leave, end) hold mu so counts can
// never be lost between concurrent handlers; different sessions proceed
// fully in parallel.
type roomState struct {
	mu           sync.Mutex
	hostID       uuid.UUID
	roomID       string
	capacity     int
	count        int
	ended        bool
	participants map[uuid.UUID]*models.Participant
}

// RoomManager owns per-session room state and drives the
// scheduled -> live -> ended lifecycle against the session repository.
type RoomManager struct {
	mu        sync.RWMutex
	rooms     map[uuid.UUID]*roomState
	roomIndex map[string]uuid.UUID
	repo      SessionRepository
	cfg       Config
	logger    *zap.Logger

	onForceEnd ForceEndHandler
}

// NewRoomManager creates a room manager backed by the given repository.
func NewRoomManager(repo SessionRepository, cfg Config, logger *zap.Logger) *RoomManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{
		rooms:     make(map[uuid.UUID]*roomState),
		roomIndex: make(map[string]uuid.UUID),
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetForceEndHandler sets the callback invoked after a reaper-forced end.
func (m *RoomManager) SetForceEndHandler(fn ForceEndHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onForceEnd = fn
}

func (m *RoomManager) state(sessionID uuid.UUID) (*roomState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rooms[sessionID]
	return rs, ok
}

func (m *RoomManager) getOrCreate(sessionID uuid.UUID, s *models.LiveSession) *roomState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.rooms[sessionID]; ok {
		return rs
	}
	rs := &roomState{
		hostID:       s.HostID,
		roomID:       s.RoomID,
		capacity:     s.Capacity,
		participants: make(map[uuid.UUID]*models.Participant),
	}
	m.rooms[sessionID] = rs
	m.roomIndex[s.RoomID] = sessionID
	return rs
}

// SessionForRoom resolves a signaling namespace back to its session.
func (m *RoomManager) SessionForRoom(roomID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.roomIndex[roomID]
	return sessionID, ok
}

// Start transitions a scheduled session to live. Host-only; rejects with
// Conflict when another session for the same class is already live.
func (m *RoomManager) Start(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.LiveSession, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	if s.HostID != requesterID {
		return nil, PermissionDeniedf("only the host can start the session")
	}
	switch s.Status {
	case models.SessionEnded:
		return nil, InvalidStatef("session has already ended")
	case models.SessionLive:
		return nil, InvalidStatef("session is already live")
	}
	busy, err := m.repo.HasLiveSessionForClass(ctx, s.ClassID, sessionID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, Conflictf("another session for this class is already live")
	}
	if err := m.repo.SetStatus(ctx, sessionID, models.SessionLive); err != nil {
		return nil, err
	}
	s.Status = models.SessionLive
	now := time.Now()
	s.StartedAt = &now
	m.getOrCreate(sessionID, s)
	m.logger.Info("session started",
		zap.String("session_id", sessionID.String()),
		zap.String("host_id", requesterID.String()))
	return s, nil
}

// End transitions a live session to ended. Host-only. Every active
// participant is marked left and the count zeroed in one critical
// section, so no join can be admitted mid-transition. Returns the users
// that were still active.
func (m *RoomManager) End(ctx context.Context, sessionID, requesterID uuid.UUID) ([]uuid.UUID, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	if s.HostID != requesterID {
		return nil, PermissionDeniedf("only the host can end the session")
	}
	if s.Status != models.SessionLive {
		return nil, InvalidStatef("session is not live")
	}
	active := m.endLocal(sessionID, s)
	if err := m.repo.SetStatus(ctx, sessionID, models.SessionEnded); err != nil {
		m.logger.Error("persist session end", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	if err := m.repo.ResetParticipants(ctx, sessionID); err != nil {
		m.logger.Error("reset participant count", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	m.logger.Info("session ended by host",
		zap.String("session_id", sessionID.String()),
		zap.Int("active_participants", len(active)))
	return active, nil
}

// endLocal flips the in-memory room to ended and marks everyone left.
// The ended flag blocks concurrent AdmitJoin before the repo write lands.
func (m *RoomManager) endLocal(sessionID uuid.UUID, s *models.LiveSession) []uuid.UUID {
	rs := m.getOrCreate(sessionID, s)
	now := time.Now()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ended = true
	var active []uuid.UUID
	for _, p := range rs.participants {
		if p.Active() {
			p.LeftAt = &now
			active = append(active, p.UserID)
		}
	}
	rs.count = 0
	return active
}

// AdmitJoin admits a user into a live session's room. A returning user's
// record is revived in place; the count is incremented only on the
// inactive -> active transition, never twice for an already-active user.
func (m *RoomManager) AdmitJoin(ctx context.Context, sessionID, userID uuid.UUID, displayName string) (*models.Participant, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	if s.Status != models.SessionLive {
		return nil, InvalidStatef("session is not live")
	}
	rs := m.getOrCreate(sessionID, s)

	rs.mu.Lock()
	if rs.ended {
		rs.mu.Unlock()
		return nil, InvalidStatef("session is not live")
	}
	p, exists := rs.participants[userID]
	if exists && p.Active() {
		// Rejoin before any leave was recorded: state no-op, not a duplicate.
		if displayName != "" {
			p.DisplayName = displayName
		}
		out := clone(p)
		rs.mu.Unlock()
		return out, nil
	}
	if rs.capacity > 0 && rs.count >= rs.capacity {
		rs.mu.Unlock()
		return nil, RoomFullf("session is at capacity (%d)", rs.capacity)
	}
	if exists {
		p.LeftAt = nil
		p.JoinedAt = time.Now()
		if displayName != "" {
			p.DisplayName = displayName
		}
	} else {
		p = &models.Participant{
			UserID:      userID,
			DisplayName: displayName,
			IsHost:      userID == rs.hostID,
			JoinedAt:    time.Now(),
		}
		rs.participants[userID] = p
	}
	rs.count++
	out := clone(p)
	rs.mu.Unlock()

	if err := m.repo.IncrementParticipants(ctx, sessionID, 1); err != nil {
		m.logger.Warn("participant count write-through", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	return out, nil
}

// Leave marks a participant as left. A second leave for the same user is
// rejected rather than double-decrementing the count.
func (m *RoomManager) Leave(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, NotFoundf("session %s has no room state", sessionID)
	}
	rs.mu.Lock()
	p, exists := rs.participants[userID]
	if !exists || !p.Active() {
		rs.mu.Unlock()
		return nil, NotFoundf("user %s is not in the room", userID)
	}
	now := time.Now()
	p.LeftAt = &now
	rs.count--
	out := clone(p)
	rs.mu.Unlock()

	if err := m.repo.IncrementParticipants(ctx, sessionID, -1); err != nil {
		m.logger.Warn("participant count write-through", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	return out, nil
}

// Kick removes a participant on the host's request. Self-kick is refused.
// The caller is responsible for invalidating the target's reconnection
// token so they cannot silently rejoin.
func (m *RoomManager) Kick(ctx context.Context, sessionID, hostID, targetID uuid.UUID) (*models.Participant, error) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, NotFoundf("session %s has no room state", sessionID)
	}
	rs.mu.Lock()
	if rs.hostID != hostID {
		rs.mu.Unlock()
		return nil, PermissionDeniedf("only the host can kick participants")
	}
	if hostID == targetID {
		rs.mu.Unlock()
		return nil, PermissionDeniedf("the host cannot kick themselves")
	}
	p, exists := rs.participants[targetID]
	if !exists || !p.Active() {
		rs.mu.Unlock()
		return nil, NotFoundf("user %s is not in the room", targetID)
	}
	now := time.Now()
	p.LeftAt = &now
	rs.count--
	out := clone(p)
	rs.mu.Unlock()

	if err := m.repo.IncrementParticipants(ctx, sessionID, -1); err != nil {
		m.logger.Warn("participant count write-through", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	m.logger.Info("participant kicked",
		zap.String("session_id", sessionID.String()),
		zap.String("target_user_id", targetID.String()))
	return out, nil
}

// UpdateMedia applies a participant's new media state.
func (m *RoomManager) UpdateMedia(sessionID, userID uuid.UUID, media models.MediaState) (*models.Participant, error) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, NotFoundf("session %s has no room state", sessionID)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, exists := rs.participants[userID]
	if !exists || !p.Active() {
		return nil, NotFoundf("user %s is not in the room", userID)
	}
	p.Media = media
	return clone(p), nil
}

// SetAudio flips only the audio flag, under the room lock, so a host mute
// cannot lose a concurrent media update from the participant.
func (m *RoomManager) SetAudio(sessionID, userID uuid.UUID, on bool) (*models.Participant, error) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, NotFoundf("session %s has no room state", sessionID)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, exists := rs.participants[userID]
	if !exists || !p.Active() {
		return nil, NotFoundf("user %s is not in the room", userID)
	}
	p.Media.Audio = on
	return clone(p), nil
}

// SetHandRaised toggles a participant's raised hand.
func (m *RoomManager) SetHandRaised(sessionID, userID uuid.UUID, raised bool) (*models.Participant, error) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, NotFoundf("session %s has no room state", sessionID)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, exists := rs.participants[userID]
	if !exists || !p.Active() {
		return nil, NotFoundf("user %s is not in the room", userID)
	}
	p.HandRaised = raised
	return clone(p), nil
}

// Participant returns the current record for a user, active or not.
func (m *RoomManager) Participant(sessionID, userID uuid.UUID) (*models.Participant, bool) {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, exists := rs.participants[userID]
	if !exists {
		return nil, false
	}
	return clone(p), true
}

// IsActive reports whether a user is currently in the session's room.
func (m *RoomManager) IsActive(sessionID, userID uuid.UUID) bool {
	rs, ok := m.state(sessionID)
	if !ok {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, exists := rs.participants[userID]
	return exists && p.Active()
}

// ActiveParticipants returns everyone currently in the room.
func (m *RoomManager) ActiveParticipants(sessionID uuid.UUID) []models.Participant {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]models.Participant, 0, rs.count)
	for _, p := range rs.participants {
		if p.Active() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// SessionRecords returns every participant record for a session, one per
// distinct user regardless of join/leave cycles, including those who left.
func (m *RoomManager) SessionRecords(sessionID uuid.UUID) []models.Participant {
	rs, ok := m.state(sessionID)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]models.Participant, 0, len(rs.participants))
	for _, p := range rs.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// ParticipantCount returns the number of active participants.
func (m *RoomManager) ParticipantCount(sessionID uuid.UUID) int {
	rs, ok := m.state(sessionID)
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.count
}

// HostOf returns the session's host identity.
func (m *RoomManager) HostOf(sessionID uuid.UUID) (uuid.UUID, bool) {
	rs, ok := m.state(sessionID)
	if !ok {
		return uuid.Nil, false
	}
	return rs.hostID, true
}

// RoomIDOf returns the session's signaling namespace.
func (m *RoomManager) RoomIDOf(sessionID uuid.UUID) (string, bool) {
	rs, ok := m.state(sessionID)
	if !ok {
		return "", false
	}
	return rs.roomID, true
}

// RunReaper force-ends sessions that have been live past the configured
// ceiling with no explicit end. It re-checks status before acting so a
// reap racing a host's manual end is a safe no-op. Blocks until ctx is done.
func (m *RoomManager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *RoomManager) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.MaxSessionDuration)
	stale, err := m.repo.ListStaleLive(ctx, cutoff)
	if err != nil {
		m.logger.Error("list stale sessions", zap.Error(err))
		return
	}
	for i := range stale {
		s := &stale[i]
		// Re-check: the host may have ended it between listing and acting.
		current, err := m.repo.Get(ctx, s.ID)
		if err != nil || current == nil || current.Status != models.SessionLive {
			continue
		}
		active := m.endLocal(s.ID, current)
		if err := m.repo.SetStatus(ctx, s.ID, models.SessionEnded); err != nil {
			m.logger.Error("persist reaped session", zap.Error(err), zap.String("session_id", s.ID.String()))
			continue
		}
		if err := m.repo.ResetParticipants(ctx, s.ID); err != nil {
			m.logger.Error("reset participant count", zap.Error(err), zap.String("session_id", s.ID.String()))
		}
		m.logger.Warn("session auto-ended by reaper",
			zap.String("session_id", s.ID.String()),
			zap.Duration("max_duration", m.cfg.MaxSessionDuration),
			zap.Int("active_participants", len(active)))
		m.mu.RLock()
		onForceEnd := m.onForceEnd
		m.mu.RUnlock()
		if onForceEnd != nil {
			onForceEnd(s.ID, active)
		}
	}
}

func clone(p *models.Participant) *models.Participant {
	cp := *p
	return &cp
}
