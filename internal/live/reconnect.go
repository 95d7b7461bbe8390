package live

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/models"
)

// sessionUser keys per-(session, user) state.
type sessionUser struct {
	sessionID uuid.UUID
	userID    uuid.UUID
}

// GraceExpiredHandler runs when a disconnected user's grace period lapses
// without a successful reconnect: the user is now a genuine leave.
type GraceExpiredHandler func(d models.DisconnectedUser)

// StateUpdate is a partial token-state merge; nil fields are untouched.
type StateUpdate struct {
	Media          *models.MediaState
	BreakoutRoomID *string
	HandRaised     *bool
}

// ReconnectManager issues reconnection tokens at join time, tracks
// dropped users through the grace period, and validates redemption
// attempts against expiry and the attempt ceiling.
type ReconnectManager struct {
	mu           sync.Mutex
	byToken      map[string]*models.ReconnectionToken
	active       map[sessionUser]string
	disconnected map[sessionUser]*models.DisconnectedUser

	cfg    Config
	sched  *Scheduler
	logger *zap.Logger
	now    func() time.Time

	onGraceExpired GraceExpiredHandler
}

// NewReconnectManager creates a reconnect manager using sched for grace timers.
func NewReconnectManager(cfg Config, sched *Scheduler, logger *zap.Logger) *ReconnectManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconnectManager{
		byToken:      make(map[string]*models.ReconnectionToken),
		active:       make(map[sessionUser]string),
		disconnected: make(map[sessionUser]*models.DisconnectedUser),
		cfg:          cfg,
		sched:        sched,
		logger:       logger,
		now:          time.Now,
	}
}

// SetGraceExpiredHandler sets the genuine-leave callback.
func (m *ReconnectManager) SetGraceExpiredHandler(fn GraceExpiredHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGraceExpired = fn
}

// IssueToken creates a fresh token for a (session, user) pair, capturing
// the media state at join. Any previous token for the pair is invalidated:
// at most one active token per pair. A fresh join also supersedes a
// pending grace window, so a rejoining user is never still listed as
// disconnected.
func (m *ReconnectManager) IssueToken(userID, sessionID uuid.UUID, roomID string, media models.MediaState) *models.ReconnectionToken {
	m.mu.Lock()
	key := sessionUser{sessionID: sessionID, userID: userID}
	prev, hadPrev := m.active[key]
	if hadPrev {
		delete(m.byToken, prev)
		delete(m.disconnected, key)
	}
	now := m.now()
	t := &models.ReconnectionToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		RoomID:    roomID,
		Media:     media,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TokenTTL),
	}
	m.byToken[t.Token] = t
	m.active[key] = t.Token
	out := cloneToken(t)
	m.mu.Unlock()
	if hadPrev {
		m.sched.Cancel(graceKey(prev))
	}
	return out
}

// UpdateState merges partial media/position state into the user's active
// token (last-write-wins per field) and extends its expiry.
func (m *ReconnectManager) UpdateState(userID, sessionID uuid.UUID, upd StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionUser{sessionID: sessionID, userID: userID}
	value, ok := m.active[key]
	if !ok {
		return NotFoundf("no active reconnection token for user %s", userID)
	}
	t := m.byToken[value]
	if upd.Media != nil {
		t.Media = *upd.Media
	}
	if upd.BreakoutRoomID != nil {
		t.BreakoutRoomID = *upd.BreakoutRoomID
	}
	if upd.HandRaised != nil {
		t.HandRaised = *upd.HandRaised
	}
	t.ExpiresAt = m.now().Add(m.cfg.TokenTTL)
	return nil
}

// OnDisconnect records that a joined participant's transport dropped and
// arms the grace-period timer. Returns nil when the user holds no active
// token, meaning they were never properly joined.
func (m *ReconnectManager) OnDisconnect(userID, sessionID uuid.UUID, roomID string, wasHost bool) *models.DisconnectedUser {
	m.mu.Lock()
	key := sessionUser{sessionID: sessionID, userID: userID}
	value, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	d := &models.DisconnectedUser{
		UserID:         userID,
		SessionID:      sessionID,
		RoomID:         roomID,
		WasHost:        wasHost,
		DisconnectedAt: now,
		Deadline:       now.Add(m.cfg.GracePeriod),
	}
	m.disconnected[key] = d
	out := *d
	m.mu.Unlock()

	// Timer identity is the token value: a reconnect that rotates state, or
	// a newer disconnect, leaves a stale callback as a no-op.
	m.sched.Schedule(graceKey(value), m.cfg.GracePeriod, func() {
		m.graceExpired(key, value)
	})
	m.logger.Debug("grace period armed",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID.String()),
		zap.Duration("grace_period", m.cfg.GracePeriod))
	return &out
}

func (m *ReconnectManager) graceExpired(key sessionUser, expectedToken string) {
	m.mu.Lock()
	d, stillDown := m.disconnected[key]
	current, hasToken := m.active[key]
	if !stillDown || !hasToken || current != expectedToken {
		m.mu.Unlock()
		return
	}
	delete(m.disconnected, key)
	delete(m.byToken, expectedToken)
	delete(m.active, key)
	out := *d
	m.mu.Unlock()

	m.logger.Info("grace period expired, treating as leave",
		zap.String("session_id", out.SessionID.String()),
		zap.String("user_id", out.UserID.String()))
	m.mu.Lock()
	fn := m.onGraceExpired
	m.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}

// AttemptReconnect redeems a token on behalf of userID. Fails with
// NotFound for an unknown token, PermissionDenied when the token belongs
// to someone else, InvalidState past expiry, and RateExceeded once the
// attempt ceiling is reached. Success consumes one attempt and clears the
// disconnected record; the token stays redeemable for later drops while
// attempts and expiry allow.
func (m *ReconnectManager) AttemptReconnect(tokenValue string, userID uuid.UUID) (*models.RestoredState, error) {
	m.mu.Lock()
	t, ok := m.byToken[tokenValue]
	if !ok {
		m.mu.Unlock()
		return nil, NotFoundf("unknown reconnection token")
	}
	if t.UserID != userID {
		// The presenter is not the token's owner: reject before touching
		// the attempt counter or the disconnected record.
		m.mu.Unlock()
		return nil, PermissionDeniedf("reconnection token belongs to another user")
	}
	key := sessionUser{sessionID: t.SessionID, userID: t.UserID}
	if !m.now().Before(t.ExpiresAt) {
		delete(m.byToken, tokenValue)
		delete(m.active, key)
		delete(m.disconnected, key)
		m.mu.Unlock()
		return nil, InvalidStatef("reconnection token expired")
	}
	if t.Attempts >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		return nil, RateExceededf("reconnection attempts exhausted (%d)", m.cfg.MaxReconnectAttempts)
	}
	t.Attempts++
	delete(m.disconnected, key)
	restored := &models.RestoredState{
		SessionID:      t.SessionID,
		RoomID:         t.RoomID,
		Media:          t.Media,
		BreakoutRoomID: t.BreakoutRoomID,
		HandRaised:     t.HandRaised,
		AttemptsLeft:   m.cfg.MaxReconnectAttempts - t.Attempts,
	}
	m.mu.Unlock()

	m.sched.Cancel(graceKey(tokenValue))
	m.logger.Info("reconnection succeeded",
		zap.String("session_id", restored.SessionID.String()),
		zap.String("user_id", t.UserID.String()),
		zap.Int("attempts_left", restored.AttemptsLeft))
	return restored, nil
}

// Invalidate destroys a user's active token and disconnected record, e.g.
// on kick or session end, so the token can no longer be redeemed.
func (m *ReconnectManager) Invalidate(userID, sessionID uuid.UUID) {
	m.mu.Lock()
	key := sessionUser{sessionID: sessionID, userID: userID}
	value, ok := m.active[key]
	if ok {
		delete(m.byToken, value)
		delete(m.active, key)
	}
	delete(m.disconnected, key)
	m.mu.Unlock()
	if ok {
		m.sched.Cancel(graceKey(value))
	}
}

// DisconnectedUsers lists users of a session currently inside their grace
// window, for the host dashboard ("disconnected, reconnecting").
func (m *ReconnectManager) DisconnectedUsers(sessionID uuid.UUID) []models.DisconnectedUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DisconnectedUser
	for key, d := range m.disconnected {
		if key.sessionID == sessionID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisconnectedAt.Before(out[j].DisconnectedAt) })
	return out
}

// IsDisconnected reports whether the user is inside a grace window.
func (m *ReconnectManager) IsDisconnected(sessionID, userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.disconnected[sessionUser{sessionID: sessionID, userID: userID}]
	return ok
}

func graceKey(tokenValue string) string {
	return "grace:" + tokenValue
}

func cloneToken(t *models.ReconnectionToken) *models.ReconnectionToken {
	cp := *t
	return &cp
}
