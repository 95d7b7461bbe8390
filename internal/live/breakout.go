package live

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/models"
)

// BreakoutConfig is the host-supplied shape of a breakout phase.
type BreakoutConfig struct {
	RoomNames []string
	// AutoCloseAfter closes every room automatically once active for this
	// long. Zero means manual close only.
	AutoCloseAfter time.Duration
}

// ClosingSoonHandler fires ahead of an auto-close so clients can warn users.
type ClosingSoonHandler func(sessionID uuid.UUID, remaining time.Duration)

// ClosedHandler fires when a breakout phase ends, by host or by timer.
type ClosedHandler func(sessionID uuid.UUID)

// breakoutSession is one session's breakout phase. gen increments on
// every lifecycle transition so a fired timer can tell whether it is
// acting on the state it was armed for.
type breakoutSession struct {
	mu        sync.Mutex
	status    models.BreakoutStatus
	hostID    uuid.UUID
	gen       int
	order     []string
	rooms     map[string]*models.BreakoutRoom
	member    map[uuid.UUID]string
	suggested map[uuid.UUID]string
	autoClose time.Duration
}

// BreakoutCoordinator manages per-session sets of breakout sub-rooms:
// creation, membership moves, auto-close, and retention-delayed teardown.
type BreakoutCoordinator struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*breakoutSession

	cfg    Config
	sched  *Scheduler
	logger *zap.Logger

	onClosingSoon ClosingSoonHandler
	onClosed      ClosedHandler
}

// NewBreakoutCoordinator creates a breakout coordinator using sched for
// auto-close, warning and retention timers.
func NewBreakoutCoordinator(cfg Config, sched *Scheduler, logger *zap.Logger) *BreakoutCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakoutCoordinator{
		sessions: make(map[uuid.UUID]*breakoutSession),
		cfg:      cfg,
		sched:    sched,
		logger:   logger,
	}
}

// SetEventHandlers sets the closing-soon and closed callbacks.
func (b *BreakoutCoordinator) SetEventHandlers(closingSoon ClosingSoonHandler, closed ClosedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClosingSoon = closingSoon
	b.onClosed = closed
}

// CreateRooms builds a session's breakout rooms from the host's config.
// Re-creating replaces a preparing or closed phase; an active phase must
// be closed first and rejects with Conflict.
func (b *BreakoutCoordinator) CreateRooms(sessionID, hostID uuid.UUID, cfg BreakoutConfig) ([]models.BreakoutRoom, error) {
	if len(cfg.RoomNames) == 0 {
		return nil, InvalidStatef("breakout config has no rooms")
	}
	b.mu.Lock()
	if existing, ok := b.sessions[sessionID]; ok {
		existing.mu.Lock()
		active := existing.status == models.BreakoutActive
		existing.mu.Unlock()
		if active {
			b.mu.Unlock()
			return nil, Conflictf("breakout is already active for this session")
		}
	}
	bs := &breakoutSession{
		status:    models.BreakoutPreparing,
		hostID:    hostID,
		rooms:     make(map[string]*models.BreakoutRoom),
		member:    make(map[uuid.UUID]string),
		suggested: make(map[uuid.UUID]string),
		autoClose: cfg.AutoCloseAfter,
	}
	now := time.Now()
	for _, name := range cfg.RoomNames {
		room := &models.BreakoutRoom{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Name:      name,
			CreatedAt: now,
		}
		bs.rooms[room.ID] = room
		bs.order = append(bs.order, room.ID)
	}
	b.sessions[sessionID] = bs
	b.mu.Unlock()

	b.logger.Info("breakout rooms created",
		zap.String("session_id", sessionID.String()),
		zap.Int("rooms", len(cfg.RoomNames)))
	return b.snapshot(bs), nil
}

// Start activates a prepared breakout phase and, when configured, arms
// the auto-close timer with an earlier closing-soon warning.
func (b *BreakoutCoordinator) Start(sessionID, hostID uuid.UUID) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	if bs.hostID != hostID {
		bs.mu.Unlock()
		return PermissionDeniedf("only the host can start breakout rooms")
	}
	if bs.status != models.BreakoutPreparing {
		bs.mu.Unlock()
		return InvalidStatef("breakout is %s, not preparing", bs.status)
	}
	bs.status = models.BreakoutActive
	bs.gen++
	gen := bs.gen
	autoClose := bs.autoClose
	bs.mu.Unlock()

	if autoClose > 0 {
		if lead := b.cfg.BreakoutWarningLead; lead > 0 && lead < autoClose {
			b.sched.Schedule(breakoutKey(sessionID, gen, "warn"), autoClose-lead, func() {
				if b.generationActive(sessionID, gen) {
					b.fireClosingSoon(sessionID, lead)
				}
			})
		}
		b.sched.Schedule(breakoutKey(sessionID, gen, "close"), autoClose, func() {
			b.closeAll(sessionID, gen)
		})
	}
	b.logger.Info("breakout started",
		zap.String("session_id", sessionID.String()),
		zap.Duration("auto_close_after", autoClose))
	return nil
}

// Join places a user into a breakout room. The user is evicted from any
// other room in the same session first: membership is exclusive.
func (b *BreakoutCoordinator) Join(sessionID uuid.UUID, roomID string, userID uuid.UUID) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.status != models.BreakoutActive {
		return InvalidStatef("breakout is %s, not active", bs.status)
	}
	room, ok := bs.rooms[roomID]
	if !ok {
		return NotFoundf("breakout room %s not found", roomID)
	}
	if room.Closed {
		return InvalidStatef("breakout room %s is closed", roomID)
	}
	bs.evictLocked(userID)
	bs.member[userID] = roomID
	return nil
}

// Move relocates a participant on the host's behalf, evict-then-insert.
func (b *BreakoutCoordinator) Move(sessionID, hostID, userID uuid.UUID, targetRoomID string) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	if bs.hostID != hostID {
		bs.mu.Unlock()
		return PermissionDeniedf("only the host can move participants")
	}
	bs.mu.Unlock()
	return b.Join(sessionID, targetRoomID, userID)
}

// Leave removes a user from whatever breakout room they are in, e.g. when
// they return to the main room. Not being in one is not an error.
func (b *BreakoutCoordinator) Leave(sessionID, userID uuid.UUID) {
	bs, err := b.session(sessionID)
	if err != nil {
		return
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.evictLocked(userID)
}

// CloseAll ends the breakout phase: every room's participant list is
// cleared, rooms are marked closed, and the whole config is deleted after
// the retention window so late UI queries during teardown still resolve.
func (b *BreakoutCoordinator) CloseAll(sessionID, hostID uuid.UUID) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	if bs.hostID != hostID {
		bs.mu.Unlock()
		return PermissionDeniedf("only the host can close breakout rooms")
	}
	gen := bs.gen
	bs.mu.Unlock()
	if !b.closeAll(sessionID, gen) {
		return InvalidStatef("breakout is not active")
	}
	return nil
}

// ForceClose ends a session's breakout phase regardless of ownership, for
// session-teardown paths where no host identity is at hand (reaper, host
// end). Missing or already closed state is a no-op.
func (b *BreakoutCoordinator) ForceClose(sessionID uuid.UUID) {
	bs, err := b.session(sessionID)
	if err != nil {
		return
	}
	bs.mu.Lock()
	if bs.status == models.BreakoutClosed {
		bs.mu.Unlock()
		return
	}
	wasActive := bs.status == models.BreakoutActive
	prevGen := bs.gen
	bs.status = models.BreakoutClosed
	bs.gen++
	gen := bs.gen
	for _, room := range bs.rooms {
		room.Closed = true
		room.Participants = nil
	}
	bs.member = make(map[uuid.UUID]string)
	bs.suggested = make(map[uuid.UUID]string)
	bs.mu.Unlock()

	b.sched.Cancel(breakoutKey(sessionID, prevGen, "warn"))
	b.sched.Cancel(breakoutKey(sessionID, prevGen, "close"))
	b.sched.Schedule(breakoutKey(sessionID, gen, "gc"), b.cfg.BreakoutRetention, func() {
		b.forget(sessionID, gen)
	})

	b.logger.Info("breakout force-closed", zap.String("session_id", sessionID.String()))
	if wasActive {
		b.mu.RLock()
		onClosed := b.onClosed
		b.mu.RUnlock()
		if onClosed != nil {
			onClosed(sessionID)
		}
	}
}

// closeAll performs the close if the generation still matches; a stale
// auto-close timer racing a manual close is a no-op.
func (b *BreakoutCoordinator) closeAll(sessionID uuid.UUID, expectedGen int) bool {
	bs, err := b.session(sessionID)
	if err != nil {
		return false
	}
	bs.mu.Lock()
	if bs.gen != expectedGen || bs.status != models.BreakoutActive {
		bs.mu.Unlock()
		return false
	}
	bs.status = models.BreakoutClosed
	bs.gen++
	gen := bs.gen
	for _, room := range bs.rooms {
		room.Closed = true
		room.Participants = nil
	}
	bs.member = make(map[uuid.UUID]string)
	bs.suggested = make(map[uuid.UUID]string)
	bs.mu.Unlock()

	b.sched.Cancel(breakoutKey(sessionID, expectedGen, "warn"))
	b.sched.Cancel(breakoutKey(sessionID, expectedGen, "close"))
	b.sched.Schedule(breakoutKey(sessionID, gen, "gc"), b.cfg.BreakoutRetention, func() {
		b.forget(sessionID, gen)
	})

	b.logger.Info("breakout closed", zap.String("session_id", sessionID.String()))
	b.mu.RLock()
	onClosed := b.onClosed
	b.mu.RUnlock()
	if onClosed != nil {
		onClosed(sessionID)
	}
	return true
}

// AutoAssign distributes users round-robin across the session's rooms.
func (b *BreakoutCoordinator) AutoAssign(sessionID, hostID uuid.UUID, userIDs []uuid.UUID) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.hostID != hostID {
		return PermissionDeniedf("only the host can auto-assign participants")
	}
	if bs.status == models.BreakoutClosed {
		return InvalidStatef("breakout is closed")
	}
	if len(bs.order) == 0 {
		return InvalidStatef("no breakout rooms to assign into")
	}
	for i, userID := range userIDs {
		bs.evictLocked(userID)
		bs.member[userID] = bs.order[i%len(bs.order)]
	}
	return nil
}

// PreAssign records suggested rooms without moving anyone; the suggestion
// is consumed only when the user actually joins.
func (b *BreakoutCoordinator) PreAssign(sessionID, hostID uuid.UUID, assignments map[uuid.UUID]string) error {
	bs, err := b.session(sessionID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.hostID != hostID {
		return PermissionDeniedf("only the host can pre-assign participants")
	}
	if bs.status == models.BreakoutClosed {
		return InvalidStatef("breakout is closed")
	}
	for userID, roomID := range assignments {
		if _, ok := bs.rooms[roomID]; !ok {
			return NotFoundf("breakout room %s not found", roomID)
		}
		bs.suggested[userID] = roomID
	}
	return nil
}

// SuggestedRoom returns a user's pre-assigned room, if any.
func (b *BreakoutCoordinator) SuggestedRoom(sessionID, userID uuid.UUID) (string, bool) {
	bs, err := b.session(sessionID)
	if err != nil {
		return "", false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	roomID, ok := bs.suggested[userID]
	return roomID, ok
}

// Rooms returns the current breakout rooms with membership. Closed rooms
// remain queryable until the retention window elapses.
func (b *BreakoutCoordinator) Rooms(sessionID uuid.UUID) ([]models.BreakoutRoom, error) {
	bs, err := b.session(sessionID)
	if err != nil {
		return nil, err
	}
	return b.snapshot(bs), nil
}

// RoomOf returns the breakout room a user is currently in.
func (b *BreakoutCoordinator) RoomOf(sessionID, userID uuid.UUID) (string, bool) {
	bs, err := b.session(sessionID)
	if err != nil {
		return "", false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	roomID, ok := bs.member[userID]
	return roomID, ok
}

// Status returns the breakout phase state for a session.
func (b *BreakoutCoordinator) Status(sessionID uuid.UUID) (models.BreakoutStatus, error) {
	bs, err := b.session(sessionID)
	if err != nil {
		return "", err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.status, nil
}

func (b *BreakoutCoordinator) session(sessionID uuid.UUID) (*breakoutSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		return nil, NotFoundf("no breakout rooms for session %s", sessionID)
	}
	return bs, nil
}

func (b *BreakoutCoordinator) generationActive(sessionID uuid.UUID, gen int) bool {
	bs, err := b.session(sessionID)
	if err != nil {
		return false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.gen == gen && bs.status == models.BreakoutActive
}

func (b *BreakoutCoordinator) fireClosingSoon(sessionID uuid.UUID, remaining time.Duration) {
	b.mu.RLock()
	fn := b.onClosingSoon
	b.mu.RUnlock()
	if fn != nil {
		fn(sessionID, remaining)
	}
}

func (b *BreakoutCoordinator) forget(sessionID uuid.UUID, expectedGen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	bs.mu.Lock()
	stale := bs.gen == expectedGen && bs.status == models.BreakoutClosed
	bs.mu.Unlock()
	if stale {
		delete(b.sessions, sessionID)
	}
}

// snapshot copies rooms with membership resolved from the member map.
func (b *BreakoutCoordinator) snapshot(bs *breakoutSession) []models.BreakoutRoom {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	byRoom := make(map[string][]uuid.UUID)
	for userID, roomID := range bs.member {
		byRoom[roomID] = append(byRoom[roomID], userID)
	}
	out := make([]models.BreakoutRoom, 0, len(bs.order))
	for _, id := range bs.order {
		room := *bs.rooms[id]
		members := byRoom[id]
		sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
		room.Participants = members
		out = append(out, room)
	}
	return out
}

// evictLocked removes a user from whichever room they are in. Caller
// holds bs.mu.
func (bs *breakoutSession) evictLocked(userID uuid.UUID) {
	delete(bs.member, userID)
}

func breakoutKey(sessionID uuid.UUID, gen int, kind string) string {
	return fmt.Sprintf("breakout:%s:%s:%d", kind, sessionID, gen)
}
