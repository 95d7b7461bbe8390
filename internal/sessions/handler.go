package sessions

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/live"
	"github.com/classlive/backend/internal/middleware"
	"github.com/classlive/backend/internal/models"
	"github.com/classlive/backend/pkg/response"
)

// Handler serves the session-metadata HTTP surface: scheduling and the
// read-only views (participants, disconnected users, quality) the host
// dashboard polls.
type Handler struct {
	repo   *Repository
	coord  *live.Coordinator
	logger *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, coord *live.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, coord: coord, logger: logger}
}

type scheduleRequest struct {
	Title       string    `json:"title" binding:"required"`
	Capacity    int       `json:"capacity"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

// Schedule creates a scheduled session for a class, hosted by the caller.
func (h *Handler) Schedule(c *gin.Context) {
	classID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid class id")
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	s := &models.LiveSession{
		ClassID:     classID,
		HostID:      callerID(c),
		RoomID:      "room-" + uuid.NewString(),
		Title:       req.Title,
		Capacity:    req.Capacity,
		ScheduledAt: req.ScheduledAt,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("schedule session", zap.Error(err))
		response.Internal(c, "could not schedule session")
		return
	}
	response.Created(c, s)
}

// ListByClass returns a class's sessions.
func (h *Handler) ListByClass(c *gin.Context) {
	classID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid class id")
		return
	}
	list, err := h.repo.ListByClass(c.Request.Context(), classID)
	if err != nil {
		response.Internal(c, "could not list sessions")
		return
	}
	response.OK(c, list)
}

// GetByID returns session metadata plus the live participant count.
func (h *Handler) GetByID(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	if s.Status == models.SessionLive {
		s.ParticipantCount = h.coord.Rooms().ParticipantCount(s.ID)
	}
	response.OK(c, s)
}

// Participants returns every participant record for a session, one per
// distinct user including those who left.
func (h *Handler) Participants(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{
		"session_id":   s.ID,
		"participants": h.coord.Rooms().SessionRecords(s.ID),
	})
}

// Disconnected returns the users currently inside their grace window.
// Host-only: this feeds the "disconnected, reconnecting" dashboard.
func (h *Handler) Disconnected(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	if s.HostID != callerID(c) {
		response.Forbidden(c, "host only")
		return
	}
	response.OK(c, gin.H{
		"session_id":   s.ID,
		"disconnected": h.coord.DisconnectedUsers(s.ID),
	})
}

// Quality returns the session-wide quality aggregate.
func (h *Handler) Quality(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	agg, err := h.coord.Quality().SessionQuality(s.ID)
	if err != nil {
		response.NotFound(c, "no quality samples for session")
		return
	}
	response.OK(c, agg)
}

// ParticipantQuality returns one participant's rating and recommendations.
func (h *Handler) ParticipantQuality(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	rating, err := h.coord.Quality().ParticipantQuality(s.ID, userID)
	if err != nil {
		response.NotFound(c, "no quality samples for user")
		return
	}
	recs, _ := h.coord.Quality().Recommendations(s.ID, userID)
	response.OK(c, gin.H{
		"rating":          rating,
		"recommendations": recs,
	})
}

// Breakouts returns the breakout room snapshot for late UI queries.
func (h *Handler) Breakouts(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	rooms, err := h.coord.BreakoutRooms(s.ID)
	if err != nil {
		response.NotFound(c, "no breakout rooms for session")
		return
	}
	response.OK(c, rooms)
}

func (h *Handler) loadSession(c *gin.Context) (*models.LiveSession, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.repo.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "could not load session")
		return nil, false
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	return s, true
}

func callerID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(middleware.ContextUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
