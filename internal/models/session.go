package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
)

// LiveSession is one scheduled/live/ended real-time class meeting.
// The room ID is the opaque signaling namespace clients join.
type LiveSession struct {
	ID               uuid.UUID     `json:"id"`
	ClassID          uuid.UUID     `json:"class_id"`
	HostID           uuid.UUID     `json:"host_id"`
	RoomID           string        `json:"room_id"`
	Title            string        `json:"title"`
	Status           SessionStatus `json:"status"`
	Capacity         int           `json:"capacity"`
	ParticipantCount int           `json:"participant_count"`
	ScheduledAt      time.Time     `json:"scheduled_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
