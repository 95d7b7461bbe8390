package models

import (
	"time"

	"github.com/google/uuid"
)

// BreakoutStatus is the lifecycle state of a session's breakout phase.
type BreakoutStatus string

const (
	BreakoutPreparing BreakoutStatus = "preparing"
	BreakoutActive    BreakoutStatus = "active"
	BreakoutClosed    BreakoutStatus = "closed"
)

// BreakoutRoom is an independent signaling sub-namespace scoped to a
// parent session. A user belongs to at most one breakout room at a time.
type BreakoutRoom struct {
	ID           string      `json:"id"`
	SessionID    uuid.UUID   `json:"session_id"`
	Name         string      `json:"name"`
	Participants []uuid.UUID `json:"participants"`
	Closed       bool        `json:"closed"`
	CreatedAt    time.Time   `json:"created_at"`
}
