package models

import (
	"time"

	"github.com/google/uuid"
)

// ReconnectionToken lets a dropped client resume its place in a session
// without a full re-join. The token value is opaque to clients; the
// server keeps the bound state and redeems the value against it.
type ReconnectionToken struct {
	Token          string     `json:"token"`
	UserID         uuid.UUID  `json:"user_id"`
	SessionID      uuid.UUID  `json:"session_id"`
	RoomID         string     `json:"room_id"`
	Media          MediaState `json:"media"`
	BreakoutRoomID string     `json:"breakout_room_id,omitempty"`
	HandRaised     bool       `json:"hand_raised"`
	Attempts       int        `json:"attempts"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// DisconnectedUser is the transient record for a participant whose
// transport dropped and whose grace period has not yet expired.
type DisconnectedUser struct {
	UserID         uuid.UUID `json:"user_id"`
	SessionID      uuid.UUID `json:"session_id"`
	RoomID         string    `json:"room_id"`
	WasHost        bool      `json:"was_host"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Deadline       time.Time `json:"deadline"`
}

// RestoredState is returned on a successful reconnection so the client
// can restore its UI without re-querying everything.
type RestoredState struct {
	SessionID      uuid.UUID  `json:"session_id"`
	RoomID         string     `json:"room_id"`
	Media          MediaState `json:"media"`
	BreakoutRoomID string     `json:"breakout_room_id,omitempty"`
	HandRaised     bool       `json:"hand_raised"`
	AttemptsLeft   int        `json:"attempts_left"`
}
