package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaState tracks which media a participant is currently sending.
type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// Participant is one user inside a live session room. There is exactly
// one record per (session, user); rejoin and reconnect update it in place.
type Participant struct {
	UserID      uuid.UUID  `json:"user_id"`
	DisplayName string     `json:"display_name"`
	IsHost      bool       `json:"is_host"`
	Media       MediaState `json:"media"`
	HandRaised  bool       `json:"hand_raised"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the participant is currently in the room.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}
