package live

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignalKind is the WebRTC negotiation message type being relayed.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Sender delivers outbound events to connected clients. Implemented by
// the transport hub; the core never touches sockets directly.
type Sender interface {
	// ToUser delivers to every connection the user holds in the session.
	ToUser(sessionID, userID uuid.UUID, event string, payload interface{})
	// ToConnection delivers to one specific connection.
	ToConnection(sessionID uuid.UUID, connID string, event string, payload interface{})
	// ToRoom delivers to every connection in the session's room.
	ToRoom(sessionID uuid.UUID, event string, payload interface{})
}

// SignalEnvelope is the outbound relayed signaling message.
type SignalEnvelope struct {
	From    uuid.UUID       `json:"from"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Relay forwards WebRTC signaling between co-located participants without
// understanding the payload. Delivery is best effort; clients handle
// duplicates idempotently.
type Relay struct {
	rooms    *RoomManager
	breakout *BreakoutCoordinator
	sender   Sender
	logger   *zap.Logger
}

// NewRelay creates a signaling relay over the given room state.
func NewRelay(rooms *RoomManager, breakout *BreakoutCoordinator, sender Sender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{rooms: rooms, breakout: breakout, sender: sender, logger: logger}
}

// Forward validates that sender and target share a signaling namespace
// and relays the message to all of the target's connections, or to one
// connection when targetConnID is set.
func (r *Relay) Forward(sessionID, senderID, targetID uuid.UUID, targetConnID string, kind SignalKind, payload json.RawMessage) error {
	switch kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return InvalidStatef("unknown signal kind %q", kind)
	}
	if !r.rooms.IsActive(sessionID, senderID) {
		return InvalidStatef("join the room before signaling")
	}
	if !r.rooms.IsActive(sessionID, targetID) {
		return NotFoundf("target user %s is not in the room", targetID)
	}
	// Once breakout mode is active each sub-room is its own namespace.
	senderRoom, _ := r.breakout.RoomOf(sessionID, senderID)
	targetRoom, _ := r.breakout.RoomOf(sessionID, targetID)
	if senderRoom != targetRoom {
		return PermissionDeniedf("target is in a different breakout room")
	}

	envelope := SignalEnvelope{From: senderID, Kind: kind, Payload: payload}
	if targetConnID != "" {
		r.sender.ToConnection(sessionID, targetConnID, "signal", envelope)
	} else {
		r.sender.ToUser(sessionID, targetID, "signal", envelope)
	}
	r.logger.Debug("signal relayed",
		zap.String("session_id", sessionID.String()),
		zap.String("from", senderID.String()),
		zap.String("to", targetID.String()),
		zap.String("kind", string(kind)))
	return nil
}
