package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// scope of a fanout message: a whole room, one user, or one connection.
const (
	scopeRoom = "room"
	scopeUser = "user"
	scopeConn = "conn"
)

// Hub maintains session_id -> set of connections and delivers outbound
// events. Uses Redis pub/sub for horizontal scaling: local delivery plus
// publish, so a user's other connections on another instance still hear
// their room. Implements live.Sender.
type Hub struct {
	// sessionID -> connID -> *Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    Publisher
	redisSub Subscriber
	instance string
}

// Fanout is the cross-instance delivery envelope.
type Fanout struct {
	Scope  string          `json:"scope"`
	UserID uuid.UUID       `json:"user_id,omitempty"`
	ConnID string          `json:"conn_id,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
}

// Publisher publishes session fanouts to Redis for other instances.
type Publisher interface {
	PublishSessionEvent(sessionID uuid.UUID, f Fanout) error
}

// Subscriber subscribes to a session's fanout channel.
type Subscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(f Fanout)) (cancel func(), err error)
}

// NewHub creates a WebSocket hub. redisPub and redisSub may be nil for a
// single-instance deployment; semantics are unchanged.
func NewHub(logger *zap.Logger, redisPub Publisher, redisSub Subscriber) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		instance: uuid.NewString(),
	}
}

// Register adds a client to a session room. Starts the Redis subscription
// for the session when the first local client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			sessionID := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(f Fanout) {
				if f.Origin == h.instance {
					return
				}
				h.deliverLocal(sessionID, f)
			})
			if err == nil {
				h.subs[sessionID] = cancel
			} else {
				h.logger.Warn("session fanout subscribe failed", zap.Error(err))
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined session room",
		zap.String("conn_id", c.ID),
		zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client from its session room, cancelling the Redis
// subscription when the last local client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left session room",
		zap.String("conn_id", c.ID),
		zap.String("session_id", c.SessionID.String()))
}

// ToRoom sends an event to every connection in the session's room,
// locally and on other instances.
func (h *Hub) ToRoom(sessionID uuid.UUID, event string, payload interface{}) {
	h.fanout(sessionID, Fanout{Scope: scopeRoom, Event: event}, payload)
}

// ToUser sends an event to all of a user's connections in the session.
func (h *Hub) ToUser(sessionID, userID uuid.UUID, event string, payload interface{}) {
	h.fanout(sessionID, Fanout{Scope: scopeUser, UserID: userID, Event: event}, payload)
}

// ToConnection sends an event to one specific connection.
func (h *Hub) ToConnection(sessionID uuid.UUID, connID string, event string, payload interface{}) {
	h.fanout(sessionID, Fanout{Scope: scopeConn, ConnID: connID, Event: event}, payload)
}

func (h *Hub) fanout(sessionID uuid.UUID, f Fanout, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal outbound event", zap.Error(err), zap.String("event", f.Event))
		return
	}
	f.Data = data
	f.Origin = h.instance
	h.deliverLocal(sessionID, f)
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionID, f); err != nil {
			h.logger.Warn("publish session event", zap.Error(err), zap.String("event", f.Event))
		}
	}
}

func (h *Hub) deliverLocal(sessionID uuid.UUID, f Fanout) {
	msg := WSMessage{Event: f.Event, Data: f.Data}
	h.mu.RLock()
	clients := h.sessions[sessionID]
	targets := make([]*Client, 0, len(clients))
	for _, c := range clients {
		switch f.Scope {
		case scopeUser:
			if c.UserID == f.UserID {
				targets = append(targets, c)
			}
		case scopeConn:
			if c.ID == f.ConnID {
				targets = append(targets, c)
			}
		default:
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// RoomSize returns the number of connections in a session's room on this
// instance.
func (h *Hub) RoomSize(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
