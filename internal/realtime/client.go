package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/live"
	"github.com/classlive/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// errorBody is the structured failure reply for a rejected operation.
type errorBody struct {
	Success bool   `json:"success"`
	Op      string `json:"op"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// ackBody wraps a successful operation result.
type ackBody struct {
	Success bool        `json:"success"`
	Op      string      `json:"op"`
	Data    interface{} `json:"data,omitempty"`
}

// Client represents a single WebSocket connection of one user. SessionID
// is the zero UUID until a join or reconnect is admitted.
type Client struct {
	ID          string
	UserID      uuid.UUID
	DisplayName string
	SessionID   uuid.UUID
	hub         *Hub
	coord       *live.Coordinator
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
}

// Principal is the verified identity the transport hands to the core.
type Principal struct {
	UserID      uuid.UUID
	DisplayName string
}

// Authenticator validates the query token and returns the principal.
type Authenticator func(token string) (Principal, error)

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, coord *live.Coordinator, logger *zap.Logger, auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		principal, err := auth(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.NewString(),
			UserID:      principal.UserID,
			DisplayName: principal.DisplayName,
			hub:         hub,
			coord:       coord,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			logger:      logger,
		}
		coord.Connect(client.UserID, client.ID)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.SessionID != uuid.Nil {
			c.hub.Unregister(c)
		}
		c.coord.Disconnect(c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(msg)
	}
}

// dispatch handles one inbound event. Failures are replied to the sender
// as structured errors; they never tear down the connection.
func (c *Client) dispatch(msg WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Event {
	case "join-room":
		var payload struct {
			SessionID uuid.UUID `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed join payload"))
			return
		}
		result, err := c.coord.Join(ctx, payload.SessionID, c.UserID, c.ID, c.DisplayName)
		if err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.bindSession(result.SessionID)
		c.replyAck(msg.Event, result)

	case "leave-room":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.Leave(ctx, c.SessionID, c.UserID, c.ID); err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.unbindSession()
		c.replyAck(msg.Event, nil)

	case "reconnect":
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Token == "" {
			c.replyError(msg.Event, live.InvalidStatef("malformed reconnect payload"))
			return
		}
		result, err := c.coord.Reconnect(ctx, payload.Token, c.ID)
		if err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.bindSession(result.Restored.SessionID)
		c.replyAck(msg.Event, result)

	case "signal":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			TargetUserID uuid.UUID       `json:"target_user_id"`
			TargetConnID string          `json:"target_connection_id,omitempty"`
			Kind         live.SignalKind `json:"kind"`
			Payload      json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed signal payload"))
			return
		}
		if err := c.coord.Signal(c.SessionID, c.UserID, payload.TargetUserID, payload.TargetConnID, payload.Kind, payload.Payload); err != nil {
			c.replyError(msg.Event, err)
		}

	case "media-state":
		if !c.requireSession(msg.Event) {
			return
		}
		var media models.MediaState
		if err := json.Unmarshal(msg.Data, &media); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed media state"))
			return
		}
		if err := c.coord.SetMediaState(c.SessionID, c.UserID, media); err != nil {
			c.replyError(msg.Event, err)
		}

	case "raise-hand":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			Raised bool `json:"raised"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed raise-hand payload"))
			return
		}
		if err := c.coord.SetHandRaised(c.SessionID, c.UserID, payload.Raised); err != nil {
			c.replyError(msg.Event, err)
		}

	case "mute-participant":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			TargetUserID uuid.UUID `json:"target_user_id"`
			Mute         bool      `json:"mute"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed mute payload"))
			return
		}
		if err := c.coord.Mute(c.SessionID, c.UserID, payload.TargetUserID, payload.Mute); err != nil {
			c.replyError(msg.Event, err)
		}

	case "kick-participant":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			TargetUserID uuid.UUID `json:"target_user_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed kick payload"))
			return
		}
		if err := c.coord.Kick(ctx, c.SessionID, c.UserID, payload.TargetUserID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "start-session":
		var payload struct {
			SessionID uuid.UUID `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed start payload"))
			return
		}
		session, err := c.coord.StartSession(ctx, payload.SessionID, c.UserID)
		if err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.replyAck(msg.Event, session)

	case "end-session":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.EndSession(ctx, c.SessionID, c.UserID); err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.unbindSession()
		c.replyAck(msg.Event, nil)

	case "connection-quality":
		if !c.requireSession(msg.Event) {
			return
		}
		var sample models.QualitySample
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed quality sample"))
			return
		}
		if _, err := c.coord.ReportQuality(c.SessionID, c.UserID, sample); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-create":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			Rooms                 []string `json:"rooms"`
			AutoCloseAfterMinutes int      `json:"auto_close_after_minutes"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed breakout config"))
			return
		}
		rooms, err := c.coord.CreateBreakoutRooms(c.SessionID, c.UserID, live.BreakoutConfig{
			RoomNames:      payload.Rooms,
			AutoCloseAfter: time.Duration(payload.AutoCloseAfterMinutes) * time.Minute,
		})
		if err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.replyAck(msg.Event, rooms)

	case "breakout-start":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.StartBreakout(c.SessionID, c.UserID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-join":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed breakout join payload"))
			return
		}
		if err := c.coord.JoinBreakout(c.SessionID, payload.RoomID, c.UserID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-move":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			UserID uuid.UUID `json:"user_id"`
			RoomID string    `json:"room_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed breakout move payload"))
			return
		}
		if err := c.coord.MoveBreakout(c.SessionID, c.UserID, payload.UserID, payload.RoomID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-auto-assign":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.AutoAssignBreakout(c.SessionID, c.UserID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-pre-assign":
		if !c.requireSession(msg.Event) {
			return
		}
		var payload struct {
			Assignments map[uuid.UUID]string `json:"assignments"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.replyError(msg.Event, live.InvalidStatef("malformed pre-assign payload"))
			return
		}
		if err := c.coord.PreAssignBreakout(c.SessionID, c.UserID, payload.Assignments); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-close":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.CloseBreakouts(c.SessionID, c.UserID); err != nil {
			c.replyError(msg.Event, err)
		}

	case "breakout-broadcast":
		if !c.requireSession(msg.Event) {
			return
		}
		if err := c.coord.BroadcastBreakout(c.SessionID, c.UserID, msg.Data); err != nil {
			c.replyError(msg.Event, err)
		}

	default:
		c.logger.Debug("unknown event ignored", zap.String("event", msg.Event))
	}
}

func (c *Client) bindSession(sessionID uuid.UUID) {
	if c.SessionID != uuid.Nil {
		c.hub.Unregister(c)
	}
	c.SessionID = sessionID
	c.hub.Register(c)
}

func (c *Client) unbindSession() {
	if c.SessionID == uuid.Nil {
		return
	}
	c.hub.Unregister(c)
	c.SessionID = uuid.Nil
}

func (c *Client) requireSession(op string) bool {
	if c.SessionID == uuid.Nil {
		c.replyError(op, live.InvalidStatef("join a room first"))
		return false
	}
	return true
}

func (c *Client) replyAck(op string, data interface{}) {
	body, err := json.Marshal(ackBody{Success: true, Op: op, Data: data})
	if err != nil {
		return
	}
	c.enqueue(WSMessage{Event: op + "-ack", Data: body})
}

func (c *Client) replyError(op string, err error) {
	code := live.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	body, merr := json.Marshal(errorBody{Op: op, Error: err.Error(), Code: string(code)})
	if merr != nil {
		return
	}
	c.enqueue(WSMessage{Event: "error", Data: body})
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
