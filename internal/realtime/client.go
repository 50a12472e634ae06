package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/models"
	"github.com/fansvoice/backend/internal/presence"
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

// SessionCommands is the session control surface reachable over the socket,
// satisfied by the chant service.
type SessionCommands interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ChantSession, error)
	Start(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error)
	Pause(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error)
	Resume(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error)
	Stop(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error)
	UpdatePosition(ctx context.Context, id, actorID uuid.UUID, position float64) (*models.ChantSession, error)
}

// PresenceCommands is the membership surface reachable over the socket,
// satisfied by the presence service.
type PresenceCommands interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID, connectionID string) (*presence.JoinResult, error)
	Leave(ctx context.Context, sessionID, userID uuid.UUID) error
	HandleDisconnection(ctx context.Context, connectionID string) (*models.ChantParticipant, error)
	UpdateLatency(ctx context.Context, sessionID, userID uuid.UUID, latencyMs float64) (float64, error)
}

// Client represents a single WebSocket connection. The connection ID doubles
// as the participant connection_id in the membership store.
type Client struct {
	ID     string
	UserID uuid.UUID

	mu        sync.Mutex
	sessionID uuid.UUID // zero until join_session succeeds

	hub      *Hub
	sessions SessionCommands
	presence PresenceCommands
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token is
// validated here because browsers cannot set headers on WebSocket dials.
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (uuid.UUID, error), sessions SessionCommands, pres PresenceCommands) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, err := jwtValidate(token)
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
			ID:       uuid.New().String(),
			UserID:   userID,
			hub:      hub,
			sessions: sessions,
			presence: pres,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id uuid.UUID) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// sendError reports a command failure to this client only; the rest of the
// room never sees another participant's errors.
func (c *Client) sendError(command string, err error) {
	e := apperr.Convert(err)
	msg := WSMessage{Event: "error"}
	msg.Data, _ = json.Marshal(gin.H{"command": command, "code": string(e.Code), "message": e.Message})
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.teardown()
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

// teardown runs once the connection is gone. The membership is not removed:
// it moves to Disconnected so the user can reclaim it within the grace window.
func (c *Client) teardown() {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		return
	}
	c.hub.Unregister(sessionID, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := c.presence.HandleDisconnection(ctx, c.ID)
	if err != nil {
		c.logger.Error("record disconnection failed", zap.String("client_id", c.ID), zap.Error(err))
		return
	}
	if p != nil {
		c.hub.BroadcastToSessionAndPublish(sessionID, "participant_disconnected", gin.H{
			"user_id": c.UserID.String(),
		})
	}
}

func (c *Client) dispatch(msg WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Event {
	case "join_session":
		c.handleJoin(ctx, msg)
	case "leave_session":
		c.handleLeave(ctx)
	case "start_chant":
		c.lifecycle(ctx, msg.Event, "chant_started", c.sessions.Start)
	case "pause_chant":
		c.lifecycle(ctx, msg.Event, "chant_paused", c.sessions.Pause)
	case "resume_chant":
		c.lifecycle(ctx, msg.Event, "chant_resumed", c.sessions.Resume)
	case "stop_chant":
		c.lifecycle(ctx, msg.Event, "chant_stopped", c.sessions.Stop)
	case "update_position":
		c.handlePosition(ctx, msg)
	case "update_latency":
		c.handleLatency(ctx, msg)
	case "chat_message":
		c.handleChat(msg)
	case "request_sync":
		c.handleSync(ctx)
	default:
		// ignore
	}
}

func (c *Client) handleJoin(ctx context.Context, msg WSMessage) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError("join_session", apperr.InvalidState("malformed join payload"))
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		c.sendError("join_session", apperr.InvalidState("invalid session id"))
		return
	}
	if current := c.session(); current != uuid.Nil {
		c.sendError("join_session", apperr.InvalidState("already in a session"))
		return
	}

	res, err := c.presence.Join(ctx, sessionID, c.UserID, c.ID)
	if err != nil {
		c.sendError("join_session", err)
		return
	}
	c.setSession(sessionID)
	c.hub.Register(sessionID, c)

	c.hub.BroadcastToSessionAndPublish(sessionID, "participant_joined", gin.H{
		"user_id":           c.UserID.String(),
		"participant_count": res.Session.ParticipantCount,
		"reconnected":       res.Reconnected,
	})
	// The joiner gets the full state so it can align playback immediately.
	c.sendEvent("sync", res.Session)
}

func (c *Client) handleLeave(ctx context.Context) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		return
	}
	if err := c.presence.Leave(ctx, sessionID, c.UserID); err != nil {
		c.sendError("leave_session", err)
		return
	}
	c.setSession(uuid.Nil)
	c.hub.Unregister(sessionID, c)
	c.hub.BroadcastToSessionAndPublish(sessionID, "participant_left", gin.H{
		"user_id": c.UserID.String(),
	})
}

func (c *Client) lifecycle(ctx context.Context, command, event string, op func(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error)) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		c.sendError(command, apperr.InvalidState("not in a session"))
		return
	}
	sess, err := op(ctx, sessionID, c.UserID)
	if err != nil {
		c.sendError(command, err)
		return
	}
	c.hub.BroadcastToSessionAndPublish(sessionID, event, gin.H{
		"user_id": c.UserID.String(),
		"session": sess,
	})
}

func (c *Client) handlePosition(ctx context.Context, msg WSMessage) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		c.sendError("update_position", apperr.InvalidState("not in a session"))
		return
	}
	var req struct {
		Position float64 `json:"position"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Position < 0 {
		c.sendError("update_position", apperr.InvalidState("malformed position payload"))
		return
	}
	sess, err := c.sessions.UpdatePosition(ctx, sessionID, c.UserID, req.Position)
	if err != nil {
		c.sendError("update_position", err)
		return
	}
	c.hub.BroadcastToSessionAndPublish(sessionID, "position_updated", gin.H{
		"user_id":    c.UserID.String(),
		"position":   sess.CurrentPosition,
		"loop_count": sess.LoopCount,
	})
}

func (c *Client) handleLatency(ctx context.Context, msg WSMessage) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		c.sendError("update_latency", apperr.InvalidState("not in a session"))
		return
	}
	var req struct {
		LatencyMs float64 `json:"latency_ms"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.LatencyMs < 0 {
		c.sendError("update_latency", apperr.InvalidState("malformed latency payload"))
		return
	}
	avg, err := c.presence.UpdateLatency(ctx, sessionID, c.UserID, req.LatencyMs)
	if err != nil {
		c.sendError("update_latency", err)
		return
	}
	c.sendEvent("latency_updated", gin.H{"average_latency": avg})
}

func (c *Client) handleChat(msg WSMessage) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		c.sendError("chat_message", apperr.InvalidState("not in a session"))
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Message == "" {
		c.sendError("chat_message", apperr.InvalidState("malformed chat payload"))
		return
	}
	c.hub.PublishToSessionOnly(sessionID, "chat_message", gin.H{
		"user_id": c.UserID.String(),
		"message": req.Message,
		"at":      time.Now().Unix(),
	})
}

func (c *Client) handleSync(ctx context.Context) {
	sessionID := c.session()
	if sessionID == uuid.Nil {
		c.sendError("request_sync", apperr.InvalidState("not in a session"))
		return
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		c.sendError("request_sync", err)
		return
	}
	c.sendEvent("sync", sess)
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
