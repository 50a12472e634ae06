// Package realtime carries the WebSocket surface: per-session rooms, the
// command dispatch loop and the Redis bridge that fans broadcasts out across
// instances.
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

// ConnectionChangeHandler is called whenever a room's local connection count
// changes, for gauge-style telemetry.
type ConnectionChangeHandler func(sessionID uuid.UUID, count int)

// Hub maintains session_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to
// Redis for the other instances.
type Hub struct {
	// id tags published messages so this instance's own subscription can
	// discard them instead of delivering a second local copy.
	id string
	// sessionID -> map[clientID]*Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	onChange ConnectionChangeHandler
}

// RedisPublisher publishes room events to Redis for cross-instance broadcast.
// An empty origin means every instance, the publisher included, delivers the
// message from its subscription.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, origin, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		id:       uuid.New().String(),
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetConnectionChangeHandler sets the callback for room connection counts.
func (h *Hub) SetConnectionChangeHandler(fn ConnectionChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Register adds a client to a session room. Starts the Redis subscription for
// the room when the first local client arrives.
func (h *Hub) Register(sessionID uuid.UUID, c *Client) {
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(origin, event string, payload []byte) {
				// Messages this instance published were already broadcast
				// locally before publishing.
				if origin == h.id {
					return
				}
				h.BroadcastToSession(sessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[sessionID] = cancel
			}
		}
	}
	h.sessions[sessionID][c.ID] = c
	count := len(h.sessions[sessionID])
	onChange := h.onChange
	h.mu.Unlock()
	if onChange != nil {
		onChange(sessionID, count)
	}
	h.logger.Debug("client joined session room",
		zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
}

// Unregister removes a client from a session room. Cancels the Redis
// subscription when the last local client leaves.
func (h *Hub) Unregister(sessionID uuid.UUID, c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.sessions[sessionID]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.sessions, sessionID)
			if cancel, ok := h.subs[sessionID]; ok {
				cancel()
				delete(h.subs, sessionID)
			}
		}
	}
	onChange := h.onChange
	h.mu.Unlock()
	if onChange != nil {
		onChange(sessionID, count)
	}
	h.logger.Debug("client left session room",
		zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
}

// BroadcastToSession sends a message to all local clients in a session room.
func (h *Hub) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToSessionAndPublish sends to local clients and publishes to Redis
// for the other instances. The publish carries this hub's id so the local
// subscription skips its own message.
func (h *Hub) BroadcastToSessionAndPublish(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToSession(sessionID, event, json.RawMessage(data))
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(sessionID, h.id, event, data)
	}
}

// PublishToSessionOnly publishes to Redis only (no direct local broadcast), so
// the Redis subscriber callback performs the broadcast once for every instance
// including this one. Used for chat so local clients see each message exactly
// once.
func (h *Hub) PublishToSessionOnly(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(sessionID, "", event, data)
		return
	}
	h.BroadcastToSession(sessionID, event, json.RawMessage(data))
}

// ConnectionCount returns the number of local connections in a session room.
func (h *Hub) ConnectionCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// SendToClient sends a message to a single client in a session room.
func (h *Hub) SendToClient(sessionID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := h.sessions[sessionID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
