package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/models"
)

// stubSessions returns copies of a seed session with the state a real
// lifecycle call would produce.
type stubSessions struct {
	sess *models.ChantSession
}

func (s *stubSessions) Get(ctx context.Context, id uuid.UUID) (*models.ChantSession, error) {
	cp := *s.sess
	return &cp, nil
}

func (s *stubSessions) transition(status models.SessionStatus) (*models.ChantSession, error) {
	cp := *s.sess
	cp.Status = status
	return &cp, nil
}

func (s *stubSessions) Start(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(models.SessionActive)
}

func (s *stubSessions) Pause(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(models.SessionPaused)
}

func (s *stubSessions) Resume(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(models.SessionActive)
}

func (s *stubSessions) Stop(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(models.SessionCompleted)
}

func (s *stubSessions) UpdatePosition(ctx context.Context, id, actorID uuid.UUID, position float64) (*models.ChantSession, error) {
	cp := *s.sess
	cp.CurrentPosition = position
	return &cp, nil
}

func newCommandClient(hub *Hub, sessions SessionCommands, sessionID uuid.UUID) *Client {
	c := &Client{
		ID:       uuid.New().String(),
		UserID:   uuid.New(),
		hub:      hub,
		sessions: sessions,
		send:     make(chan WSMessage, 16),
		logger:   zap.NewNop(),
	}
	c.setSession(sessionID)
	hub.Register(sessionID, c)
	return c
}

func TestLifecycleBroadcastNamesActingUser(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()
	seed := &models.ChantSession{ID: sessionID, ChantName: "anthem", Status: models.SessionPreparing}
	actor := newCommandClient(hub, &stubSessions{sess: seed}, sessionID)
	listener := newTestClient()
	hub.Register(sessionID, listener)

	actor.dispatch(WSMessage{Event: "start_chant"})

	msg := receive(t, listener)
	require.Equal(t, "chant_started", msg.Event)

	var payload struct {
		UserID  string               `json:"user_id"`
		Session *models.ChantSession `json:"session"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	require.Equal(t, actor.UserID.String(), payload.UserID)
	require.NotNil(t, payload.Session)
	require.Equal(t, models.SessionActive, payload.Session.Status)
	require.Equal(t, "anthem", payload.Session.ChantName)
}

func TestPositionBroadcastNamesActingUser(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()
	seed := &models.ChantSession{ID: sessionID, Status: models.SessionActive, LoopCount: 2}
	actor := newCommandClient(hub, &stubSessions{sess: seed}, sessionID)
	listener := newTestClient()
	hub.Register(sessionID, listener)

	actor.dispatch(WSMessage{Event: "update_position", Data: json.RawMessage(`{"position":42.5}`)})

	msg := receive(t, listener)
	require.Equal(t, "position_updated", msg.Event)

	var payload struct {
		UserID    string  `json:"user_id"`
		Position  float64 `json:"position"`
		LoopCount int     `json:"loop_count"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	require.Equal(t, actor.UserID.String(), payload.UserID)
	require.Equal(t, 42.5, payload.Position)
	require.Equal(t, 2, payload.LoopCount)
}
