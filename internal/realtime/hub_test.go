package realtime

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: uuid.New(),
		send:   make(chan WSMessage, 16),
	}
}

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

func requireSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %q", msg.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()
	otherID := uuid.New()

	a, b, outsider := newTestClient(), newTestClient(), newTestClient()
	hub.Register(sessionID, a)
	hub.Register(sessionID, b)
	hub.Register(otherID, outsider)

	hub.BroadcastToSession(sessionID, "chant_started", map[string]string{"x": "y"})

	require.Equal(t, "chant_started", receive(t, a).Event)
	require.Equal(t, "chant_started", receive(t, b).Event)
	requireSilent(t, outsider)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()
	c := newTestClient()

	hub.Register(sessionID, c)
	require.Equal(t, 1, hub.ConnectionCount(sessionID))

	hub.Unregister(sessionID, c)
	require.Zero(t, hub.ConnectionCount(sessionID))

	hub.BroadcastToSession(sessionID, "position_updated", nil)
	requireSilent(t, c)
}

func TestConnectionChangeHandler(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()

	var counts []int
	hub.SetConnectionChangeHandler(func(id uuid.UUID, count int) {
		require.Equal(t, sessionID, id)
		counts = append(counts, count)
	})

	a, b := newTestClient(), newTestClient()
	hub.Register(sessionID, a)
	hub.Register(sessionID, b)
	hub.Unregister(sessionID, a)
	hub.Unregister(sessionID, b)

	require.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestSendToClientTargetsOneConnection(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()
	a, b := newTestClient(), newTestClient()
	hub.Register(sessionID, a)
	hub.Register(sessionID, b)

	hub.SendToClient(sessionID, a.ID, "sync", map[string]string{"k": "v"})

	require.Equal(t, "sync", receive(t, a).Event)
	requireSilent(t, b)
}

func newRedisBridge(t *testing.T) *RedisPubSub {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPubSub(rdb, zap.NewNop())
}

func TestRedisBridgeFansOutAcrossHubs(t *testing.T) {
	bridge := newRedisBridge(t)
	hubA := NewHub(zap.NewNop(), bridge, bridge)
	hubB := NewHub(zap.NewNop(), bridge, bridge)
	sessionID := uuid.New()

	local := newTestClient()
	remote := newTestClient()
	hubA.Register(sessionID, local)
	hubB.Register(sessionID, remote)

	hubA.BroadcastToSessionAndPublish(sessionID, "chant_paused", map[string]string{"k": "v"})

	require.Equal(t, "chant_paused", receive(t, local).Event)
	require.Equal(t, "chant_paused", receive(t, remote).Event)

	// The publishing hub's own subscription must drop its echo; the local
	// client already got the direct broadcast.
	requireSilent(t, local)
	requireSilent(t, remote)
}

func TestPublishOnlyDeliversOncePerClient(t *testing.T) {
	bridge := newRedisBridge(t)
	hub := NewHub(zap.NewNop(), bridge, bridge)
	sessionID := uuid.New()
	c := newTestClient()
	hub.Register(sessionID, c)

	hub.PublishToSessionOnly(sessionID, "chat_message", map[string]string{"message": "hello"})

	require.Equal(t, "chat_message", receive(t, c).Event)
	requireSilent(t, c)
}
