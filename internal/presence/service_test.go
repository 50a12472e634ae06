package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/models"
)

type memberKey struct {
	sessionID uuid.UUID
	userID    uuid.UUID
}

// fakeStore mirrors the repository's membership semantics in memory.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ChantSession
	members  map[memberKey]*models.ChantParticipant
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*models.ChantSession),
		members:  make(map[memberKey]*models.ChantParticipant),
	}
}

func (f *fakeStore) addSession(max int) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.sessions[id] = &models.ChantSession{
		ID:              id,
		Status:          models.SessionActive,
		MaxParticipants: max,
		IsActive:        true,
	}
	return id
}

func (f *fakeStore) Join(_ context.Context, sessionID, userID uuid.UUID, connectionID string, grace time.Duration) (*JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	if sess.Status != models.SessionPreparing && sess.Status != models.SessionActive {
		return nil, apperr.InvalidState("cannot join a session in status " + string(sess.Status))
	}
	key := memberKey{sessionID: sessionID, userID: userID}
	p := f.members[key]

	if p != nil && p.Status == models.ParticipantActive {
		p.ConnectionID = connectionID
		return f.result(sess, p, false), nil
	}
	if sess.ParticipantCount >= sess.MaxParticipants {
		return nil, apperr.InvalidState("session is full")
	}
	if p != nil && p.Status == models.ParticipantDisconnected &&
		p.DisconnectedAt != nil && time.Since(*p.DisconnectedAt) <= grace {
		p.Status = models.ParticipantActive
		p.ConnectionID = connectionID
		p.DisconnectedAt = nil
		p.ReconnectionCount++
		sess.ParticipantCount++
		sess.ReconnectionCount++
		if sess.ParticipantCount > sess.PeakConcurrentUsers {
			sess.PeakConcurrentUsers = sess.ParticipantCount
		}
		return f.result(sess, p, true), nil
	}
	seen := p != nil
	p = &models.ChantParticipant{
		ID:           uuid.New(),
		SessionID:    sessionID,
		UserID:       userID,
		ConnectionID: connectionID,
		JoinedAt:     time.Now(),
		Status:       models.ParticipantActive,
	}
	f.members[key] = p
	sess.ParticipantCount++
	if !seen {
		sess.TotalUniqueParticipants++
	}
	if sess.ParticipantCount > sess.PeakConcurrentUsers {
		sess.PeakConcurrentUsers = sess.ParticipantCount
	}
	return f.result(sess, p, false), nil
}

func (f *fakeStore) result(sess *models.ChantSession, p *models.ChantParticipant, reconnected bool) *JoinResult {
	sc, pc := *sess, *p
	return &JoinResult{Participant: &pc, Session: &sc, Reconnected: reconnected}
}

func (f *fakeStore) Leave(_ context.Context, sessionID, userID uuid.UUID) (*models.ChantParticipant, *models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := memberKey{sessionID: sessionID, userID: userID}
	p := f.members[key]
	if p == nil || p.Status != models.ParticipantActive {
		return nil, nil, nil
	}
	p.Status = models.ParticipantLeft
	sess := f.sessions[sessionID]
	if sess.ParticipantCount > 0 {
		sess.ParticipantCount--
	}
	pc, sc := *p, *sess
	return &pc, &sc, nil
}

func (f *fakeStore) DisconnectByConnection(_ context.Context, connectionID string) (*models.ChantParticipant, *models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.members {
		if p.ConnectionID == connectionID && p.Status == models.ParticipantActive {
			now := time.Now()
			p.Status = models.ParticipantDisconnected
			p.DisconnectedAt = &now
			p.DisconnectionCount++
			sess := f.sessions[p.SessionID]
			if sess.ParticipantCount > 0 {
				sess.ParticipantCount--
			}
			sess.DisconnectionCount++
			pc, sc := *p, *sess
			return &pc, &sc, nil
		}
	}
	return nil, nil, nil
}

func (f *fakeStore) UpdateLatency(_ context.Context, sessionID, userID uuid.UUID, latencyMs float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.members[memberKey{sessionID: sessionID, userID: userID}]
	if p == nil || p.Status != models.ParticipantActive {
		return 0, apperr.NotFound("user is not an active participant")
	}
	p.LastKnownLatencyMs = &latencyMs
	var sum float64
	var n int
	for _, m := range f.members {
		if m.SessionID == sessionID && m.Status == models.ParticipantActive && m.LastKnownLatencyMs != nil {
			sum += *m.LastKnownLatencyMs
			n++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}
	f.sessions[sessionID].AverageLatency = avg
	return avg, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, sessionID uuid.UUID) ([]models.ChantParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.ChantParticipant
	for _, p := range f.members {
		if p.SessionID == sessionID && (p.Status == models.ParticipantActive || p.Status == models.ParticipantDisconnected) {
			list = append(list, *p)
		}
	}
	return list, nil
}

func (f *fakeStore) TopContributors(_ context.Context, sessionID uuid.UUID, count int) ([]models.ChantParticipant, error) {
	list, _ := f.ListParticipants(context.Background(), sessionID)
	if len(list) > count {
		list = list[:count]
	}
	return list, nil
}

func (f *fakeStore) ExpireDisconnected(_ context.Context, grace time.Duration) ([]ExpiredMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []ExpiredMembership
	for _, p := range f.members {
		if p.Status == models.ParticipantDisconnected && p.DisconnectedAt != nil && time.Since(*p.DisconnectedAt) > grace {
			p.Status = models.ParticipantLeft
			expired = append(expired, ExpiredMembership{ParticipantID: p.ID, SessionID: p.SessionID, UserID: p.UserID})
		}
	}
	return expired, nil
}

func (f *fakeStore) IsUserInSession(_ context.Context, sessionID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.members[memberKey{sessionID: sessionID, userID: userID}]
	return p != nil && p.Status == models.ParticipantActive, nil
}

func (f *fakeStore) session(id uuid.UUID) models.ChantSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeStore) backdateDisconnection(sessionID, userID uuid.UUID, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.members[memberKey{sessionID: sessionID, userID: userID}]
	past := time.Now().Add(-age)
	p.DisconnectedAt = &past
}

func newTestService(store *fakeStore) *Service {
	return NewService(Config{Store: store, GraceWindow: 2 * time.Minute})
}

func TestJoinDisconnectLeaveCounters(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(2)
	userA, userB, userC := uuid.New(), uuid.New(), uuid.New()

	resA, err := svc.Join(ctx, sessionID, userA, "conn-a")
	require.NoError(t, err)
	require.Equal(t, 1, resA.Session.ParticipantCount)

	resB, err := svc.Join(ctx, sessionID, userB, "conn-b")
	require.NoError(t, err)
	require.Equal(t, 2, resB.Session.ParticipantCount)
	require.Equal(t, 2, resB.Session.PeakConcurrentUsers)

	_, err = svc.Join(ctx, sessionID, userC, "conn-c")
	require.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))

	p, err := svc.HandleDisconnection(ctx, "conn-b")
	require.NoError(t, err)
	require.Equal(t, models.ParticipantDisconnected, p.Status)

	sess := store.session(sessionID)
	require.Equal(t, 1, sess.ParticipantCount)
	require.Equal(t, 1, sess.DisconnectionCount)

	require.NoError(t, svc.Leave(ctx, sessionID, userA))
	sess = store.session(sessionID)
	require.Equal(t, 0, sess.ParticipantCount)

	// The peak and the unique total never decrease.
	require.Equal(t, 2, sess.PeakConcurrentUsers)
	require.Equal(t, 2, sess.TotalUniqueParticipants)
}

func TestReconnectWithinGraceRestoresMembership(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(10)
	userID := uuid.New()

	_, err := svc.Join(ctx, sessionID, userID, "conn-1")
	require.NoError(t, err)
	_, err = svc.HandleDisconnection(ctx, "conn-1")
	require.NoError(t, err)

	res, err := svc.Join(ctx, sessionID, userID, "conn-2")
	require.NoError(t, err)
	require.True(t, res.Reconnected)
	require.Equal(t, models.ParticipantActive, res.Participant.Status)
	require.Equal(t, 1, res.Participant.ReconnectionCount)
	require.Equal(t, 1, res.Session.ParticipantCount)
	require.Equal(t, 1, res.Session.ReconnectionCount)
	require.Equal(t, 1, res.Session.TotalUniqueParticipants)
}

func TestRejoinAfterGraceIsFreshJoin(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(10)
	userID := uuid.New()

	_, err := svc.Join(ctx, sessionID, userID, "conn-1")
	require.NoError(t, err)
	_, err = svc.HandleDisconnection(ctx, "conn-1")
	require.NoError(t, err)
	store.backdateDisconnection(sessionID, userID, time.Hour)

	res, err := svc.Join(ctx, sessionID, userID, "conn-2")
	require.NoError(t, err)
	require.False(t, res.Reconnected)
	require.Equal(t, 1, res.Session.TotalUniqueParticipants)
}

func TestReconnectCountsAgainstCapacity(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(1)
	userA, userB := uuid.New(), uuid.New()

	_, err := svc.Join(ctx, sessionID, userA, "conn-a")
	require.NoError(t, err)
	_, err = svc.HandleDisconnection(ctx, "conn-a")
	require.NoError(t, err)

	// The freed slot goes to whoever claims it first.
	_, err = svc.Join(ctx, sessionID, userB, "conn-b")
	require.NoError(t, err)

	_, err = svc.Join(ctx, sessionID, userA, "conn-a2")
	require.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestLeaveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(10)
	userID := uuid.New()

	_, err := svc.Join(ctx, sessionID, userID, "conn-1")
	require.NoError(t, err)
	require.NoError(t, svc.Leave(ctx, sessionID, userID))
	require.NoError(t, svc.Leave(ctx, sessionID, userID))
	require.Equal(t, 0, store.session(sessionID).ParticipantCount)
}

func TestUnknownConnectionDisconnectIsNoOp(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	p, err := svc.HandleDisconnection(context.Background(), "no-such-conn")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestLatencyAveragesActiveParticipants(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(10)
	userA, userB := uuid.New(), uuid.New()

	_, err := svc.Join(ctx, sessionID, userA, "conn-a")
	require.NoError(t, err)
	_, err = svc.Join(ctx, sessionID, userB, "conn-b")
	require.NoError(t, err)

	avg, err := svc.UpdateLatency(ctx, sessionID, userA, 40)
	require.NoError(t, err)
	require.Equal(t, 40.0, avg)

	avg, err = svc.UpdateLatency(ctx, sessionID, userB, 80)
	require.NoError(t, err)
	require.Equal(t, 60.0, avg)

	// Dropped participants leave the average.
	_, err = svc.HandleDisconnection(ctx, "conn-b")
	require.NoError(t, err)
	avg, err = svc.UpdateLatency(ctx, sessionID, userA, 40)
	require.NoError(t, err)
	require.Equal(t, 40.0, avg)
}

func TestLatencyFromNonMemberIsNotFound(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	sessionID := store.addSession(10)

	_, err := svc.UpdateLatency(context.Background(), sessionID, uuid.New(), 25)
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestReapExpiresOnlyPastGrace(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	sessionID := store.addSession(10)
	userA, userB := uuid.New(), uuid.New()

	_, err := svc.Join(ctx, sessionID, userA, "conn-a")
	require.NoError(t, err)
	_, err = svc.Join(ctx, sessionID, userB, "conn-b")
	require.NoError(t, err)
	_, err = svc.HandleDisconnection(ctx, "conn-a")
	require.NoError(t, err)
	_, err = svc.HandleDisconnection(ctx, "conn-b")
	require.NoError(t, err)
	store.backdateDisconnection(sessionID, userA, time.Hour)

	n, err := svc.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	in, err := svc.IsUserInSession(ctx, sessionID, userA)
	require.NoError(t, err)
	require.False(t, in)
}
