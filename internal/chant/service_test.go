package chant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/models"
	"github.com/fansvoice/backend/pkg/bus"
	"github.com/fansvoice/backend/pkg/cache"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ChantSession
	getCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*models.ChantSession)}
}

func (f *fakeStore) Create(_ context.Context, s *models.ChantSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = uuid.New()
	s.Status = models.SessionPreparing
	s.IsActive = true
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	s, ok := f.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, id uuid.UUID, p UpdateParams) (*models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	if p.ChantName != nil {
		s.ChantName = *p.ChantName
	}
	if p.AudioURL != nil {
		s.AudioURL = *p.AudioURL
	}
	if p.LyricsURL != nil {
		s.LyricsURL = *p.LyricsURL
	}
	if p.IsLooping != nil {
		s.IsLooping = *p.IsLooping
	}
	if p.MaxParticipants != nil {
		s.MaxParticipants = *p.MaxParticipants
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id uuid.UUID) (*models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive || s.Status.Terminal() {
		return nil, nil
	}
	s.Status = models.SessionCancelled
	s.IsActive = false
	cp := *s
	return &cp, nil
}

func (f *fakeStore) Transition(_ context.Context, id uuid.UUID, t Transition) (*models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	legal := false
	for _, from := range t.From {
		if s.Status == from {
			legal = true
		}
	}
	if !legal {
		return nil, nil
	}
	s.Status = t.To
	now := time.Now()
	if t.SetStartTime {
		s.StartTime = &now
	}
	if t.SetEndTime {
		s.EndTime = &now
	}
	if t.ResetPosition {
		s.CurrentPosition = 0
		s.LoopCount = 0
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) SetPosition(_ context.Context, id uuid.UUID, position float64) (*models.ChantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive {
		return nil, nil
	}
	if s.IsLooping && position >= float64(s.DurationSeconds) {
		if s.CurrentPosition != 0 {
			s.LoopCount++
		}
		s.CurrentPosition = 0
	} else {
		s.CurrentPosition = position
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListActive(context.Context) ([]models.ChantSession, error) { return nil, nil }
func (f *fakeStore) ListByTeam(context.Context, uuid.UUID) ([]models.ChantSession, error) {
	return nil, nil
}
func (f *fakeStore) MostActive(context.Context, int) ([]models.ChantSession, error) {
	return nil, nil
}
func (f *fakeStore) CurrentForUser(context.Context, uuid.UUID) (*models.ChantSession, error) {
	return nil, nil
}
func (f *fakeStore) Metrics(context.Context, uuid.UUID) (*models.SessionMetrics, error) {
	return nil, nil
}
func (f *fakeStore) TeamMetrics(context.Context, uuid.UUID) (*models.TeamMetrics, error) {
	return nil, nil
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
	done   chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{done: make(chan struct{}, 16)}
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, topic string, payload any, _ int) error {
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	err := p.err
	p.mu.Unlock()
	p.done <- struct{}{}
	return err
}

func (p *fakePublisher) wait(t *testing.T) publishedEvent {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakePublisher) {
	t.Helper()
	store := newFakeStore()
	pub := newFakePublisher()
	svc := NewService(Config{Store: store, Bus: pub})
	return svc, store, pub
}

func createSession(t *testing.T, svc *Service, pub *fakePublisher, creator uuid.UUID, looping bool) *models.ChantSession {
	t.Helper()
	sess, err := svc.Create(context.Background(), CreateRequest{
		EventID:         uuid.New(),
		TeamID:          uuid.New(),
		ChantName:       "You'll Never Walk Alone",
		DurationSeconds: 180,
		IsLooping:       looping,
		MaxParticipants: 100,
	}, creator)
	require.NoError(t, err)
	pub.wait(t)
	return sess
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	started, err := svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, started.Status)
	require.NotNil(t, started.StartTime)
	require.Zero(t, started.CurrentPosition)
	ev := pub.wait(t)
	require.Equal(t, bus.TopicControl, ev.topic)
	require.Equal(t, "started", ev.payload.(SessionEvent).Action)

	paused, err := svc.Pause(ctx, sess.ID, creator)
	require.NoError(t, err)
	require.Equal(t, models.SessionPaused, paused.Status)
	pub.wait(t)

	resumed, err := svc.Resume(ctx, sess.ID, creator)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, resumed.Status)
	pub.wait(t)

	stopped, err := svc.Stop(ctx, sess.ID, creator)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, stopped.Status)
	require.NotNil(t, stopped.EndTime)
	pub.wait(t)
}

func TestStartTwiceIsInvalidState(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	_, err := svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)

	_, err = svc.Start(ctx, sess.ID, creator)
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestResumeRequiresPaused(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)

	_, err := svc.Resume(context.Background(), sess.ID, creator)
	require.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestNonCreatorIsUnauthorized(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	stranger := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	_, err := svc.Start(ctx, sess.ID, stranger)
	require.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))

	_, err = svc.UpdatePosition(ctx, sess.ID, stranger, 10)
	require.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))

	err = svc.Delete(ctx, sess.ID, stranger)
	require.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Start(context.Background(), uuid.New(), uuid.New())
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestPositionLoopWrapsExactlyOnce(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, true)
	ctx := context.Background()

	_, err := svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)

	mid, err := svc.UpdatePosition(ctx, sess.ID, creator, 90)
	require.NoError(t, err)
	require.Equal(t, 90.0, mid.CurrentPosition)
	require.Equal(t, 0, mid.LoopCount)
	pub.wait(t)

	wrapped, err := svc.UpdatePosition(ctx, sess.ID, creator, 180)
	require.NoError(t, err)
	require.Zero(t, wrapped.CurrentPosition)
	require.Equal(t, 1, wrapped.LoopCount)
	ev := pub.wait(t)
	require.Equal(t, bus.TopicPosition, ev.topic)
	require.Equal(t, 1, ev.payload.(PositionEvent).LoopCount)

	// A duplicate crossing report at position zero must not count again.
	again, err := svc.UpdatePosition(ctx, sess.ID, creator, 180)
	require.NoError(t, err)
	require.Zero(t, again.CurrentPosition)
	require.Equal(t, 1, again.LoopCount)
	pub.wait(t)
}

func TestNonLoopingPositionDoesNotWrap(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	_, err := svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)

	got, err := svc.UpdatePosition(ctx, sess.ID, creator, 200)
	require.NoError(t, err)
	require.Equal(t, 200.0, got.CurrentPosition)
	require.Zero(t, got.LoopCount)
}

func TestPublishFailureDoesNotRevertTransition(t *testing.T) {
	svc, store, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)

	pub.mu.Lock()
	pub.err = errors.New("broker unavailable")
	pub.mu.Unlock()

	started, err := svc.Start(context.Background(), sess.ID, creator)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, started.Status)
	pub.wait(t)

	persisted, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, persisted.Status)
}

func TestDeleteTerminalSessionIsInvalidState(t *testing.T) {
	svc, _, pub := newTestService(t)
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	_, err := svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)
	_, err = svc.Stop(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)

	err = svc.Delete(ctx, sess.ID, creator)
	require.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, nil)
}

func TestGetReadsThroughCache(t *testing.T) {
	store := newFakeStore()
	pub := newFakePublisher()
	svc := NewService(Config{Store: store, Bus: pub, Cache: newTestCache(t)})
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	before := store.getCalls
	first, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, first.ID)

	second, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, second.ID)
	require.Equal(t, before+1, store.getCalls)
}

func TestTransitionInvalidatesCachedSnapshot(t *testing.T) {
	store := newFakeStore()
	pub := newFakePublisher()
	svc := NewService(Config{Store: store, Bus: pub, Cache: newTestCache(t)})
	creator := uuid.New()
	sess := createSession(t, svc, pub, creator, false)
	ctx := context.Background()

	cached, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionPreparing, cached.Status)

	_, err = svc.Start(ctx, sess.ID, creator)
	require.NoError(t, err)
	pub.wait(t)

	fresh, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, fresh.Status)
}

func TestGetMissingSessionDoesNotTripBreaker(t *testing.T) {
	store := newFakeStore()
	pub := newFakePublisher()
	svc := NewService(Config{Store: store, Bus: pub, Cache: newTestCache(t)})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Get(ctx, uuid.New())
		require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	}
}
