package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/models"
	"github.com/fansvoice/backend/pkg/bus"
	"github.com/fansvoice/backend/pkg/cache"
)

const (
	snapshotKeyPrefix = "chant:session:"
	notifyTimeout     = 30 * time.Second
)

// Store is the participant persistence contract, satisfied by Repository.
type Store interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID, connectionID string, grace time.Duration) (*JoinResult, error)
	Leave(ctx context.Context, sessionID, userID uuid.UUID) (*models.ChantParticipant, *models.ChantSession, error)
	DisconnectByConnection(ctx context.Context, connectionID string) (*models.ChantParticipant, *models.ChantSession, error)
	UpdateLatency(ctx context.Context, sessionID, userID uuid.UUID, latencyMs float64) (float64, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.ChantParticipant, error)
	TopContributors(ctx context.Context, sessionID uuid.UUID, count int) ([]models.ChantParticipant, error)
	ExpireDisconnected(ctx context.Context, grace time.Duration) ([]ExpiredMembership, error)
	IsUserInSession(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
}

// Publisher is the domain event publication contract, satisfied by bus.Publisher.
type Publisher interface {
	PublishWithRetry(ctx context.Context, topic string, payload any, attempts int) error
}

// MembershipEvent is published on the participants topic for every
// membership change.
type MembershipEvent struct {
	Action           string    `json:"action"`
	SessionID        uuid.UUID `json:"session_id"`
	UserID           uuid.UUID `json:"user_id"`
	ParticipantCount int       `json:"participant_count"`
}

// Config wires the presence tracker.
type Config struct {
	Store         Store
	Cache         *cache.Cache
	Bus           Publisher
	Logger        *zap.Logger
	GraceWindow   time.Duration
	RetryAttempts int
}

// Service is the presence tracker: it owns membership state changes and the
// grace-window reconnect policy.
type Service struct {
	store   Store
	cache   *cache.Cache
	bus     Publisher
	logger  *zap.Logger
	grace   time.Duration
	retries int
}

// NewService creates the presence tracker.
func NewService(c Config) *Service {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return &Service{
		store:   c.Store,
		cache:   c.Cache,
		bus:     c.Bus,
		logger:  c.Logger,
		grace:   c.GraceWindow,
		retries: c.RetryAttempts,
	}
}

func (s *Service) invalidate(ctx context.Context, sessionID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, snapshotKeyPrefix+sessionID.String()); err != nil {
		s.logger.Error("cache invalidation failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, ev MembershipEvent) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		if err := s.bus.PublishWithRetry(ctx, bus.TopicParticipants, ev, s.retries); err != nil {
			s.logger.Error("membership event publication exhausted retries",
				zap.String("action", ev.Action), zap.Error(err))
		}
	}()
}

// Join admits the user, either as a fresh member or by reclaiming a
// Disconnected membership inside the grace window.
func (s *Service) Join(ctx context.Context, sessionID, userID uuid.UUID, connectionID string) (*JoinResult, error) {
	res, err := s.store.Join(ctx, sessionID, userID, connectionID, s.grace)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	action := "joined"
	if res.Reconnected {
		action = "reconnected"
	}
	s.notify(ctx, MembershipEvent{
		Action:           action,
		SessionID:        sessionID,
		UserID:           userID,
		ParticipantCount: res.Session.ParticipantCount,
	})
	s.logger.Info("participant "+action,
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("participant_count", res.Session.ParticipantCount),
	)
	return res, nil
}

// Leave retires the user's membership. Leaving a session the user is not in
// is a no-op.
func (s *Service) Leave(ctx context.Context, sessionID, userID uuid.UUID) error {
	p, sess, err := s.store.Leave(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	s.invalidate(ctx, sessionID)
	s.notify(ctx, MembershipEvent{
		Action:           "left",
		SessionID:        sessionID,
		UserID:           userID,
		ParticipantCount: sess.ParticipantCount,
	})
	return nil
}

// HandleDisconnection records a dropped connection. The membership stays
// reclaimable for the grace window; the live count drops immediately.
// Unknown connections are a no-op.
func (s *Service) HandleDisconnection(ctx context.Context, connectionID string) (*models.ChantParticipant, error) {
	p, sess, err := s.store.DisconnectByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	s.invalidate(ctx, p.SessionID)
	s.notify(ctx, MembershipEvent{
		Action:           "disconnected",
		SessionID:        p.SessionID,
		UserID:           p.UserID,
		ParticipantCount: sess.ParticipantCount,
	})
	s.logger.Info("participant disconnected",
		zap.String("session_id", p.SessionID.String()),
		zap.String("user_id", p.UserID.String()),
	)
	return p, nil
}

// UpdateLatency stores a latency sample and returns the recomputed session
// average.
func (s *Service) UpdateLatency(ctx context.Context, sessionID, userID uuid.UUID, latencyMs float64) (float64, error) {
	avg, err := s.store.UpdateLatency(ctx, sessionID, userID, latencyMs)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, sessionID)
	return avg, nil
}

// Reap retires memberships whose grace window has passed, announcing each
// one. It is run periodically by the worker.
func (s *Service) Reap(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireDisconnected(ctx, s.grace)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		s.invalidate(ctx, e.SessionID)
		s.notify(ctx, MembershipEvent{Action: "expired", SessionID: e.SessionID, UserID: e.UserID})
	}
	if len(expired) > 0 {
		s.logger.Info("expired disconnected memberships", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Participants returns the present membership of a session.
func (s *Service) Participants(ctx context.Context, sessionID uuid.UUID) ([]models.ChantParticipant, error) {
	return s.store.ListParticipants(ctx, sessionID)
}

// TopContributors ranks a session's participants by accumulated active time.
func (s *Service) TopContributors(ctx context.Context, sessionID uuid.UUID, count int) ([]models.ChantParticipant, error) {
	return s.store.TopContributors(ctx, sessionID, count)
}

// IsUserInSession reports whether the user is an active member.
func (s *Service) IsUserInSession(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	return s.store.IsUserInSession(ctx, sessionID, userID)
}
