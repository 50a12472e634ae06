// Package chant implements the chant session lifecycle: the state machine,
// permission checks, position/loop advancement and the commit → invalidate →
// notify discipline around shared session state.
package chant

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/models"
	"github.com/fansvoice/backend/pkg/breaker"
	"github.com/fansvoice/backend/pkg/bus"
	"github.com/fansvoice/backend/pkg/cache"
)

const (
	snapshotKeyPrefix = "chant:session:"
	notifyTimeout     = 30 * time.Second
)

// Capability is a session permission. The current policy grants every
// capability to the session's creator only; the seam exists so moderator
// roles can be added without touching call sites.
type Capability string

const (
	CapabilityStart   Capability = "start"
	CapabilityPause   Capability = "pause"
	CapabilityResume  Capability = "resume"
	CapabilityStop    Capability = "stop"
	CapabilityControl Capability = "control"
)

// Store is the session persistence contract, satisfied by Repository.
type Store interface {
	Create(ctx context.Context, s *models.ChantSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChantSession, error)
	Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*models.ChantSession, error)
	SoftDelete(ctx context.Context, id uuid.UUID) (*models.ChantSession, error)
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*models.ChantSession, error)
	SetPosition(ctx context.Context, id uuid.UUID, position float64) (*models.ChantSession, error)
	ListActive(ctx context.Context) ([]models.ChantSession, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID) ([]models.ChantSession, error)
	MostActive(ctx context.Context, count int) ([]models.ChantSession, error)
	CurrentForUser(ctx context.Context, userID uuid.UUID) (*models.ChantSession, error)
	Metrics(ctx context.Context, id uuid.UUID) (*models.SessionMetrics, error)
	TeamMetrics(ctx context.Context, teamID uuid.UUID) (*models.TeamMetrics, error)
}

// EventLinker resolves parent events and attaches new sessions to them.
type EventLinker interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	AttachSession(ctx context.Context, eventID, sessionID uuid.UUID) error
}

// Publisher is the domain event publication contract, satisfied by bus.Publisher.
type Publisher interface {
	PublishWithRetry(ctx context.Context, topic string, payload any, attempts int) error
}

// SessionEvent is published on session CRUD and lifecycle topics.
type SessionEvent struct {
	Action  string               `json:"action"`
	Session *models.ChantSession `json:"session"`
	ActorID uuid.UUID            `json:"actor_id"`
}

// PositionEvent is published on the position topic for each tick.
type PositionEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Position  float64   `json:"position"`
	LoopCount int       `json:"loop_count"`
	ActorID   uuid.UUID `json:"actor_id"`
}

// Config wires the session service.
type Config struct {
	Store         Store
	Events        EventLinker
	Cache         *cache.Cache
	Bus           Publisher
	Breakers      *breaker.Registry
	Logger        *zap.Logger
	SessionTTL    time.Duration
	RetryAttempts int
}

// Service is the session controller.
type Service struct {
	store      Store
	events     EventLinker
	cache      *cache.Cache
	bus        Publisher
	breakers   *breaker.Registry
	logger     *zap.Logger
	sessionTTL time.Duration
	retries    int
}

// NewService creates the session controller.
func NewService(c Config) *Service {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.Breakers == nil {
		c.Breakers = breaker.NewRegistry(c.Logger)
	}
	return &Service{
		store:      c.Store,
		events:     c.Events,
		cache:      c.Cache,
		bus:        c.Bus,
		breakers:   c.Breakers,
		logger:     c.Logger,
		sessionTTL: c.SessionTTL,
		retries:    c.RetryAttempts,
	}
}

func snapshotKey(id uuid.UUID) string { return snapshotKeyPrefix + id.String() }

// hasCapability evaluates the authorization policy for a state-changing call.
func (s *Service) hasCapability(userID uuid.UUID, sess *models.ChantSession, _ Capability) bool {
	return sess.CreatedBy == userID
}

// load fetches the authoritative session row, mapping absence to NotFound.
func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.ChantSession, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.NotFound("session not found")
	}
	return sess, nil
}

// invalidate drops the cached snapshot immediately after a commit; a failed
// invalidation leaves at most one TTL of staleness and is only logged.
func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, snapshotKey(id)); err != nil {
		s.logger.Error("cache invalidation failed", zap.String("session_id", id.String()), zap.Error(err))
	}
}

// notify publishes a domain event after the commit, detached from the request
// context and bounded by the retry budget. Failure never reverts the commit.
func (s *Service) notify(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		if err := s.bus.PublishWithRetry(ctx, topic, payload, s.retries); err != nil {
			s.logger.Error("event publication exhausted retries", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// CreateRequest holds the fields for a new chant session.
type CreateRequest struct {
	EventID         uuid.UUID `json:"event_id" binding:"required"`
	TeamID          uuid.UUID `json:"team_id" binding:"required"`
	TeamName        string    `json:"team_name"`
	ChantName       string    `json:"chant_name" binding:"required"`
	DurationSeconds int       `json:"duration_seconds" binding:"required"`
	IsLooping       bool      `json:"is_looping"`
	MaxParticipants int       `json:"max_participants"`
	AudioURL        string    `json:"audio_url"`
	LyricsURL       string    `json:"lyrics_url"`
}

// Create inserts a new session in Preparing state, attaches it to its parent
// event and announces it.
func (s *Service) Create(ctx context.Context, req CreateRequest, createdBy uuid.UUID) (*models.ChantSession, error) {
	if req.MaxParticipants <= 0 {
		req.MaxParticipants = 1000
	}
	if s.events != nil {
		ev, err := s.events.GetByID(ctx, req.EventID)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, apperr.NotFound("event not found")
		}
	}
	sess := &models.ChantSession{
		EventID:         req.EventID,
		TeamID:          req.TeamID,
		TeamName:        req.TeamName,
		ChantName:       req.ChantName,
		DurationSeconds: req.DurationSeconds,
		IsLooping:       req.IsLooping,
		MaxParticipants: req.MaxParticipants,
		AudioURL:        req.AudioURL,
		LyricsURL:       req.LyricsURL,
		CreatedBy:       createdBy,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	if s.events != nil {
		if err := s.events.AttachSession(ctx, req.EventID, sess.ID); err != nil {
			s.logger.Warn("attach session to event failed",
				zap.String("session_id", sess.ID.String()),
				zap.String("event_id", req.EventID.String()),
				zap.Error(err),
			)
		}
	}
	s.notify(ctx, bus.TopicSessions, SessionEvent{Action: "created", Session: sess, ActorID: createdBy})
	s.logger.Info("chant session created", zap.String("session_id", sess.ID.String()))
	return sess, nil
}

// Get returns the session snapshot, read through the cache behind the
// chant_cache breaker.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ChantSession, error) {
	if s.cache == nil {
		return s.load(ctx, id)
	}
	var sess *models.ChantSession
	var missing error
	err := s.breakers.Do(ctx, "chant_cache", func(ctx context.Context) error {
		v, err := cache.GetOrCreate(ctx, s.cache, snapshotKey(id), s.sessionTTL, func(ctx context.Context) (*models.ChantSession, error) {
			return s.load(ctx, id)
		})
		if err != nil {
			// An absent session is a normal outcome, not a cache fault.
			if apperr.IsCode(err, apperr.CodeNotFound) {
				missing = err
				return nil
			}
			return err
		}
		sess = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing != nil {
		return nil, missing
	}
	return sess, nil
}

// Update patches mutable session fields.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams, actorID uuid.UUID) (*models.ChantSession, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.hasCapability(actorID, sess, CapabilityControl) {
		return nil, apperr.Unauthorized("only the session creator may update the session")
	}
	updated, err := s.store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperr.NotFound("session not found")
	}
	s.invalidate(ctx, id)
	s.notify(ctx, bus.TopicSessions, SessionEvent{Action: "updated", Session: updated, ActorID: actorID})
	return updated, nil
}

// Delete soft-deletes a non-terminal session (status Cancelled, detached from
// its parent event). The row is kept as an audit record.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actorID uuid.UUID) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !s.hasCapability(actorID, sess, CapabilityControl) {
		return apperr.Unauthorized("only the session creator may delete the session")
	}
	deleted, err := s.store.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	if deleted == nil {
		return apperr.InvalidState("session already completed or cancelled")
	}
	s.invalidate(ctx, id)
	s.notify(ctx, bus.TopicSessions, SessionEvent{Action: "deleted", Session: deleted, ActorID: actorID})
	s.logger.Info("chant session deleted", zap.String("session_id", id.String()))
	return nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, actorID uuid.UUID, cap Capability, action string, t Transition) (*models.ChantSession, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.hasCapability(actorID, sess, cap) {
		return nil, apperr.Unauthorized("user may not " + string(cap) + " this session")
	}
	updated, err := s.store.Transition(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperr.InvalidState("cannot " + action + " a session in status " + string(sess.Status))
	}
	s.invalidate(ctx, id)
	s.notify(ctx, bus.TopicControl, SessionEvent{Action: action, Session: updated, ActorID: actorID})
	s.logger.Info("chant session "+action,
		zap.String("session_id", id.String()),
		zap.String("actor_id", actorID.String()),
	)
	return updated, nil
}

// Start moves Preparing -> Active, stamping start_time and resetting position.
func (s *Service) Start(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(ctx, id, actorID, CapabilityStart, "started", Transition{
		From:          []models.SessionStatus{models.SessionPreparing},
		To:            models.SessionActive,
		SetStartTime:  true,
		ResetPosition: true,
	})
}

// Pause moves Active -> Paused.
func (s *Service) Pause(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(ctx, id, actorID, CapabilityPause, "paused", Transition{
		From: []models.SessionStatus{models.SessionActive},
		To:   models.SessionPaused,
	})
}

// Resume moves Paused -> Active.
func (s *Service) Resume(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(ctx, id, actorID, CapabilityResume, "resumed", Transition{
		From: []models.SessionStatus{models.SessionPaused},
		To:   models.SessionActive,
	})
}

// Stop moves Active or Paused -> Completed, stamping end_time.
func (s *Service) Stop(ctx context.Context, id, actorID uuid.UUID) (*models.ChantSession, error) {
	return s.transition(ctx, id, actorID, CapabilityStop, "stopped", Transition{
		From:       []models.SessionStatus{models.SessionActive, models.SessionPaused},
		To:         models.SessionCompleted,
		SetEndTime: true,
	})
}

// UpdatePosition stores the playback position; when a looping session reaches
// its duration the position wraps to zero and the loop count increments
// exactly once per crossing.
func (s *Service) UpdatePosition(ctx context.Context, id, actorID uuid.UUID, position float64) (*models.ChantSession, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.hasCapability(actorID, sess, CapabilityControl) {
		return nil, apperr.Unauthorized("user may not control this session")
	}
	updated, err := s.store.SetPosition(ctx, id, position)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperr.NotFound("session not found")
	}
	s.invalidate(ctx, id)
	s.notify(ctx, bus.TopicPosition, PositionEvent{
		SessionID: id,
		Position:  updated.CurrentPosition,
		LoopCount: updated.LoopCount,
		ActorID:   actorID,
	})
	return updated, nil
}

// ListActive returns in-progress sessions ordered by crowd size.
func (s *Service) ListActive(ctx context.Context) ([]models.ChantSession, error) {
	return s.store.ListActive(ctx)
}

// ListByTeam returns a team's sessions.
func (s *Service) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]models.ChantSession, error) {
	return s.store.ListByTeam(ctx, teamID)
}

// MostActive returns the count busiest in-progress sessions.
func (s *Service) MostActive(ctx context.Context, count int) ([]models.ChantSession, error) {
	return s.store.MostActive(ctx, count)
}

// CurrentForUser returns the session the user is actively in.
func (s *Service) CurrentForUser(ctx context.Context, userID uuid.UUID) (*models.ChantSession, error) {
	sess, err := s.store.CurrentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.NotFound("user is not in a session")
	}
	return sess, nil
}

// Metrics returns the per-session metrics projection.
func (s *Service) Metrics(ctx context.Context, id uuid.UUID) (*models.SessionMetrics, error) {
	m, err := s.store.Metrics(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound("session not found")
	}
	return m, nil
}

// TeamMetrics aggregates metrics over a team's sessions.
func (s *Service) TeamMetrics(ctx context.Context, teamID uuid.UUID) (*models.TeamMetrics, error) {
	return s.store.TeamMetrics(ctx, teamID)
}
