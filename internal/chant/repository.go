package chant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fansvoice/backend/internal/models"
)

const sessionColumns = `id, event_id, team_id, team_name, chant_name, status, start_time, end_time,
	duration_seconds, current_position, is_looping, loop_count, max_participants,
	participant_count, peak_concurrent_users, total_unique_participants, average_latency,
	disconnection_count, reconnection_count, audio_url, lyrics_url, created_by, is_active,
	created_at, updated_at`

// Repository is the transactional session store over PostgreSQL. All
// mutations of session-shared counters go through single-statement or
// row-locked updates so concurrent writers from any instance serialize at the
// row, never in process memory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChantSession, error) {
	var s models.ChantSession
	err := row.Scan(
		&s.ID, &s.EventID, &s.TeamID, &s.TeamName, &s.ChantName, &s.Status, &s.StartTime, &s.EndTime,
		&s.DurationSeconds, &s.CurrentPosition, &s.IsLooping, &s.LoopCount, &s.MaxParticipants,
		&s.ParticipantCount, &s.PeakConcurrentUsers, &s.TotalUniqueParticipants, &s.AverageLatency,
		&s.DisconnectionCount, &s.ReconnectionCount, &s.AudioURL, &s.LyricsURL, &s.CreatedBy, &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]models.ChantSession, error) {
	defer rows.Close()
	var list []models.ChantSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Create inserts a new session in Preparing state.
func (r *Repository) Create(ctx context.Context, s *models.ChantSession) error {
	const q = `INSERT INTO chant_sessions
		(event_id, team_id, team_name, chant_name, status, duration_seconds, is_looping, max_participants, audio_url, lyrics_url, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q,
		s.EventID, s.TeamID, s.TeamName, s.ChantName, models.SessionPreparing,
		s.DurationSeconds, s.IsLooping, s.MaxParticipants, s.AudioURL, s.LyricsURL, s.CreatedBy,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.Status = models.SessionPreparing
	s.IsActive = true
	return nil
}

// GetByID returns an active (not soft-deleted) session, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChantSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM chant_sessions WHERE id = $1 AND is_active`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// UpdateParams are the mutable session fields; nil means unchanged.
type UpdateParams struct {
	ChantName       *string
	AudioURL        *string
	LyricsURL       *string
	IsLooping       *bool
	MaxParticipants *int
}

// Update patches mutable fields and returns the updated session, or nil when absent.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*models.ChantSession, error) {
	q := `UPDATE chant_sessions SET
			chant_name = COALESCE($2, chant_name),
			audio_url = COALESCE($3, audio_url),
			lyrics_url = COALESCE($4, lyrics_url),
			is_looping = COALESCE($5, is_looping),
			max_participants = COALESCE($6, max_participants),
			updated_at = NOW()
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, p.ChantName, p.AudioURL, p.LyricsURL, p.IsLooping, p.MaxParticipants))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return s, nil
}

// SoftDelete cancels a non-terminal session and clears its parent event
// reference. Deletion is always logical; the row remains as an audit record.
// Returns nil when the session is absent or already terminal.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) (*models.ChantSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `UPDATE chant_sessions
		SET is_active = FALSE, status = $2, updated_at = NOW()
		WHERE id = $1 AND is_active AND status NOT IN ($3, $4)
		RETURNING ` + sessionColumns
	s, err := scanSession(tx.QueryRow(ctx, q, id, models.SessionCancelled, models.SessionCompleted, models.SessionCancelled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("soft delete session: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE events SET chant_session_id = NULL, updated_at = NOW() WHERE chant_session_id = $1`, id); err != nil {
		return nil, fmt.Errorf("detach session from event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return s, nil
}

// Transition describes a guarded lifecycle status change.
type Transition struct {
	From          []models.SessionStatus
	To            models.SessionStatus
	SetStartTime  bool // start: stamp start_time, reset position
	SetEndTime    bool // stop: stamp end_time
	ResetPosition bool
}

// Transition applies a status change only when the current status is one of
// t.From; zero rows means the transition is not legal from the current state.
// Returns nil, nil in that case (including absent sessions).
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, t Transition) (*models.ChantSession, error) {
	q := `UPDATE chant_sessions SET
			status = $2,
			start_time = CASE WHEN $3 THEN NOW() ELSE start_time END,
			end_time = CASE WHEN $4 THEN NOW() ELSE end_time END,
			current_position = CASE WHEN $5 THEN 0 ELSE current_position END,
			updated_at = NOW()
		WHERE id = $1 AND is_active AND status = ANY($6)
		RETURNING ` + sessionColumns
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, t.To, t.SetStartTime, t.SetEndTime, t.ResetPosition, from))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition session to %s: %w", t.To, err)
	}
	return s, nil
}

// SetPosition stores the playback position as one atomic statement: when the
// session loops and the target position has reached the duration, the stored
// position wraps to zero and loop_count increments. The increment is guarded
// on a non-zero stored position so repeating the identical crossing call
// cannot double-count one logical loop.
func (r *Repository) SetPosition(ctx context.Context, id uuid.UUID, position float64) (*models.ChantSession, error) {
	q := `UPDATE chant_sessions SET
			loop_count = loop_count + CASE
				WHEN is_looping AND $2 >= duration_seconds AND current_position <> 0 THEN 1
				ELSE 0 END,
			current_position = CASE
				WHEN is_looping AND $2 >= duration_seconds THEN 0
				ELSE $2 END,
			updated_at = NOW()
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, position))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("set session position: %w", err)
	}
	return s, nil
}

// ListActive returns in-progress sessions ordered by crowd size.
func (r *Repository) ListActive(ctx context.Context) ([]models.ChantSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM chant_sessions
		WHERE is_active AND status = $1
		ORDER BY participant_count DESC`
	rows, err := r.pool.Query(ctx, q, models.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListByTeam returns a team's sessions, most recently started first.
func (r *Repository) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]models.ChantSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM chant_sessions
		WHERE team_id = $1 AND is_active
		ORDER BY start_time DESC NULLS LAST`
	rows, err := r.pool.Query(ctx, q, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team sessions: %w", err)
	}
	return collectSessions(rows)
}

// MostActive returns the count busiest in-progress sessions.
func (r *Repository) MostActive(ctx context.Context, count int) ([]models.ChantSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM chant_sessions
		WHERE is_active AND status = $1
		ORDER BY participant_count DESC, start_time DESC NULLS LAST
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, models.SessionActive, count)
	if err != nil {
		return nil, fmt.Errorf("list most active sessions: %w", err)
	}
	return collectSessions(rows)
}

// CurrentForUser returns the session the user is actively in, or nil.
func (r *Repository) CurrentForUser(ctx context.Context, userID uuid.UUID) (*models.ChantSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM chant_sessions s
		WHERE s.is_active AND EXISTS (
			SELECT 1 FROM chant_participants p
			WHERE p.session_id = s.id AND p.user_id = $1 AND p.is_in_chant_session AND p.status = $2
		)`
	s, err := scanSession(r.pool.QueryRow(ctx, q, userID, models.ParticipantActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current session for user: %w", err)
	}
	return s, nil
}

// Metrics returns the per-session metrics projection, or nil when absent.
func (r *Repository) Metrics(ctx context.Context, id uuid.UUID) (*models.SessionMetrics, error) {
	const q = `SELECT s.id, s.average_latency, s.total_unique_participants,
			(SELECT COUNT(*) FROM chant_participants p
				WHERE p.session_id = s.id AND p.is_in_chant_session AND p.status = $2),
			s.disconnection_count, s.reconnection_count,
			EXTRACT(EPOCH FROM (COALESCE(s.end_time, NOW()) - COALESCE(s.start_time, NOW()))) / 60,
			s.updated_at
		FROM chant_sessions s WHERE s.id = $1`
	var m models.SessionMetrics
	err := r.pool.QueryRow(ctx, q, id, models.ParticipantActive).Scan(
		&m.SessionID, &m.AverageLatency, &m.TotalParticipants, &m.ActiveParticipants,
		&m.DisconnectionCount, &m.ReconnectionCount, &m.SessionMinutes, &m.LastUpdateTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session metrics: %w", err)
	}
	return &m, nil
}

// TeamMetrics aggregates metrics over a team's active sessions.
func (r *Repository) TeamMetrics(ctx context.Context, teamID uuid.UUID) (*models.TeamMetrics, error) {
	const q = `SELECT COUNT(*),
			COALESCE(SUM(total_unique_participants), 0),
			COALESCE(AVG(participant_count), 0),
			COALESCE(AVG(duration_seconds), 0),
			COALESCE(SUM(disconnection_count), 0),
			COALESCE(AVG(average_latency), 0)
		FROM chant_sessions WHERE team_id = $1 AND is_active`
	m := models.TeamMetrics{TeamID: teamID}
	err := r.pool.QueryRow(ctx, q, teamID).Scan(
		&m.TotalSessions, &m.TotalParticipants, &m.AverageParticipantsPerSession,
		&m.AverageSessionDuration, &m.TotalDisconnections, &m.AverageLatency,
	)
	if err != nil {
		return nil, fmt.Errorf("get team metrics: %w", err)
	}
	return &m, nil
}
