// Package presence tracks who is inside each chant session: joins, leaves,
// connection drops, grace-window reconnects and per-participant latency.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/models"
)

const participantColumns = `id, session_id, user_id, connection_id, joined_at, left_at, status,
	is_in_chant_session, last_known_latency_ms, last_ping_time, disconnection_count,
	reconnection_count, total_active_minutes, disconnected_at, created_at, updated_at`

// Repository is the participant store over PostgreSQL. Joins lock the session
// row so the capacity check and the counter updates are serialized per session
// across all instances; participant rows are never physically deleted.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*models.ChantParticipant, error) {
	var p models.ChantParticipant
	err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, &p.ConnectionID, &p.JoinedAt, &p.LeftAt, &p.Status,
		&p.IsInChantSession, &p.LastKnownLatencyMs, &p.LastPingTime, &p.DisconnectionCount,
		&p.ReconnectionCount, &p.TotalActiveMinutes, &p.DisconnectedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const sessionReturning = `id, event_id, team_id, team_name, chant_name, status, start_time, end_time,
	duration_seconds, current_position, is_looping, loop_count, max_participants,
	participant_count, peak_concurrent_users, total_unique_participants, average_latency,
	disconnection_count, reconnection_count, audio_url, lyrics_url, created_by, is_active,
	created_at, updated_at`

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

// JoinResult is the outcome of a successful join.
type JoinResult struct {
	Participant *models.ChantParticipant
	Session     *models.ChantSession
	Reconnected bool
}

// Join admits a user into a session inside one transaction. The session row
// is locked first so the capacity check holds until commit. Outcomes:
//   - no live membership: a new participant row is inserted and the session
//     counters (participant_count, peak, unique total) advance;
//   - a Disconnected row inside the grace window: the row is restored to
//     Active and both reconnection counters advance;
//   - a Disconnected row past the grace window: the stale row is retired to
//     Left and the user is admitted as a fresh join;
//   - an Active row: the connection is replaced in place, counters untouched.
func (r *Repository) Join(ctx context.Context, sessionID, userID uuid.UUID, connectionID string, grace time.Duration) (*JoinResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin join: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status models.SessionStatus
		count  int
		max    int
	)
	err = tx.QueryRow(ctx,
		`SELECT status, participant_count, max_participants
			FROM chant_sessions WHERE id = $1 AND is_active FOR UPDATE`,
		sessionID,
	).Scan(&status, &count, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock session for join: %w", err)
	}
	if status != models.SessionPreparing && status != models.SessionActive {
		return nil, apperr.InvalidState("cannot join a session in status " + string(status))
	}

	live, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM chant_participants
			WHERE session_id = $1 AND user_id = $2 AND status IN ($3, $4)`,
		sessionID, userID, models.ParticipantActive, models.ParticipantDisconnected,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find live membership: %w", err)
	}

	res := &JoinResult{}

	if live != nil && live.Status == models.ParticipantActive {
		// Same user, new connection. Membership and counters are unchanged.
		p, err := scanParticipant(tx.QueryRow(ctx,
			`UPDATE chant_participants
				SET connection_id = $2, last_ping_time = NOW(), updated_at = NOW()
				WHERE id = $1 RETURNING `+participantColumns,
			live.ID, connectionID,
		))
		if err != nil {
			return nil, fmt.Errorf("replace connection: %w", err)
		}
		s, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionReturning+` FROM chant_sessions WHERE id = $1`, sessionID))
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit join: %w", err)
		}
		res.Participant, res.Session = p, s
		return res, nil
	}

	if count >= max {
		return nil, apperr.InvalidState("session is full")
	}

	reconnect := false
	if live != nil {
		withinGrace := live.DisconnectedAt != nil && time.Since(*live.DisconnectedAt) <= grace
		if withinGrace {
			reconnect = true
		} else {
			// Grace expired before the reaper caught it; retire the stale row.
			if _, err := tx.Exec(ctx,
				`UPDATE chant_participants
					SET status = $2, left_at = COALESCE(disconnected_at, NOW()), updated_at = NOW()
					WHERE id = $1`,
				live.ID, models.ParticipantLeft,
			); err != nil {
				return nil, fmt.Errorf("retire stale membership: %w", err)
			}
		}
	}

	if reconnect {
		// joined_at restarts the active stint; minutes up to the drop were
		// banked when the disconnection was recorded.
		p, err := scanParticipant(tx.QueryRow(ctx,
			`UPDATE chant_participants SET
				status = $2, is_in_chant_session = TRUE, connection_id = $3,
				joined_at = NOW(), last_ping_time = NOW(), disconnected_at = NULL,
				reconnection_count = reconnection_count + 1, updated_at = NOW()
				WHERE id = $1 RETURNING `+participantColumns,
			live.ID, models.ParticipantActive, connectionID,
		))
		if err != nil {
			return nil, fmt.Errorf("reconnect participant: %w", err)
		}
		s, err := scanSession(tx.QueryRow(ctx,
			`UPDATE chant_sessions SET
				participant_count = participant_count + 1,
				peak_concurrent_users = GREATEST(peak_concurrent_users, participant_count + 1),
				reconnection_count = reconnection_count + 1,
				updated_at = NOW()
				WHERE id = $1 RETURNING `+sessionReturning,
			sessionID,
		))
		if err != nil {
			return nil, fmt.Errorf("apply reconnect counters: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit join: %w", err)
		}
		res.Participant, res.Session, res.Reconnected = p, s, true
		return res, nil
	}

	// The unique total counts users, not stints, so it only advances when the
	// user has no prior row in this session. The session update runs before
	// the insert so the new row cannot satisfy its own existence check.
	s, err := scanSession(tx.QueryRow(ctx,
		`UPDATE chant_sessions SET
			participant_count = participant_count + 1,
			peak_concurrent_users = GREATEST(peak_concurrent_users, participant_count + 1),
			total_unique_participants = total_unique_participants + CASE WHEN EXISTS (
				SELECT 1 FROM chant_participants WHERE session_id = $1 AND user_id = $2
			) THEN 0 ELSE 1 END,
			updated_at = NOW()
			WHERE id = $1 RETURNING `+sessionReturning,
		sessionID, userID,
	))
	if err != nil {
		return nil, fmt.Errorf("apply join counters: %w", err)
	}
	p, err := scanParticipant(tx.QueryRow(ctx,
		`INSERT INTO chant_participants (session_id, user_id, connection_id, last_ping_time)
			VALUES ($1, $2, $3, NOW())
			RETURNING `+participantColumns,
		sessionID, userID, connectionID,
	))
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit join: %w", err)
	}
	res.Participant, res.Session = p, s
	return res, nil
}

// Leave retires an Active membership and decrements the session count. It is
// idempotent: leaving when not an active member returns nil results and no
// error.
func (r *Repository) Leave(ctx context.Context, sessionID, userID uuid.UUID) (*models.ChantParticipant, *models.ChantSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin leave: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanParticipant(tx.QueryRow(ctx,
		`UPDATE chant_participants SET
			status = $3, is_in_chant_session = FALSE, left_at = NOW(),
			total_active_minutes = total_active_minutes + EXTRACT(EPOCH FROM (NOW() - joined_at)) / 60,
			updated_at = NOW()
			WHERE session_id = $1 AND user_id = $2 AND status = $4
			RETURNING `+participantColumns,
		sessionID, userID, models.ParticipantLeft, models.ParticipantActive,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("leave session: %w", err)
	}

	s, err := scanSession(tx.QueryRow(ctx,
		`UPDATE chant_sessions SET
			participant_count = GREATEST(participant_count - 1, 0), updated_at = NOW()
			WHERE id = $1 RETURNING `+sessionReturning,
		sessionID,
	))
	if err != nil {
		return nil, nil, fmt.Errorf("apply leave counters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit leave: %w", err)
	}
	return p, s, nil
}

// DisconnectByConnection records a connection drop. The membership is kept as
// Disconnected so the user can reclaim it within the grace window, but it no
// longer counts toward the live participant count. Returns nil results when
// the connection maps to no active membership.
func (r *Repository) DisconnectByConnection(ctx context.Context, connectionID string) (*models.ChantParticipant, *models.ChantSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin disconnect: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanParticipant(tx.QueryRow(ctx,
		`UPDATE chant_participants SET
			status = $2, is_in_chant_session = FALSE, disconnected_at = NOW(),
			disconnection_count = disconnection_count + 1,
			total_active_minutes = total_active_minutes + EXTRACT(EPOCH FROM (NOW() - joined_at)) / 60,
			updated_at = NOW()
			WHERE connection_id = $1 AND status = $3
			RETURNING `+participantColumns,
		connectionID, models.ParticipantDisconnected, models.ParticipantActive,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("record disconnection: %w", err)
	}

	s, err := scanSession(tx.QueryRow(ctx,
		`UPDATE chant_sessions SET
			participant_count = GREATEST(participant_count - 1, 0),
			disconnection_count = disconnection_count + 1,
			updated_at = NOW()
			WHERE id = $1 RETURNING `+sessionReturning,
		p.SessionID,
	))
	if err != nil {
		return nil, nil, fmt.Errorf("apply disconnect counters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit disconnect: %w", err)
	}
	return p, s, nil
}

// UpdateLatency stores a latency sample for an active participant and
// recomputes the session average over all active sampled participants.
// Returns the new session average.
func (r *Repository) UpdateLatency(ctx context.Context, sessionID, userID uuid.UUID, latencyMs float64) (float64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE chant_participants SET
			last_known_latency_ms = $3, last_ping_time = NOW(), updated_at = NOW()
			WHERE session_id = $1 AND user_id = $2 AND status = $4`,
		sessionID, userID, latencyMs, models.ParticipantActive,
	)
	if err != nil {
		return 0, fmt.Errorf("store latency sample: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, apperr.NotFound("user is not an active participant")
	}

	var avg float64
	err = r.pool.QueryRow(ctx,
		`UPDATE chant_sessions SET
			average_latency = COALESCE((
				SELECT AVG(last_known_latency_ms) FROM chant_participants
				WHERE session_id = $1 AND status = $2 AND last_known_latency_ms IS NOT NULL
			), 0),
			updated_at = NOW()
			WHERE id = $1 RETURNING average_latency`,
		sessionID, models.ParticipantActive,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("recompute session latency: %w", err)
	}
	return avg, nil
}

// ListParticipants returns the present membership (active and reconnect
// pending), oldest join first.
func (r *Repository) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.ChantParticipant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM chant_participants
			WHERE session_id = $1 AND status IN ($2, $3)
			ORDER BY joined_at`,
		sessionID, models.ParticipantActive, models.ParticipantDisconnected,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return collectParticipants(rows)
}

// TopContributors ranks a session's participants by accumulated active time,
// with connection stability as the tie breaker.
func (r *Repository) TopContributors(ctx context.Context, sessionID uuid.UUID, count int) ([]models.ChantParticipant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM chant_participants
			WHERE session_id = $1
			ORDER BY total_active_minutes DESC, disconnection_count ASC
			LIMIT $2`,
		sessionID, count,
	)
	if err != nil {
		return nil, fmt.Errorf("list top contributors: %w", err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows pgx.Rows) ([]models.ChantParticipant, error) {
	defer rows.Close()
	var list []models.ChantParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// ExpiredMembership identifies a membership retired by the reaper.
type ExpiredMembership struct {
	ParticipantID uuid.UUID
	SessionID     uuid.UUID
	UserID        uuid.UUID
}

// ExpireDisconnected retires Disconnected memberships whose grace window has
// passed. Session participant counts were already decremented when the drop
// was recorded, so only the rows move to Left here.
func (r *Repository) ExpireDisconnected(ctx context.Context, grace time.Duration) ([]ExpiredMembership, error) {
	cutoff := time.Now().Add(-grace)
	rows, err := r.pool.Query(ctx,
		`UPDATE chant_participants SET
			status = $2, left_at = NOW(), updated_at = NOW()
			WHERE status = $3 AND disconnected_at < $1
			RETURNING id, session_id, user_id`,
		cutoff, models.ParticipantLeft, models.ParticipantDisconnected,
	)
	if err != nil {
		return nil, fmt.Errorf("expire disconnected memberships: %w", err)
	}
	defer rows.Close()
	var expired []ExpiredMembership
	for rows.Next() {
		var e ExpiredMembership
		if err := rows.Scan(&e.ParticipantID, &e.SessionID, &e.UserID); err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

// IsUserInSession reports whether the user holds an Active membership.
func (r *Repository) IsUserInSession(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	var in bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM chant_participants
			WHERE session_id = $1 AND user_id = $2 AND status = $3
		)`,
		sessionID, userID, models.ParticipantActive,
	).Scan(&in)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return in, nil
}
