// Package events links chant sessions to their parent scheduled events.
// Event CRUD and search live in the upstream event service.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fansvoice/backend/internal/models"
)

// Repository handles parent event linkage.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns an event by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	const q = `SELECT id, title, team_id, start_time, status, chant_session_id, is_active, created_at, updated_at
		FROM events WHERE id = $1`
	var e models.Event
	err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.Title, &e.TeamID, &e.StartTime, &e.Status, &e.ChantSessionID, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// AttachSession records the chant session on its parent event.
func (r *Repository) AttachSession(ctx context.Context, eventID, sessionID uuid.UUID) error {
	const q = `UPDATE events SET chant_session_id = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, sessionID, eventID)
	if err != nil {
		return fmt.Errorf("attach session to event: %w", err)
	}
	return nil
}
