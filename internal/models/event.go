package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is the parent scheduled event a chant session belongs to. Event CRUD
// and search live in the upstream event service; this service only attaches
// and detaches chant sessions.
type Event struct {
	ID             uuid.UUID  `json:"id"`
	Title          string     `json:"title"`
	TeamID         uuid.UUID  `json:"team_id"`
	StartTime      time.Time  `json:"start_time"`
	Status         string     `json:"status"`
	ChantSessionID *uuid.UUID `json:"chant_session_id,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
