package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantStatus is the membership state of a participant record.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "Active"
	ParticipantDisconnected ParticipantStatus = "Disconnected"
	ParticipantLeft         ParticipantStatus = "Left"
	ParticipantKicked       ParticipantStatus = "Kicked"
	ParticipantBanned       ParticipantStatus = "Banned"
)

// ChantParticipant is a user's membership record in a chant session. Records
// are never physically deleted; they form the membership audit trail. At most
// one Active or Disconnected record exists per (session, user).
type ChantParticipant struct {
	ID                 uuid.UUID         `json:"id"`
	SessionID          uuid.UUID         `json:"session_id"`
	UserID             uuid.UUID         `json:"user_id"`
	ConnectionID       string            `json:"connection_id"`
	JoinedAt           time.Time         `json:"joined_at"`
	LeftAt             *time.Time        `json:"left_at,omitempty"`
	Status             ParticipantStatus `json:"status"`
	IsInChantSession   bool              `json:"is_in_chant_session"`
	LastKnownLatencyMs *float64          `json:"last_known_latency_ms,omitempty"`
	LastPingTime       *time.Time        `json:"last_ping_time,omitempty"`
	DisconnectionCount int               `json:"disconnection_count"`
	ReconnectionCount  int               `json:"reconnection_count"`
	TotalActiveMinutes float64           `json:"total_active_minutes"`
	DisconnectedAt     *time.Time        `json:"disconnected_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
