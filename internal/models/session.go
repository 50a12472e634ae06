package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a chant session.
type SessionStatus string

const (
	SessionPreparing SessionStatus = "Preparing"
	SessionActive    SessionStatus = "Active"
	SessionPaused    SessionStatus = "Paused"
	SessionCompleted SessionStatus = "Completed"
	SessionCancelled SessionStatus = "Cancelled"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// ChantSession is one scheduled, synchronized group chant tied to a parent event.
type ChantSession struct {
	ID                      uuid.UUID     `json:"id"`
	EventID                 uuid.UUID     `json:"event_id"`
	TeamID                  uuid.UUID     `json:"team_id"`
	TeamName                string        `json:"team_name"`
	ChantName               string        `json:"chant_name"`
	Status                  SessionStatus `json:"status"`
	StartTime               *time.Time    `json:"start_time,omitempty"`
	EndTime                 *time.Time    `json:"end_time,omitempty"`
	DurationSeconds         int           `json:"duration_seconds"`
	CurrentPosition         float64       `json:"current_position"`
	IsLooping               bool          `json:"is_looping"`
	LoopCount               int           `json:"loop_count"`
	MaxParticipants         int           `json:"max_participants"`
	ParticipantCount        int           `json:"participant_count"`
	PeakConcurrentUsers     int           `json:"peak_concurrent_users"`
	TotalUniqueParticipants int           `json:"total_unique_participants"`
	AverageLatency          float64       `json:"average_latency"`
	DisconnectionCount      int           `json:"disconnection_count"`
	ReconnectionCount       int           `json:"reconnection_count"`
	AudioURL                string        `json:"audio_url,omitempty"`
	LyricsURL               string        `json:"lyrics_url,omitempty"`
	CreatedBy               uuid.UUID     `json:"created_by"`
	IsActive                bool          `json:"is_active"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// SessionMetrics is the per-session metrics projection.
type SessionMetrics struct {
	SessionID          uuid.UUID `json:"session_id"`
	AverageLatency     float64   `json:"average_latency"`
	TotalParticipants  int       `json:"total_participants"`
	ActiveParticipants int       `json:"active_participants"`
	DisconnectionCount int       `json:"disconnection_count"`
	ReconnectionCount  int       `json:"reconnection_count"`
	SessionMinutes     float64   `json:"session_minutes"`
	LastUpdateTime     time.Time `json:"last_update_time"`
}

// TeamMetrics aggregates session metrics across a team's sessions.
type TeamMetrics struct {
	TeamID                        uuid.UUID `json:"team_id"`
	TotalSessions                 int       `json:"total_sessions"`
	TotalParticipants             int       `json:"total_participants"`
	AverageParticipantsPerSession float64   `json:"average_participants_per_session"`
	AverageSessionDuration        float64   `json:"average_session_duration"`
	TotalDisconnections           int       `json:"total_disconnections"`
	AverageLatency                float64   `json:"average_latency"`
}
