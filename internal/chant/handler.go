package chant

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fansvoice/backend/internal/apperr"
	"github.com/fansvoice/backend/internal/middleware"
	"github.com/fansvoice/backend/internal/models"
	"github.com/fansvoice/backend/pkg/response"
	"github.com/fansvoice/backend/pkg/storage"
)

const assetURLExpiry = 15 * time.Minute

// PresenceReader exposes the membership queries served under the session
// routes, satisfied by the presence service.
type PresenceReader interface {
	Participants(ctx context.Context, sessionID uuid.UUID) ([]models.ChantParticipant, error)
	TopContributors(ctx context.Context, sessionID uuid.UUID, count int) ([]models.ChantParticipant, error)
}

// AssetStore holds chant asset objects and mints short-lived access URLs,
// satisfied by the S3 storage client.
type AssetStore interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignedUploadURL(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	DeleteObject(ctx context.Context, key string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// Handler handles chant session HTTP endpoints.
type Handler struct {
	sessions *Service
	presence PresenceReader
	assets   AssetStore
}

// NewHandler creates a chant session handler.
func NewHandler(sessions *Service, presence PresenceReader, assets AssetStore) *Handler {
	return &Handler{sessions: sessions, presence: presence, assets: assets}
}

func respondError(c *gin.Context, err error) {
	e := apperr.Convert(err)
	switch e.Code {
	case apperr.CodeNotFound:
		response.NotFound(c, e.Message)
	case apperr.CodeUnauthorized:
		response.Forbidden(c, e.Message)
	case apperr.CodeInvalidState:
		response.Conflict(c, e.Message)
	case apperr.CodeCircuitOpen:
		response.ServiceUnavailable(c, e.Message)
	default:
		response.Internal(c, "internal error")
	}
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

// Create handles POST /chant/sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.DurationSeconds <= 0 {
		response.BadRequest(c, "duration_seconds must be positive")
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), req, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, sess)
}

// Get handles GET /chant/sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// UpdateRequest is the body for PATCH /chant/sessions/:id.
type UpdateRequest struct {
	ChantName       *string `json:"chant_name"`
	AudioURL        *string `json:"audio_url"`
	LyricsURL       *string `json:"lyrics_url"`
	IsLooping       *bool   `json:"is_looping"`
	MaxParticipants *int    `json:"max_participants"`
}

// Update handles PATCH /chant/sessions/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.MaxParticipants != nil && *req.MaxParticipants <= 0 {
		response.BadRequest(c, "max_participants must be positive")
		return
	}
	sess, err := h.sessions.Update(c.Request.Context(), id, UpdateParams{
		ChantName:       req.ChantName,
		AudioURL:        req.AudioURL,
		LyricsURL:       req.LyricsURL,
		IsLooping:       req.IsLooping,
		MaxParticipants: req.MaxParticipants,
	}, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// Delete handles DELETE /chant/sessions/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), id, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) lifecycle(c *gin.Context, op func(ctx context.Context, id, actor uuid.UUID) (*models.ChantSession, error)) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := op(c.Request.Context(), id, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// Start handles POST /chant/sessions/:id/start.
func (h *Handler) Start(c *gin.Context) { h.lifecycle(c, h.sessions.Start) }

// Pause handles POST /chant/sessions/:id/pause.
func (h *Handler) Pause(c *gin.Context) { h.lifecycle(c, h.sessions.Pause) }

// Resume handles POST /chant/sessions/:id/resume.
func (h *Handler) Resume(c *gin.Context) { h.lifecycle(c, h.sessions.Resume) }

// Stop handles POST /chant/sessions/:id/stop.
func (h *Handler) Stop(c *gin.Context) { h.lifecycle(c, h.sessions.Stop) }

// PositionRequest is the body for PATCH /chant/sessions/:id/position.
type PositionRequest struct {
	Position float64 `json:"position"`
}

// UpdatePosition handles PATCH /chant/sessions/:id/position.
func (h *Handler) UpdatePosition(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Position < 0 {
		response.BadRequest(c, "position must not be negative")
		return
	}
	sess, err := h.sessions.UpdatePosition(c.Request.Context(), id, currentUser(c), req.Position)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// ListActive handles GET /chant/sessions/active.
func (h *Handler) ListActive(c *gin.Context) {
	list, err := h.sessions.ListActive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

// MostActive handles GET /chant/sessions/active/top/:count.
func (h *Handler) MostActive(c *gin.Context) {
	count, err := strconv.Atoi(c.Param("count"))
	if err != nil || count <= 0 {
		response.BadRequest(c, "invalid count")
		return
	}
	list, err := h.sessions.MostActive(c.Request.Context(), count)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

func teamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("teamId"))
	if err != nil {
		response.BadRequest(c, "invalid team id")
		return uuid.Nil, false
	}
	return id, true
}

// ListByTeam handles GET /chant/sessions/team/:teamId.
func (h *Handler) ListByTeam(c *gin.Context) {
	id, ok := teamID(c)
	if !ok {
		return
	}
	list, err := h.sessions.ListByTeam(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

// TeamMetrics handles GET /chant/sessions/team/:teamId/metrics.
func (h *Handler) TeamMetrics(c *gin.Context) {
	id, ok := teamID(c)
	if !ok {
		return
	}
	m, err := h.sessions.TeamMetrics(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, m)
}

// CurrentForUser handles GET /chant/sessions/user/current.
func (h *Handler) CurrentForUser(c *gin.Context) {
	sess, err := h.sessions.CurrentForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// Metrics handles GET /chant/sessions/:id/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	m, err := h.sessions.Metrics(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, m)
}

// Participants handles GET /chant/sessions/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	list, err := h.presence.Participants(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

// TopContributors handles GET /chant/sessions/:id/top-contributors/:count.
func (h *Handler) TopContributors(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	count, err := strconv.Atoi(c.Param("count"))
	if err != nil || count <= 0 {
		response.BadRequest(c, "invalid count")
		return
	}
	list, err := h.presence.TopContributors(c.Request.Context(), id, count)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, list)
}

func (h *Handler) assetURL(c *gin.Context, pick func(*models.ChantSession) string) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.assets == nil {
		response.ServiceUnavailable(c, "asset storage is not configured")
		return
	}
	key := pick(sess)
	if key == "" {
		response.NotFound(c, "no asset attached to session")
		return
	}
	// The key may predate the actual upload when the presigned PUT flow was used.
	exists, err := h.assets.ObjectExists(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	if !exists {
		response.NotFound(c, "asset has not been uploaded")
		return
	}
	url, err := h.assets.PresignedURL(c.Request.Context(), key, assetURLExpiry)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_seconds": int(assetURLExpiry.Seconds())})
}

// AudioURL handles GET /chant/sessions/:id/audio-url.
func (h *Handler) AudioURL(c *gin.Context) {
	h.assetURL(c, func(s *models.ChantSession) string { return s.AudioURL })
}

// LyricsURL handles GET /chant/sessions/:id/lyrics-url.
func (h *Handler) LyricsURL(c *gin.Context) {
	h.assetURL(c, func(s *models.ChantSession) string { return s.LyricsURL })
}

// uploadAsset streams a multipart file to the assets bucket and stores the
// object key on the session. The key update goes through the session update
// path, so only the creator can attach assets; an upload the update rejects
// is removed again.
func (h *Handler) uploadAsset(c *gin.Context, objectKey func(sessionID, filename string) string,
	pick func(*models.ChantSession) string, patch func(key *string) UpdateParams) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if h.assets == nil {
		response.ServiceUnavailable(c, "asset storage is not configured")
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if fileHeader.Size > storage.MaxAssetFileSize {
		response.BadRequest(c, "file exceeds the 50MB asset limit")
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !storage.ValidateAssetFileType(contentType, fileHeader.Filename) {
		response.BadRequest(c, "unsupported asset file type")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		response.BadRequest(c, "cannot read uploaded file")
		return
	}
	defer f.Close()

	key := objectKey(id.String(), fileHeader.Filename)
	if _, err := h.assets.Upload(c.Request.Context(), key, contentType, f, fileHeader.Size); err != nil {
		respondError(c, err)
		return
	}
	updated, err := h.sessions.Update(c.Request.Context(), id, patch(&key), currentUser(c))
	if err != nil {
		_ = h.assets.DeleteObject(c.Request.Context(), key)
		respondError(c, err)
		return
	}
	if prev := pick(sess); prev != "" && prev != key {
		_ = h.assets.DeleteObject(c.Request.Context(), prev)
	}
	response.OK(c, updated)
}

// UploadAudio handles POST /chant/sessions/:id/audio.
func (h *Handler) UploadAudio(c *gin.Context) {
	h.uploadAsset(c, storage.AudioKey,
		func(s *models.ChantSession) string { return s.AudioURL },
		func(key *string) UpdateParams { return UpdateParams{AudioURL: key} })
}

// UploadLyrics handles POST /chant/sessions/:id/lyrics.
func (h *Handler) UploadLyrics(c *gin.Context) {
	h.uploadAsset(c, storage.LyricsKey,
		func(s *models.ChantSession) string { return s.LyricsURL },
		func(key *string) UpdateParams { return UpdateParams{LyricsURL: key} })
}

// AssetUploadRequest is the body for the presigned PUT endpoints.
type AssetUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// assetUploadURL stores the target object key on the session first, then
// returns a presigned PUT URL for the client to upload against. Download
// endpoints verify the object exists, so an abandoned upload surfaces as
// NotFound rather than a broken URL.
func (h *Handler) assetUploadURL(c *gin.Context, objectKey func(sessionID, filename string) string,
	patch func(key *string) UpdateParams) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if h.assets == nil {
		response.ServiceUnavailable(c, "asset storage is not configured")
		return
	}
	var req AssetUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.SizeBytes > storage.MaxAssetFileSize {
		response.BadRequest(c, "file exceeds the 50MB asset limit")
		return
	}
	if !storage.ValidateAssetFileType(req.ContentType, req.Filename) {
		response.BadRequest(c, "unsupported asset file type")
		return
	}

	key := objectKey(id.String(), req.Filename)
	if _, err := h.sessions.Update(c.Request.Context(), id, patch(&key), currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	url, err := h.assets.PresignedUploadURL(c.Request.Context(), key, req.ContentType, assetURLExpiry)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{
		"upload_url":         url,
		"key":                key,
		"expires_in_seconds": int(assetURLExpiry.Seconds()),
	})
}

// AudioUploadURL handles POST /chant/sessions/:id/audio-upload-url.
func (h *Handler) AudioUploadURL(c *gin.Context) {
	h.assetUploadURL(c, storage.AudioKey,
		func(key *string) UpdateParams { return UpdateParams{AudioURL: key} })
}

// LyricsUploadURL handles POST /chant/sessions/:id/lyrics-upload-url.
func (h *Handler) LyricsUploadURL(c *gin.Context) {
	h.assetUploadURL(c, storage.LyricsKey,
		func(key *string) UpdateParams { return UpdateParams{LyricsURL: key} })
}

// RegisterRoutes mounts the chant session routes on an authenticated group.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/sessions", h.Create)
	g.GET("/sessions/active", h.ListActive)
	g.GET("/sessions/active/top/:count", h.MostActive)
	g.GET("/sessions/team/:teamId", h.ListByTeam)
	g.GET("/sessions/team/:teamId/metrics", h.TeamMetrics)
	g.GET("/sessions/user/current", h.CurrentForUser)
	g.GET("/sessions/:id", h.Get)
	g.PATCH("/sessions/:id", h.Update)
	g.DELETE("/sessions/:id", h.Delete)
	g.POST("/sessions/:id/start", h.Start)
	g.POST("/sessions/:id/pause", h.Pause)
	g.POST("/sessions/:id/resume", h.Resume)
	g.POST("/sessions/:id/stop", h.Stop)
	g.PATCH("/sessions/:id/position", h.UpdatePosition)
	g.GET("/sessions/:id/metrics", h.Metrics)
	g.GET("/sessions/:id/participants", h.Participants)
	g.GET("/sessions/:id/top-contributors/:count", h.TopContributors)
	g.POST("/sessions/:id/audio", h.UploadAudio)
	g.POST("/sessions/:id/lyrics", h.UploadLyrics)
	g.POST("/sessions/:id/audio-upload-url", h.AudioUploadURL)
	g.POST("/sessions/:id/lyrics-upload-url", h.LyricsUploadURL)
	g.GET("/sessions/:id/audio-url", h.AudioURL)
	g.GET("/sessions/:id/lyrics-url", h.LyricsURL)
}
