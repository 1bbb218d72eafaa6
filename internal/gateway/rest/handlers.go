package rest

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/bundle"
	"github.com/agentgate/agentgate/internal/extract"
	"github.com/agentgate/agentgate/internal/prefs"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/transcript"
)

type handler struct {
	deps Deps
}

func newHandler(deps Deps) *handler {
	deps.Logger = deps.Logger.WithFields(zap.String("component", "rest-api"))
	return &handler{deps: deps}
}

// Health reports liveness. No auth required.
// GET /api/health
func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LocalToken hands the auth token to loopback clients so a browser opened on
// the same machine can bootstrap without copy-pasting.
// GET /api/auth/local-token
func (h *handler) LocalToken(c *gin.Context) {
	if !isLoopback(c.Request.RemoteAddr) {
		c.JSON(http.StatusForbidden, gin.H{"error": "local token is only served to loopback clients"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": h.deps.Auth.Token()})
}

// VerifyAuth confirms the bearer token (the middleware already checked it).
// GET /api/auth/verify
func (h *handler) VerifyAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ListBundles returns the full bundle catalog.
// GET /api/bundles
func (h *handler) ListBundles(c *gin.Context) {
	entries, err := h.deps.Registry.ListBundles()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundles": entries})
}

// GetBundle returns one bundle by name.
// GET /api/bundles/{name}
func (h *handler) GetBundle(c *gin.Context) {
	info, err := h.deps.Registry.GetBundle(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type customRequest struct {
	Name        string `json:"name" binding:"required"`
	URI         string `json:"uri" binding:"required"`
	Description string `json:"description"`
}

// AddCustomBundle registers a user bundle after validating its URI.
// POST /api/bundles/custom
func (h *handler) AddCustomBundle(c *gin.Context) {
	h.addCustom(c, h.deps.Registry.AddCustomBundle)
}

// RemoveCustomBundle unregisters a user bundle.
// DELETE /api/bundles/custom/{name}
func (h *handler) RemoveCustomBundle(c *gin.Context) {
	if err := h.deps.Registry.RemoveCustomBundle(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("name")})
}

// ListBehaviors returns the behavior catalog.
// GET /api/behaviors
func (h *handler) ListBehaviors(c *gin.Context) {
	entries, err := h.deps.Registry.ListBehaviors()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"behaviors": entries})
}

// GetBehavior returns one behavior by name.
// GET /api/behaviors/{name}
func (h *handler) GetBehavior(c *gin.Context) {
	info, err := h.deps.Registry.GetBehavior(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// AddCustomBehavior registers a user behavior.
// POST /api/behaviors/custom
func (h *handler) AddCustomBehavior(c *gin.Context) {
	h.addCustom(c, h.deps.Registry.AddCustomBehavior)
}

// RemoveCustomBehavior unregisters a user behavior.
// DELETE /api/behaviors/custom/{name}
func (h *handler) RemoveCustomBehavior(c *gin.Context) {
	if err := h.deps.Registry.RemoveCustomBehavior(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("name")})
}

func (h *handler) addCustom(c *gin.Context, add func(prefs.CustomEntry) error) {
	var req customRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry := prefs.CustomEntry{Name: req.Name, URI: req.URI, Description: req.Description}
	if err := add(entry); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bundle.ErrExists) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ValidateURI checks a bundle or behavior source without registering it.
// Validation failures are resolved results, not HTTP errors.
// POST /api/bundles/validate, POST /api/behaviors/validate
func (h *handler) ValidateURI(c *gin.Context) {
	var req struct {
		URI string `json:"uri" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bundle.ValidateURI(req.URI))
}

type activeSessionResponse struct {
	SessionID string    `json:"session_id"`
	Bundle    string    `json:"bundle"`
	Status    string    `json:"status"`
	Turn      int       `json:"turn"`
	CreatedAt time.Time `json:"created_at"`
}

// ListActiveSessions returns in-memory live sessions.
// GET /api/sessions
func (h *handler) ListActiveSessions(c *gin.Context) {
	active := h.deps.Manager.ListActive()
	out := make([]activeSessionResponse, 0, len(active))
	for _, s := range active {
		out = append(out, activeSessionResponse{
			SessionID: s.ID,
			Bundle:    s.Bundle,
			Status:    s.Status(),
			Turn:      s.Turn(),
			CreatedAt: s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// ListHistory returns persisted session metadata, newest first. Sub-sessions
// are excluded unless ?include_sub_sessions=true.
// GET /api/sessions/history
func (h *handler) ListHistory(c *gin.Context) {
	include := c.Query("include_sub_sessions") == "true"
	metas, err := h.deps.Transcripts.List(include)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": metas})
}

// GetTranscript returns a persisted session's full entry list.
// GET /api/sessions/history/{id}/transcript
func (h *handler) GetTranscript(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.deps.Transcripts.Load(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "entries": entries})
}

// RenameSession sets a display name on a persisted session.
// PUT /api/sessions/history/{id}/rename
func (h *handler) RenameSession(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Manager.RenameHistory(c.Param("id"), req.Name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "name": req.Name})
}

// DeleteSession removes a persisted session and its artifacts. Active
// sessions cannot be deleted.
// DELETE /api/sessions/history/{id}
func (h *handler) DeleteSession(c *gin.Context) {
	if err := h.deps.Manager.DeleteHistory(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// ListArtifacts returns the file-change timeline for a session.
// GET /api/sessions/{id}/artifacts
func (h *handler) ListArtifacts(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"session_id": id, "artifacts": h.deps.Artifacts.List(id)})
}

// GetPreferences returns the persisted preferences document.
// GET /api/preferences
func (h *handler) GetPreferences(c *gin.Context) {
	p, err := h.deps.Prefs.Get()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PutPreferences replaces the preferences document.
// PUT /api/preferences
func (h *handler) PutPreferences(c *gin.Context) {
	var p prefs.Preferences
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Prefs.Put(p); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type extractRequest struct {
	Filename string `json:"filename" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// Extract converts an uploaded document (base64 content) to plain text.
// Unsupported or corrupt documents resolve with an inline error and 200.
// POST /api/extract
func (h *handler) Extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is not valid base64"})
		return
	}
	c.JSON(http.StatusOK, extract.Extract(req.Filename, data))
}

// fail maps domain errors to HTTP statuses and renders the common error body.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, transcript.ErrSessionNotFound),
		errors.Is(err, bundle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, bundle.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionBusy):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.deps.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
