// Package rest serves the gateway's HTTP API: auth, catalog management,
// session history, preferences, and document extraction.
package rest

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate/internal/artifact"
	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/bundle"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/prefs"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/transcript"
)

// Deps collects the collaborators the REST handlers work against.
type Deps struct {
	Auth        *auth.Manager
	Manager     *session.Manager
	Transcripts *transcript.Store
	Artifacts   *artifact.Ledger
	Registry    *bundle.Registry
	Prefs       *prefs.Store
	Logger      *logger.Logger
}

// SetupRoutes registers the REST API under /api. Every route requires the
// bearer token except /api/health and /api/auth/local-token.
func SetupRoutes(router *gin.Engine, deps Deps) {
	h := newHandler(deps)

	router.GET("/api/health", h.Health)
	router.GET("/api/auth/local-token", h.LocalToken)

	api := router.Group("/api", bearerAuth(deps.Auth))
	{
		api.GET("/auth/verify", h.VerifyAuth)

		api.GET("/bundles", h.ListBundles)
		api.GET("/bundles/:name", h.GetBundle)
		api.POST("/bundles/custom", h.AddCustomBundle)
		api.DELETE("/bundles/custom/:name", h.RemoveCustomBundle)
		api.POST("/bundles/validate", h.ValidateURI)

		api.GET("/behaviors", h.ListBehaviors)
		api.GET("/behaviors/:name", h.GetBehavior)
		api.POST("/behaviors/custom", h.AddCustomBehavior)
		api.DELETE("/behaviors/custom/:name", h.RemoveCustomBehavior)
		api.POST("/behaviors/validate", h.ValidateURI)

		api.GET("/sessions", h.ListActiveSessions)
		api.GET("/sessions/history", h.ListHistory)
		api.GET("/sessions/history/:id/transcript", h.GetTranscript)
		api.PUT("/sessions/history/:id/rename", h.RenameSession)
		api.DELETE("/sessions/history/:id", h.DeleteSession)
		api.GET("/sessions/:id/artifacts", h.ListArtifacts)

		api.GET("/preferences", h.GetPreferences)
		api.PUT("/preferences", h.PutPreferences)

		api.POST("/extract", h.Extract)
	}
}

// bearerAuth rejects requests without a valid Authorization: Bearer token.
func bearerAuth(verifier *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == token || !verifier.Verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// isLoopback reports whether the request originated from this machine.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
