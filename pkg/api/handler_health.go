package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/wikilabs/wikinav/pkg/version"
)

// HealthResponse is the minimal, unauthenticated health report.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ActiveRuns int    `json:"active_runs"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:     "healthy",
		Version:    version.GitCommit,
		ActiveRuns: s.registry.ActiveCount(),
	})
}
