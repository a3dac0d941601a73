package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// listArchivesHandler handles GET /archives.
func (s *Server) listArchivesHandler(c *echo.Context) error {
	archives, err := s.archive.List()
	if err != nil {
		s.logger.Error("Failed to list archives", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list archives")
	}
	return c.JSON(http.StatusOK, archives)
}

// getArchiveHandler handles GET /archives/:id.
func (s *Server) getArchiveHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	// Run IDs are UUIDs; anything that could escape the archive root is rejected.
	if !validRunID(runID) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	details, err := s.archive.Get(runID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "archive not found")
		}
		s.logger.Error("Failed to load archive", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load archive")
	}
	return c.JSON(http.StatusOK, details)
}

// validRunID rejects identifiers that could traverse out of the archive
// directory.
func validRunID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
