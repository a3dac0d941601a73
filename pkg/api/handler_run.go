package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/wikilabs/wikinav/pkg/models"
	"github.com/wikilabs/wikinav/pkg/runs"
)

// RunStartedResponse acknowledges a newly created run.
type RunStartedResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// createRunHandler handles POST /runs. The benchmark executes in the
// background; progress is streamed over the run's WebSocket topic.
func (s *Server) createRunHandler(c *echo.Context) error {
	var cfg models.RunConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	runID, err := s.registry.Start(&cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.logger.Info("Run created",
		"run_id", runID,
		"models", len(cfg.Models),
		"start_page", cfg.StartPage,
		"target_page", cfg.TargetPage)

	return c.JSON(http.StatusOK, &RunStartedResponse{
		Message: "Benchmark started",
		RunID:   runID,
	})
}

// stopRunHandler handles POST /runs/:id/stop.
func (s *Server) stopRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	if err := s.registry.Stop(runID); err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found or already completed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stop run")
	}

	return c.JSON(http.StatusOK, &StopResponse{
		Message: "Stop request sent",
		RunID:   runID,
	})
}
