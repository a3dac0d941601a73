package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listModelsHandler handles GET /models, proxying the LLM provider's
// model catalog.
func (s *Server) listModelsHandler(c *echo.Context) error {
	if s.settings.APIKey == "" {
		return echo.NewHTTPError(http.StatusUnauthorized,
			"LLM API key is not configured on the server")
	}

	names, err := s.llmClient.ListModels(c.Request().Context())
	if err != nil {
		s.logger.Error("Failed to fetch model catalog", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch models")
	}
	return c.JSON(http.StatusOK, names)
}
