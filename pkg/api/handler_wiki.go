package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/wikilabs/wikinav/pkg/wiki"
)

// ValidateResponse reports whether a Wikipedia reference resolves to a
// real article.
type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Title string `json:"title,omitempty"`
	Error string `json:"error,omitempty"`
}

// RandomPageResponse is a randomly drawn main-namespace article.
type RandomPageResponse struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// validateWikiHandler handles GET /wiki/validate?url=...
// A reference that does not parse or does not exist is a valid:false
// response, not an HTTP error.
func (s *Server) validateWikiHandler(c *echo.Context) error {
	ref := c.QueryParam("url")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url query parameter is required")
	}

	title, err := wiki.ParseArticleRef(ref)
	if err != nil {
		return c.JSON(http.StatusOK, &ValidateResponse{Valid: false, Error: err.Error()})
	}

	page, err := s.wiki.FetchPage(c.Request().Context(), title)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			return c.JSON(http.StatusOK, &ValidateResponse{Valid: false, Error: err.Error()})
		}
		s.logger.Error("Wikipedia validation failed", "ref", ref, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reach Wikipedia")
	}

	return c.JSON(http.StatusOK, &ValidateResponse{Valid: true, Title: page.Title})
}

// randomWikiHandler handles GET /wiki/random.
func (s *Server) randomWikiHandler(c *echo.Context) error {
	title, articleURL, err := s.wiki.RandomPage(c.Request().Context())
	if err != nil {
		s.logger.Error("Random page fetch failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch random page")
	}
	return c.JSON(http.StatusOK, &RandomPageResponse{Title: title, URL: articleURL})
}
