// Package api exposes the benchmark over HTTP: REST endpoints for
// starting and stopping runs, browsing archives and validating
// Wikipedia pages, plus a WebSocket endpoint streaming live run events.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/wikilabs/wikinav/pkg/archive"
	"github.com/wikilabs/wikinav/pkg/config"
	"github.com/wikilabs/wikinav/pkg/events"
	"github.com/wikilabs/wikinav/pkg/llm"
	"github.com/wikilabs/wikinav/pkg/runs"
	"github.com/wikilabs/wikinav/pkg/wiki"
)

// Server wires the HTTP surface to the run registry, archive store and
// upstream clients.
type Server struct {
	settings  *config.Settings
	registry  *runs.Registry
	archive   *archive.Store
	wiki      *wiki.Client
	llmClient *llm.Client
	bus       *events.Bus
	logger    *slog.Logger

	// wsWriteTimeout bounds a single WebSocket write; a stalled client
	// must not block event delivery forever.
	wsWriteTimeout time.Duration

	httpServer *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(settings *config.Settings, registry *runs.Registry, store *archive.Store, wikiClient *wiki.Client, llmClient *llm.Client, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		settings:       settings,
		registry:       registry,
		archive:        store,
		wiki:           wikiClient,
		llmClient:      llmClient,
		bus:            bus,
		logger:         logger,
		wsWriteTimeout: 10 * time.Second,
	}

	e := echo.New()
	e.Use(corsMiddleware(settings.CORSOrigins))
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/models", s.listModelsHandler)
	e.GET("/wiki/validate", s.validateWikiHandler)
	e.GET("/wiki/random", s.randomWikiHandler)
	e.POST("/runs", s.createRunHandler)
	e.POST("/runs/:id/stop", s.stopRunHandler)
	e.GET("/archives", s.listArchivesHandler)
	e.GET("/archives/:id", s.getArchiveHandler)
	e.GET("/live/:id", s.liveEventsHandler)

	s.httpServer = &http.Server{
		Addr:              ":" + settings.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
