// WikiNav benchmark server — runs LLM Wikipedia-navigation benchmarks,
// archives results and streams live progress over WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wikilabs/wikinav/pkg/api"
	"github.com/wikilabs/wikinav/pkg/archive"
	"github.com/wikilabs/wikinav/pkg/bench"
	"github.com/wikilabs/wikinav/pkg/config"
	"github.com/wikilabs/wikinav/pkg/events"
	"github.com/wikilabs/wikinav/pkg/llm"
	"github.com/wikilabs/wikinav/pkg/models"
	"github.com/wikilabs/wikinav/pkg/runs"
	"github.com/wikilabs/wikinav/pkg/version"
	"github.com/wikilabs/wikinav/pkg/wiki"
)

func main() {
	envPath := flag.String("env", ".env", "Path to the .env file")
	flag.Parse()

	// .env is optional; a missing file just means the environment is
	// already populated.
	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	settings, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(settings.LogLevel)
	if err != nil {
		slog.Error("Invalid log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting WikiNav benchmark server",
		"version", version.Full(),
		"http_port", settings.HTTPPort,
		"archive_path", settings.ArchiveBasePath,
		"llm_base_url", settings.LLMBaseURL)

	store, err := archive.NewStore(settings.ArchiveBasePath, logger)
	if err != nil {
		slog.Error("Failed to open archive store", "error", err)
		os.Exit(1)
	}

	wikiClient := wiki.NewClient(logger,
		wiki.WithUserAgent(settings.WikipediaUserAgent),
		wiki.WithHTTPClient(&http.Client{Timeout: settings.HTTPTimeout}))

	llmConfig := llm.Config{
		BaseURL:            settings.LLMBaseURL,
		APIKey:             settings.APIKey,
		SSLVerify:          settings.SSLVerify,
		RateLimitPerMinute: settings.RateLimitPerMinute,
		Timeout:            settings.LLMTimeout,
		ReadTimeout:        settings.LLMReadTimeout,
	}
	llmClient := llm.NewClient(llmConfig, logger)
	adapter := llm.NewAdapter(llmClient, logger)
	if settings.APIKey == "" {
		slog.Warn("No LLM API key configured; runs must supply their own key")
	}

	bus := events.NewBus(logger)
	publisher := events.NewPublisher(bus, logger)

	orchestrator := bench.NewOrchestrator(wikiClient, adapter, store, publisher, logger, bench.Options{
		HistorySize:    settings.HistorySize,
		SubscriberWait: settings.WSConnectTimeout,
	})
	limits := models.RunLimits{
		MaxSteps:                settings.MaxSteps,
		MaxLoops:                settings.MaxLoops,
		MaxHallucinationRetries: settings.MaxHallucinationRetries,
	}
	registry := runs.NewRegistry(orchestrator, publisher, llmConfig, limits, logger)

	server := api.NewServer(settings, registry, store, wikiClient, llmClient, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Active runs get a chance to reach their next checkpoint before the
	// HTTP server stops accepting connections.
	runShutdownCtx, runCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer runCancel()
	if err := registry.Shutdown(runShutdownCtx); err != nil {
		slog.Warn("Some runs did not stop before the shutdown deadline", "error", err)
	} else {
		slog.Info("All runs stopped")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
