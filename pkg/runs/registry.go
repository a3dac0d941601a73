// Package runs tracks in-flight benchmark runs: it allocates run IDs,
// launches the orchestrator in the background, and routes stop requests
// to the right run.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wikilabs/wikinav/pkg/bench"
	"github.com/wikilabs/wikinav/pkg/events"
	"github.com/wikilabs/wikinav/pkg/llm"
	"github.com/wikilabs/wikinav/pkg/models"
)

// ErrRunNotFound reports a stop request for a run that is not active.
var ErrRunNotFound = errors.New("run not found")

// Registry owns the lifecycle of active runs. Finished runs disappear
// from the registry; their data lives on in the archive.
type Registry struct {
	orch      *bench.Orchestrator
	publisher *events.Publisher
	// llmConfig is the template for per-run LLM clients built when a
	// run carries its own API key.
	llmConfig llm.Config
	// limits fill in whatever a submitted config leaves unset.
	limits models.RunLimits
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	stop   *bench.StopSignal
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry. limits are the server-level
// fallback limits for runs that do not set their own.
func NewRegistry(orch *bench.Orchestrator, publisher *events.Publisher, llmConfig llm.Config, limits models.RunLimits, logger *slog.Logger) *Registry {
	return &Registry{
		orch:      orch,
		publisher: publisher,
		llmConfig: llmConfig,
		limits:    limits,
		logger:    logger,
		active:    make(map[string]*activeRun),
	}
}

// Start validates the config, allocates a run ID and launches the
// benchmark in the background. It returns as soon as the run is
// registered; progress is delivered via the run's event topic.
func (r *Registry) Start(cfg *models.RunConfig) (string, error) {
	cfg.ApplyDefaults(r.limits)
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	runID := uuid.NewString()

	// A run-scoped API key gets its own client; otherwise the
	// orchestrator's default adapter is used.
	var adapter bench.LLMAdapter
	if cfg.APIKey != "" {
		perRun := r.llmConfig
		perRun.APIKey = cfg.APIKey
		adapter = llm.NewAdapter(llm.NewClient(perRun, r.logger), r.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{stop: &bench.StopSignal{}, cancel: cancel}

	r.mu.Lock()
	r.active[runID] = run
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.finish(runID)

		r.logger.Info("Benchmark run started",
			"run_id", runID,
			"models", len(cfg.Models),
			"start_page", cfg.StartPage,
			"target_page", cfg.TargetPage)

		if _, err := r.orch.Run(ctx, runID, cfg, adapter, run.stop); err != nil {
			r.logger.Error("Benchmark run failed", "run_id", runID, "error", err)
			return
		}
		r.logger.Info("Benchmark run finished", "run_id", runID)
	}()

	return runID, nil
}

// Stop requests a cooperative stop of an active run. The run winds down
// at its next checkpoint; ErrRunNotFound means the run is unknown or
// already finished.
func (r *Registry) Stop(runID string) error {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	run.stop.Request()
	r.publisher.PublishStopRequested(runID, "Stop requested by user")
	r.logger.Info("Stop requested", "run_id", runID)
	return nil
}

// IsActive reports whether the run is still executing.
func (r *Registry) IsActive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[runID]
	return ok
}

// ActiveCount returns the number of in-flight runs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops every active run and waits for them to finish, bounded
// by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for runID, run := range r.active {
		run.stop.Request()
		run.cancel()
		r.logger.Info("Cancelling run for shutdown", "run_id", runID)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish drops the run from the registry and closes its event topic.
// Late event consumers read finished runs from the archive.
func (r *Registry) finish(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
	r.publisher.Bus().CloseTopic(events.RunTopic(runID))
}
