// Package bench runs the navigation benchmark: it walks each model from
// the start page toward the target page, one anonymized link choice at a
// time, recording every step and publishing live events along the way.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/wikilabs/wikinav/pkg/events"
	"github.com/wikilabs/wikinav/pkg/models"
	"github.com/wikilabs/wikinav/pkg/wiki"
)

// WikiSource fetches anonymized pages.
type WikiSource interface {
	FetchPage(ctx context.Context, title string) (*models.WikiPage, error)
}

// LLMAdapter asks a model for its next click.
type LLMAdapter interface {
	ChooseConcept(ctx context.Context, model string, messages []models.ChatMessage, mapping map[string]string, structured bool) (*models.AdapterResponse, time.Duration, error)
}

// Archive persists run artifacts.
type Archive interface {
	SaveConfig(runID string, config any) error
	SaveModelStep(runID, model string, pairIdx, seq int, step any) error
	SaveModelMetrics(runID, model string, pairIdx int, metrics any, path []string) error
	SaveSummary(runID string, summary any) error
	AppendMetricsCSV(runID string, metrics map[string]any) error
}

// StopSignal is a cooperative stop flag shared between the orchestrator
// and the stop endpoint. Once requested it stays set for the run's life.
type StopSignal struct {
	flag atomic.Bool
}

// Request sets the flag.
func (s *StopSignal) Request() {
	s.flag.Store(true)
}

// Requested reports whether a stop has been asked for.
func (s *StopSignal) Requested() bool {
	return s.flag.Load()
}

// Options tunes orchestrator pacing. Zero values get defaults; tests set
// the delays to a negative value to disable them.
type Options struct {
	// HistorySize bounds the visited-page window used for prompts and
	// loop detection.
	HistorySize int
	// SubscriberWait bounds how long a run waits for its first live
	// subscriber before starting anyway.
	SubscriberWait time.Duration
	// SubscriberSettle is the pause after a subscriber attaches, giving
	// the client time to finish its setup.
	SubscriberSettle time.Duration
	// FirstModelDelay is the pause before the first model starts.
	FirstModelDelay time.Duration
	// ModelStartSettle is the pause between model_start and the first step.
	ModelStartSettle time.Duration
}

func (o *Options) applyDefaults() {
	if o.HistorySize == 0 {
		o.HistorySize = 5
	}
	if o.SubscriberWait == 0 {
		o.SubscriberWait = 10 * time.Second
	}
	if o.SubscriberSettle == 0 {
		o.SubscriberSettle = 500 * time.Millisecond
	}
	if o.FirstModelDelay == 0 {
		o.FirstModelDelay = 300 * time.Millisecond
	}
	if o.ModelStartSettle == 0 {
		o.ModelStartSettle = 100 * time.Millisecond
	}
}

// Orchestrator drives benchmark runs.
type Orchestrator struct {
	wiki      WikiSource
	adapter   LLMAdapter
	archive   Archive
	publisher *events.Publisher
	logger    *slog.Logger
	opts      Options
}

// NewOrchestrator wires the orchestrator. adapter is the default LLM
// adapter; runs carrying their own API key pass a per-run adapter to Run.
func NewOrchestrator(wikiSource WikiSource, adapter LLMAdapter, archiveStore Archive, publisher *events.Publisher, logger *slog.Logger, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		wiki:      wikiSource,
		adapter:   adapter,
		archive:   archiveStore,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
	}
}

// Run executes the full benchmark for one run ID: every model in the
// config navigates the same start/target pair sequentially. The event
// sequence on the run's topic starts with run_created and always ends
// with run_completed, run_stopped or error.
//
// adapter overrides the default LLM adapter when non-nil. stop is polled
// between steps; a requested stop finishes the current LLM call, then
// winds the run down.
func (o *Orchestrator) Run(ctx context.Context, runID string, cfg *models.RunConfig, adapter LLMAdapter, stop *StopSignal) (*models.RunSummary, error) {
	if adapter == nil {
		adapter = o.adapter
	}
	if stop == nil {
		stop = &StopSignal{}
	}

	if err := o.publisher.PublishRunCreated(runID); err != nil {
		return nil, err
	}
	o.awaitSubscriber(ctx, runID)
	if err := o.publisher.PublishReadyToStart(runID); err != nil {
		return nil, err
	}

	if err := o.archive.SaveConfig(runID, cfg.Redacted()); err != nil {
		return nil, fmt.Errorf("saving run config: %w", err)
	}

	o.publisher.PublishRunStart(runID, events.RunStartPayload{
		TotalModels: len(cfg.Models),
		StartPage:   cfg.StartPage,
		TargetPage:  cfg.TargetPage,
	})

	results := make(map[string]*models.ModelMetrics)
	completedOrder := make([]string, 0, len(cfg.Models))
	var runErr error
	stoppedEarly := false

	for modelIdx, model := range cfg.Models {
		if stop.Requested() || ctx.Err() != nil {
			stoppedEarly = true
			o.publisher.PublishRunStopped(runID, events.RunStoppedPayload{
				Message:         fmt.Sprintf("Benchmark stopped by user after %d model(s) completed", modelIdx),
				CompletedModels: completedOrder,
			})
			break
		}

		if modelIdx == 0 {
			o.pause(ctx, o.opts.FirstModelDelay)
		}

		o.publisher.PublishModelStart(runID, events.ModelStartPayload{
			ModelID:     model,
			ModelIndex:  modelIdx,
			TotalModels: len(cfg.Models),
			StartPage:   cfg.StartPage,
		})
		o.pause(ctx, o.opts.ModelStartSettle)

		metrics, err := o.runModel(ctx, runID, cfg, model, adapter, stop)
		if err != nil {
			o.logger.Error("Model benchmark failed unexpectedly",
				"run_id", runID, "model", model, "error", err)
			runErr = err
			break
		}
		results[model] = metrics
		completedOrder = append(completedOrder, model)

		o.publisher.PublishModelComplete(runID, events.ModelCompletePayload{
			ModelID:     model,
			Data:        metrics,
			ModelIndex:  modelIdx,
			TotalModels: len(cfg.Models),
		})

		if err := o.archive.AppendMetricsCSV(runID, metricsCSVRow(metrics)); err != nil {
			o.logger.Warn("Failed to append metrics CSV", "run_id", runID, "error", err)
		}
	}

	summary := buildSummary(runID, cfg, results, runErr, stoppedEarly || stop.Requested())
	if err := o.archive.SaveSummary(runID, summary); err != nil {
		o.logger.Error("Failed to save run summary", "run_id", runID, "error", err)
	}

	switch {
	case runErr != nil:
		o.publisher.PublishError(runID, events.ErrorPayload{
			Error:   fmt.Sprintf("Benchmark failed: %v", runErr),
			Summary: summary,
		})
		return summary, runErr
	case summary.Status == "stopped":
		if !stoppedEarly {
			o.publisher.PublishRunStopped(runID, events.RunStoppedPayload{
				Message:         "Benchmark stopped by user",
				CompletedModels: completedOrder,
			})
		}
		return summary, nil
	default:
		o.publisher.PublishRunCompleted(runID, events.RunCompletedPayload{
			Summary: summary,
			Message: fmt.Sprintf("Benchmark completed: %d succeeded, %d failed", summary.Completed, summary.Failed),
		})
		return summary, nil
	}
}

// awaitSubscriber blocks until a live client subscribes to the run's
// topic, up to SubscriberWait. The run proceeds either way; late clients
// are covered by topic catch-up.
func (o *Orchestrator) awaitSubscriber(ctx context.Context, runID string) {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.SubscriberWait)
	defer cancel()
	if err := o.publisher.Bus().WaitForSubscriber(waitCtx, events.RunTopic(runID)); err != nil {
		o.logger.Warn("No live subscriber attached before start", "run_id", runID)
		return
	}
	o.pause(ctx, o.opts.SubscriberSettle)
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// runModel walks a single model from the start page until it reaches the
// target, fails, or is stopped. It archives each record and publishes
// step-level events. The returned metrics are already persisted.
//
// An error return means an unexpected failure (transport, archive); the
// model's metrics are not saved and the whole run is torn down, matching
// the all-or-nothing semantics of a corrupted benchmark.
func (o *Orchestrator) runModel(ctx context.Context, runID string, cfg *models.RunConfig, model string, adapter LLMAdapter, stop *StopSignal) (*models.ModelMetrics, error) {
	currentTitle := cfg.StartPage
	history := newPageHistory(o.opts.HistorySize)
	// excluded tracks concept IDs per page that led to 404 articles.
	excluded := make(map[string]map[string]bool)
	var records []*models.StepRecord

	structured := cfg.StructuredOutput()
	status := models.StatusRunning
	reason := ""
	consecutiveHallucinations := 0
	totalRetries := 0
	startTime := time.Now()

	saveRecord := func(rec *models.StepRecord) error {
		records = append(records, rec)
		return o.archive.SaveModelStep(runID, model, 0, len(records)-1, rec)
	}

	for stepIdx := 0; stepIdx < cfg.StepBudget(); stepIdx++ {
		if stop.Requested() || ctx.Err() != nil {
			status = models.StatusStopped
			reason = "Benchmark stopped by user"
			o.publisher.PublishModelStopped(runID, events.ModelStoppedPayload{
				ModelID: model,
				Message: fmt.Sprintf("Model %s stopped at step %d", model, stepIdx),
			})
			break
		}

		page, err := o.wiki.FetchPage(ctx, currentTitle)
		if err != nil {
			if !errors.Is(err, wiki.ErrPageNotFound) {
				return nil, fmt.Errorf("fetching %q: %w", currentTitle, err)
			}

			o.logger.Warn("Dead link encountered", "run_id", runID, "model", model, "title", currentTitle)
			rec := &models.StepRecord{
				Step:          stepIdx,
				PageTitle:     currentTitle,
				Mapping:       map[string]string{},
				Timestamp:     time.Now(),
				Is404:         true,
				ParsingMethod: models.ParsingNone,
			}
			if err := saveRecord(rec); err != nil {
				return nil, err
			}
			o.publishStep(runID, model, rec, 0, structured)

			prev := history.Last()
			if prev == nil {
				status = models.StatusFailed
				reason = fmt.Sprintf("Start page not found: %s", currentTitle)
				break
			}
			o.excludeDeadLink(records, currentTitle, prev.Title, excluded)
			currentTitle = prev.Title
			continue
		}

		history.Append(page)

		if cfg.TargetReached(currentTitle) {
			status = models.StatusSuccess
			reason = "Target reached"
			break
		}

		mapping := page.FilteredMapping(excluded[page.Title])
		messages := buildMessages(cfg.TargetPage, history)

		resp, llmDuration, err := adapter.ChooseConcept(ctx, model, messages, mapping, structured)
		if err != nil {
			return nil, fmt.Errorf("LLM request for %s: %w", model, err)
		}

		rec := &models.StepRecord{
			Step:                     stepIdx,
			PageTitle:                currentTitle,
			SentPrompt:               messages,
			LLMResponse:              resp,
			Mapping:                  mapping,
			LLMDuration:              llmDuration.Seconds(),
			Timestamp:                time.Now(),
			ParsingMethod:            resp.Method,
			StructuredParsingSuccess: resp.Structured,
			Confidence:               resp.Confidence,
			Intuition:                resp.Intuition,
		}
		if resp.ConceptID != "" {
			conceptID := resp.ConceptID
			rec.NextConceptID = &conceptID
		} else if resp.RejectedConceptID != "" {
			// The invalid ID the model named stays on the record so the
			// archive and the hallucination event show what was rejected.
			rejected := resp.RejectedConceptID
			rec.NextConceptID = &rejected
		}

		if resp.ConceptID == "" {
			consecutiveHallucinations++
			totalRetries++
			rec.IsRetry = true
			rec.RetryNumber = consecutiveHallucinations
			rec.IsHallucination = true

			o.publisher.PublishHallucination(runID, events.HallucinationPayload{
				ModelID: model,
				Data: events.HallucinationData{
					Step:              stepIdx,
					PageTitle:         currentTitle,
					InvalidConceptID:  rec.NextConceptID,
					AvailableConcepts: firstConcepts(mapping, 5),
					RetryNumber:       consecutiveHallucinations,
					MaxRetries:        cfg.MaxHallucinationRetries,
				},
			})

			if err := saveRecord(rec); err != nil {
				return nil, err
			}
			o.publishStep(runID, model, rec, len(mapping), structured)

			if consecutiveHallucinations >= cfg.MaxHallucinationRetries {
				status = models.StatusFailed
				reason = fmt.Sprintf("Max hallucination retries reached (%d)", cfg.MaxHallucinationRetries)
				if rec.NextConceptID != nil {
					reason += fmt.Sprintf(". Invalid concept ID: %s", *rec.NextConceptID)
				}
				break
			}
			continue
		}

		consecutiveHallucinations = 0
		currentTitle = mapping[resp.ConceptID]
		rec.NextPageTitle = currentTitle

		if err := saveRecord(rec); err != nil {
			return nil, err
		}
		o.publishStep(runID, model, rec, len(mapping), structured)

		if loops := history.CountTitle(currentTitle); loops >= cfg.MaxLoops {
			status = models.StatusFailed
			reason = fmt.Sprintf("Loop detected: %s visited %d times", currentTitle, loops)
			break
		}
	}

	if status == models.StatusRunning {
		if stop.Requested() {
			status = models.StatusStopped
			reason = "Benchmark stopped by user"
		} else {
			status = models.StatusFailed
			reason = "Max steps reached"
		}
	}

	// On success, record the target page itself so the archived path
	// ends where the navigation did.
	if status == models.StatusSuccess {
		final := &models.StepRecord{
			Step:          len(records),
			PageTitle:     currentTitle,
			Mapping:       map[string]string{},
			Timestamp:     time.Now(),
			IsFinalTarget: true,
			ParsingMethod: models.ParsingNone,
		}
		if err := saveRecord(final); err != nil {
			return nil, err
		}
	}

	metrics := models.ComputeMetrics(model, status, reason, records, totalRetries, time.Since(startTime).Seconds(), structured)
	if err := o.archive.SaveModelMetrics(runID, model, 0, metrics, metrics.Path); err != nil {
		return nil, fmt.Errorf("saving metrics for %s: %w", model, err)
	}
	o.publisher.PublishModelFinal(runID, model, metrics)

	o.logger.Info("Model benchmark finished",
		"run_id", runID,
		"model", model,
		"status", status,
		"steps", metrics.TotalSteps,
		"duration", metrics.TotalDuration)
	return metrics, nil
}

// excludeDeadLink marks the concept that led from prevTitle to the 404
// page so it disappears from future mappings of that page. The concept
// is found by scanning backwards for the advance that landed on the dead
// page; the 404 record itself is the last entry and is skipped.
func (o *Orchestrator) excludeDeadLink(records []*models.StepRecord, deadTitle, prevTitle string, excluded map[string]map[string]bool) {
	for i := len(records) - 2; i >= 0; i-- {
		rec := records[i]
		if rec.NextConceptID == nil || rec.NextPageTitle != deadTitle {
			continue
		}
		if excluded[prevTitle] == nil {
			excluded[prevTitle] = make(map[string]bool)
		}
		excluded[prevTitle][*rec.NextConceptID] = true
		o.logger.Info("Excluding dead link", "page", prevTitle, "concept_id", *rec.NextConceptID, "dead_title", deadTitle)
		return
	}
}

func (o *Orchestrator) publishStep(runID, model string, rec *models.StepRecord, conceptCount int, structured bool) {
	o.publisher.PublishStep(runID, events.StepPayload{
		ModelID:                model,
		Data:                   rec,
		AvailableConceptsCount: conceptCount,
		UsedStructuredOutput:   structured,
	})
}

func buildSummary(runID string, cfg *models.RunConfig, results map[string]*models.ModelMetrics, runErr error, stopped bool) *models.RunSummary {
	summary := &models.RunSummary{
		RunID:       runID,
		TotalModels: len(cfg.Models),
		Models:      make([]string, 0, len(results)),
	}
	for _, model := range cfg.Models {
		metrics, ok := results[model]
		if !ok {
			continue
		}
		summary.Models = append(summary.Models, model)
		switch metrics.Status {
		case models.StatusSuccess:
			summary.Completed++
		case models.StatusFailed:
			summary.Failed++
		case models.StatusStopped:
			summary.Stopped++
		}
	}

	switch {
	case runErr != nil:
		summary.Status = "failed"
		summary.Error = runErr.Error()
	case stopped:
		summary.Status = "stopped"
	default:
		summary.Status = "completed"
	}
	return summary
}

// metricsCSVRow flattens metrics into the columns of the cross-run CSV.
func metricsCSVRow(m *models.ModelMetrics) map[string]any {
	return map[string]any{
		"model":                           m.Model,
		"status":                          string(m.Status),
		"reason":                          m.Reason,
		"total_steps":                     m.TotalSteps,
		"total_duration":                  m.TotalDuration,
		"avg_llm_duration":                m.AvgLLMLatency,
		"hallucination_count":             m.HallucinationCount,
		"hallucination_rate":              m.HallucinationRate,
		"total_retries":                   m.TotalRetries,
		"structured_parsing_success_rate": m.StructuredParsingSuccessRate,
		"used_structured_output":          m.UsedStructuredOutput,
	}
}

// firstConcepts returns up to n concept IDs in sorted order.
func firstConcepts(mapping map[string]string, n int) []string {
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
