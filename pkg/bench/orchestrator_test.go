package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikilabs/wikinav/pkg/events"
	"github.com/wikilabs/wikinav/pkg/models"
	"github.com/wikilabs/wikinav/pkg/wiki"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeWiki serves a fixed page graph. Titles absent from pages return
// the not-found sentinel.
type fakeWiki struct {
	pages map[string]*models.WikiPage
}

func (f *fakeWiki) FetchPage(_ context.Context, title string) (*models.WikiPage, error) {
	page, ok := f.pages[title]
	if !ok {
		return nil, fmt.Errorf("%q: %w", title, wiki.ErrPageNotFound)
	}
	return page, nil
}

// fakeAdapter replays a script of concept choices. An empty string
// simulates an unparseable reply; an error entry fails the call.
type fakeAdapter struct {
	mu     sync.Mutex
	script []string
	err    error
	calls  int
	// seenMappings records the mapping offered at each call.
	seenMappings []map[string]string
}

func (f *fakeAdapter) ChooseConcept(_ context.Context, model string, _ []models.ChatMessage, mapping map[string]string, structured bool) (*models.AdapterResponse, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	f.seenMappings = append(f.seenMappings, mapping)
	if f.calls >= len(f.script) {
		return nil, 0, fmt.Errorf("adapter script exhausted after %d calls", f.calls)
	}
	choice := f.script[f.calls]
	f.calls++

	resp := &models.AdapterResponse{Model: model}
	if choice == "" {
		resp.Method = models.ParsingFailed
		resp.RawResponse = "no idea"
		return resp, time.Millisecond, nil
	}
	if _, ok := mapping[choice]; !ok {
		resp.Method = models.ParsingFailed
		resp.RawResponse = choice
		resp.RejectedConceptID = choice
		return resp, time.Millisecond, nil
	}
	resp.ConceptID = choice
	resp.Structured = structured
	resp.Method = models.ParsingStructured
	if !structured {
		resp.Structured = false
		resp.Method = models.ParsingLegacyRegex
	}
	return resp, time.Millisecond, nil
}

// memArchive records everything in memory.
type memArchive struct {
	mu        sync.Mutex
	configs   map[string]any
	steps     map[string][]*models.StepRecord
	metrics   map[string]*models.ModelMetrics
	summaries map[string]*models.RunSummary
	csvRows   []map[string]any
}

func newMemArchive() *memArchive {
	return &memArchive{
		configs:   map[string]any{},
		steps:     map[string][]*models.StepRecord{},
		metrics:   map[string]*models.ModelMetrics{},
		summaries: map[string]*models.RunSummary{},
	}
}

func (a *memArchive) SaveConfig(runID string, config any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs[runID] = config
	return nil
}

func (a *memArchive) SaveModelStep(runID, model string, _, _ int, step any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps[model] = append(a.steps[model], step.(*models.StepRecord))
	return nil
}

func (a *memArchive) SaveModelMetrics(_, model string, _ int, metrics any, _ []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics[model] = metrics.(*models.ModelMetrics)
	return nil
}

func (a *memArchive) SaveSummary(runID string, summary any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries[runID] = summary.(*models.RunSummary)
	return nil
}

func (a *memArchive) AppendMetricsCSV(_ string, metrics map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.csvRows = append(a.csvRows, metrics)
	return nil
}

func page(title string, links ...string) *models.WikiPage {
	mapping := make(map[string]string, len(links))
	for i, l := range links {
		mapping[fmt.Sprintf("CONCEPT_%02d", i)] = l
	}
	return &models.WikiPage{
		Title:   title,
		Extract: "About " + title,
		Links:   links,
		Mapping: mapping,
	}
}

type fixture struct {
	orch    *Orchestrator
	archive *memArchive
	bus     *events.Bus
	sub     *events.Subscription
}

func newFixture(t *testing.T, wikiSource WikiSource, adapter LLMAdapter) *fixture {
	t.Helper()
	bus := events.NewBus(testLogger())
	pub := events.NewPublisher(bus, testLogger())
	archive := newMemArchive()
	orch := NewOrchestrator(wikiSource, adapter, archive, pub, testLogger(), Options{
		HistorySize:      5,
		SubscriberWait:   20 * time.Millisecond,
		SubscriberSettle: -1,
		FirstModelDelay:  -1,
		ModelStartSettle: -1,
	})
	sub := bus.Subscribe(events.RunTopic("run-1"))
	t.Cleanup(sub.Close)
	return &fixture{orch: orch, archive: archive, bus: bus, sub: sub}
}

// waitForEvent reads events until one of the given type arrives and
// returns its raw payload.
func (f *fixture) waitForEvent(t *testing.T, eventType string) []byte {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-f.sub.C():
			require.True(t, ok, "subscription closed before %q arrived", eventType)
			var event struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(payload, &event))
			if event.Type == eventType {
				return payload
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func (f *fixture) eventTypes(t *testing.T, n int) []string {
	t.Helper()
	types := make([]string, 0, n)
	timeout := time.After(2 * time.Second)
	for len(types) < n {
		select {
		case payload, ok := <-f.sub.C():
			require.True(t, ok, "subscription closed early after %v", types)
			var event struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(payload, &event))
			types = append(types, event.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	return types
}

func baseConfig(modelNames ...string) *models.RunConfig {
	cfg := &models.RunConfig{
		Models:     modelNames,
		StartPage:  "Start",
		TargetPage: "Target",
	}
	cfg.ApplyDefaults(models.DefaultRunLimits())
	return cfg
}

func intPtr(v int) *int { return &v }

func TestRunStartEqualsTarget(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start": page("Start"),
	}}
	cfg := baseConfig("m1")
	cfg.TargetPage = "Start"

	f := newFixture(t, w, &fakeAdapter{})
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 1, summary.Completed)

	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics)
	assert.Equal(t, models.StatusSuccess, metrics.Status)
	assert.Equal(t, 0, metrics.TotalSteps)
	assert.Equal(t, []string{"Start"}, metrics.Path)

	steps := f.archive.steps["m1"]
	require.Len(t, steps, 1)
	assert.True(t, steps[0].IsFinalTarget)
}

func TestRunDirectNavigation(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Middle", "Elsewhere"),
		"Middle": page("Middle", "Target"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"CONCEPT_00", "CONCEPT_00"}}

	f := newFixture(t, w, adapter)
	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1"), adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", summary.Status)
	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics)
	assert.Equal(t, models.StatusSuccess, metrics.Status)
	assert.Equal(t, "Target reached", metrics.Reason)
	assert.Equal(t, 2, metrics.TotalSteps)
	assert.Equal(t, []string{"Start", "Middle", "Target"}, metrics.Path)
	assert.Zero(t, metrics.HallucinationCount)

	types := f.eventTypes(t, 9)
	assert.Equal(t, []string{
		"run_created", "ready_to_start", "run_start", "model_start",
		"step", "step", "model_final", "model_complete", "run_completed",
	}, types)
}

func TestRunHallucinationFailure(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Middle"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"", "", ""}}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 1, summary.Failed)

	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics)
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Contains(t, metrics.Reason, "Max hallucination retries reached")
	assert.Equal(t, 3, metrics.HallucinationCount)
	assert.Equal(t, 3, metrics.TotalRetries)
	assert.Equal(t, 0, metrics.TotalSteps)

	steps := f.archive.steps["m1"]
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.True(t, s.IsHallucination)
		assert.True(t, s.IsRetry)
		assert.Equal(t, i+1, s.RetryNumber)
	}
}

func TestRunHallucinationRecovery(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Target"),
		"Target": page("Target"),
	}}
	// Two bad replies, then a valid one. The consecutive counter resets
	// so the model still succeeds.
	adapter := &fakeAdapter{script: []string{"", "", "CONCEPT_00"}}

	f := newFixture(t, w, adapter)
	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1"), adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	metrics := f.archive.metrics["m1"]
	assert.Equal(t, models.StatusSuccess, metrics.Status)
	assert.Equal(t, 2, metrics.TotalRetries)
	assert.Equal(t, 1, metrics.TotalSteps)
	assert.Equal(t, []string{"Start", "Start", "Start", "Target"}, metrics.Path)
}

func TestRunDeadLinkBacktrack(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Ghost", "Target"),
		"Target": page("Target"),
	}}
	// First pick leads to a dead page; after the backtrack the dead
	// concept is gone from the mapping and the second pick succeeds.
	adapter := &fakeAdapter{script: []string{"CONCEPT_00", "CONCEPT_01"}}

	f := newFixture(t, w, adapter)
	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1"), adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	metrics := f.archive.metrics["m1"]
	assert.Equal(t, models.StatusSuccess, metrics.Status)

	steps := f.archive.steps["m1"]
	require.Len(t, steps, 4)
	assert.Equal(t, "Start", steps[0].PageTitle)
	assert.True(t, steps[1].Is404)
	assert.Equal(t, "Ghost", steps[1].PageTitle)
	assert.Equal(t, "Start", steps[2].PageTitle)
	assert.True(t, steps[3].IsFinalTarget)

	require.Len(t, adapter.seenMappings, 2)
	assert.Contains(t, adapter.seenMappings[0], "CONCEPT_00")
	assert.NotContains(t, adapter.seenMappings[1], "CONCEPT_00", "dead link must be excluded after the 404")
	assert.Contains(t, adapter.seenMappings[1], "CONCEPT_01")
}

func TestRunStartPageNotFound(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{}}
	adapter := &fakeAdapter{}

	f := newFixture(t, w, adapter)
	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1"), adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	metrics := f.archive.metrics["m1"]
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Contains(t, metrics.Reason, "Start page not found")
}

func TestRunLoopDetection(t *testing.T) {
	// A links back to itself, so the visited-page window fills with A
	// until the loop threshold trips.
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"A":      page("A", "A"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"CONCEPT_00", "CONCEPT_00", "CONCEPT_00"}}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	cfg.StartPage = "A"
	cfg.MaxLoops = 3
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	metrics := f.archive.metrics["m1"]
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Contains(t, metrics.Reason, "Loop detected")
}

func TestRunMaxStepsReached(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Other"),
		"Other":  page("Other", "Start"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"CONCEPT_00", "CONCEPT_00", "CONCEPT_00"}}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	cfg.MaxSteps = intPtr(3)
	cfg.MaxLoops = 10
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	metrics := f.archive.metrics["m1"]
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Equal(t, "Max steps reached", metrics.Reason)
	assert.Equal(t, 3, metrics.TotalSteps)
}

func TestRunZeroStepBudget(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Target"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	cfg.MaxSteps = intPtr(0)
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics)
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Equal(t, "Max steps reached", metrics.Reason)
	assert.Empty(t, f.archive.steps["m1"])
	assert.Zero(t, adapter.calls, "the model is never consulted")
}

func TestRunHallucinationKeepsInvalidConcept(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Middle"),
		"Target": page("Target"),
	}}
	// The model names a concept that is not on the page.
	adapter := &fakeAdapter{script: []string{"CONCEPT_99"}}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	cfg.MaxHallucinationRetries = 1
	_, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics)
	assert.Equal(t, models.StatusFailed, metrics.Status)
	assert.Contains(t, metrics.Reason, "Invalid concept ID: CONCEPT_99")

	steps := f.archive.steps["m1"]
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].NextConceptID)
	assert.Equal(t, "CONCEPT_99", *steps[0].NextConceptID)
	assert.True(t, steps[0].IsHallucination)

	payload := f.waitForEvent(t, "hallucination")
	var event struct {
		Data struct {
			InvalidConceptID *string `json:"invalid_concept_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &event))
	require.NotNil(t, event.Data.InvalidConceptID)
	assert.Equal(t, "CONCEPT_99", *event.Data.InvalidConceptID)
}

func TestRunStopBetweenModels(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Target"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"CONCEPT_00"}}

	f := newFixture(t, w, adapter)
	stop := &StopSignal{}
	stop.Request()

	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1", "m2"), adapter, stop)
	require.NoError(t, err)

	assert.Equal(t, "stopped", summary.Status)
	assert.Empty(t, f.archive.metrics)

	types := f.eventTypes(t, 4)
	assert.Equal(t, []string{"run_created", "ready_to_start", "run_start", "run_stopped"}, types)
}

func TestRunStopMidModel(t *testing.T) {
	stop := &StopSignal{}
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Other"),
		"Other":  page("Other", "Start"),
		"Target": page("Target"),
	}}
	adapter := &stoppingAdapter{stop: stop, after: 2}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("m1")
	cfg.MaxLoops = 10
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, stop)
	require.NoError(t, err)

	assert.Equal(t, "stopped", summary.Status)
	metrics := f.archive.metrics["m1"]
	require.NotNil(t, metrics, "a stopped model still gets metrics")
	assert.Equal(t, models.StatusStopped, metrics.Status)
	assert.Equal(t, "Benchmark stopped by user", metrics.Reason)
}

// stoppingAdapter requests a stop after a fixed number of calls.
type stoppingAdapter struct {
	mu    sync.Mutex
	stop  *StopSignal
	after int
	calls int
}

func (a *stoppingAdapter) ChooseConcept(_ context.Context, model string, _ []models.ChatMessage, mapping map[string]string, _ bool) (*models.AdapterResponse, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls >= a.after {
		a.stop.Request()
	}
	return &models.AdapterResponse{
		ConceptID: "CONCEPT_00",
		Model:     model,
		Method:    models.ParsingStructured,
	}, time.Millisecond, nil
}

func TestRunAdapterFailureFailsRun(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Target"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{err: fmt.Errorf("connection error: boom")}

	f := newFixture(t, w, adapter)
	summary, err := f.orch.Run(context.Background(), "run-1", baseConfig("m1"), adapter, nil)
	require.Error(t, err)

	assert.Equal(t, "failed", summary.Status)
	assert.NotEmpty(t, summary.Error)
	assert.Empty(t, f.archive.metrics, "no metrics persisted for a run that died")
}

func TestRunMultipleModelsSequential(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start":  page("Start", "Target"),
		"Target": page("Target"),
	}}
	adapter := &fakeAdapter{script: []string{"CONCEPT_00", ""}}

	f := newFixture(t, w, adapter)
	cfg := baseConfig("good", "bad")
	cfg.MaxHallucinationRetries = 1
	summary, err := f.orch.Run(context.Background(), "run-1", cfg, adapter, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalModels)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"good", "bad"}, summary.Models)

	require.Len(t, f.archive.csvRows, 2)
	assert.Equal(t, "good", f.archive.csvRows[0]["model"])
	assert.Equal(t, "bad", f.archive.csvRows[1]["model"])
}

func TestRunRedactsAPIKeyInArchivedConfig(t *testing.T) {
	w := &fakeWiki{pages: map[string]*models.WikiPage{
		"Start": page("Start"),
	}}
	cfg := baseConfig("m1")
	cfg.TargetPage = "Start"
	cfg.APIKey = "super-secret"

	f := newFixture(t, w, &fakeAdapter{})
	_, err := f.orch.Run(context.Background(), "run-1", cfg, nil, nil)
	require.NoError(t, err)

	saved := f.archive.configs["run-1"].(models.RunConfig)
	assert.Empty(t, saved.APIKey)
	assert.Equal(t, "super-secret", cfg.APIKey, "original config untouched")
}
