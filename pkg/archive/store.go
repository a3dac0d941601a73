// Package archive persists benchmark runs as a directory tree of JSON
// files: one directory per run, one subtree per pair and model, one file
// per recorded step. Written files are never modified afterwards.
package archive

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store writes and reads run archives under a base directory.
type Store struct {
	basePath string
	logger   *slog.Logger

	// csvMu serializes appends to the shared metrics CSV.
	csvMu sync.Mutex
}

// NewStore creates the base directory if needed.
func NewStore(basePath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive base path %s: %w", basePath, err)
	}
	logger.Info("Archive store initialized", "base_path", basePath)
	return &Store{basePath: basePath, logger: logger}, nil
}

// SaveConfig writes the run configuration.
func (s *Store) SaveConfig(runID string, config any) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "config.json"), config)
}

// SaveModelStep writes one step record for a model. seq orders the files
// on disk; every record of a model gets its own file.
func (s *Store) SaveModelStep(runID, model string, pairIdx, seq int, step any) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	stepsDir := filepath.Join(dir, pairDirName(pairIdx), modelDirName(model), "steps")
	if err := os.MkdirAll(stepsDir, 0o755); err != nil {
		return fmt.Errorf("creating steps directory: %w", err)
	}
	return writeJSON(filepath.Join(stepsDir, fmt.Sprintf("step_%03d.json", seq)), step)
}

// SaveModelMetrics writes a model's metrics and its navigation path.
func (s *Store) SaveModelMetrics(runID, model string, pairIdx int, metrics any, path []string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	modelDir := filepath.Join(dir, pairDirName(pairIdx), modelDirName(model))
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	if err := writeJSON(filepath.Join(modelDir, "metrics.json"), metrics); err != nil {
		return err
	}
	if path == nil {
		path = []string{}
	}
	return writeJSON(filepath.Join(modelDir, "path.json"), map[string][]string{"path": path})
}

// SaveSummary writes the whole-run summary.
func (s *Store) SaveSummary(runID string, summary any) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return err
	}
	s.logger.Info("Saved run summary", "run_id", runID)
	return nil
}

// AppendMetricsCSV appends one row per model to the cross-run comparison
// CSV at the base path. The header is written on first use and the column
// set is fixed; metric values outside it are ignored.
func (s *Store) AppendMetricsCSV(runID string, metrics map[string]any) error {
	s.csvMu.Lock()
	defer s.csvMu.Unlock()

	columns := []string{
		"run_id", "timestamp", "model", "status", "reason",
		"total_steps", "total_duration", "avg_llm_duration",
		"hallucination_count", "hallucination_rate", "total_retries",
		"structured_parsing_success_rate", "used_structured_output",
	}

	csvPath := filepath.Join(s.basePath, "all_runs_metrics.csv")
	_, statErr := os.Stat(csvPath)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics CSV: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(columns); err != nil {
			return err
		}
	}

	row := make([]string, len(columns))
	for i, col := range columns {
		switch col {
		case "run_id":
			row[i] = runID
		case "timestamp":
			row[i] = time.Now().Format(time.RFC3339)
		default:
			row[i] = formatCSVValue(metrics[col])
		}
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// ArchiveInfo is one entry in the archive listing.
type ArchiveInfo struct {
	RunID     string          `json:"run_id"`
	Config    json.RawMessage `json:"config"`
	Timestamp string          `json:"timestamp"`
}

// List returns every archived run that has a config, newest first.
// Unreadable entries are skipped with a warning.
func (s *Store) List() ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []ArchiveInfo{}, nil
		}
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		configPath := filepath.Join(s.basePath, entry.Name(), "config.json")
		info, err := os.Stat(configPath)
		if err != nil {
			continue
		}
		config, err := os.ReadFile(configPath)
		if err != nil || !json.Valid(config) {
			s.logger.Warn("Skipping unreadable archive", "run_id", entry.Name(), "error", err)
			continue
		}
		archives = append(archives, ArchiveInfo{
			RunID:     entry.Name(),
			Config:    config,
			Timestamp: info.ModTime().Format(time.RFC3339),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp > archives[j].Timestamp
	})
	return archives, nil
}

// ModelData is a model's archived metrics and step records.
type ModelData struct {
	Metrics json.RawMessage   `json:"metrics,omitempty"`
	Steps   []json.RawMessage `json:"steps"`
}

// PairData groups the models of one start/target pair.
type PairData struct {
	Models map[string]ModelData `json:"models"`
}

// Details is everything archived for one run. Pre-pair-layout archives
// surface their models as pair 0.
type Details struct {
	Config  json.RawMessage      `json:"config,omitempty"`
	Summary json.RawMessage      `json:"summary,omitempty"`
	Pairs   map[int]PairData     `json:"pairs"`
	Models  map[string]ModelData `json:"models,omitempty"`
	Metrics json.RawMessage      `json:"metrics,omitempty"`
	Steps   []json.RawMessage    `json:"steps,omitempty"`
}

// Get loads the full detail tree for a run, or os.ErrNotExist if the
// run directory is missing.
func (s *Store) Get(runID string) (*Details, error) {
	runPath := filepath.Join(s.basePath, runID)
	if info, err := os.Stat(runPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("archive %s: %w", runID, os.ErrNotExist)
	}

	details := &Details{Pairs: map[int]PairData{}}
	details.Config = readRawJSON(filepath.Join(runPath, "config.json"))
	details.Summary = readRawJSON(filepath.Join(runPath, "summary.json"))

	entries, err := os.ReadDir(runPath)
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", runID, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "pair_") {
			continue
		}
		pairIdx, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "pair_"))
		if err != nil {
			continue
		}
		details.Pairs[pairIdx] = PairData{
			Models: s.loadModels(filepath.Join(runPath, entry.Name())),
		}
	}

	if len(details.Pairs) > 0 {
		if pair, ok := details.Pairs[0]; ok {
			details.Models = pair.Models
		}
		return details, nil
	}

	// Older archives kept model directories at the run root.
	if models := s.loadModels(runPath); len(models) > 0 {
		details.Models = models
		details.Pairs[0] = PairData{Models: models}
		return details, nil
	}

	// Oldest layout: flat metrics and steps.
	details.Metrics = readRawJSON(filepath.Join(runPath, "metrics_finales.json"))
	details.Steps = readSteps(filepath.Join(runPath, "steps"))
	return details, nil
}

// loadModels collects model_* directories under dir.
func (s *Store) loadModels(dir string) map[string]ModelData {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	found := map[string]ModelData{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "model_") {
			continue
		}
		name := strings.Replace(strings.TrimPrefix(entry.Name(), "model_"), "_", "/", 1)
		modelPath := filepath.Join(dir, entry.Name())
		found[name] = ModelData{
			Metrics: readRawJSON(filepath.Join(modelPath, "metrics.json")),
			Steps:   readSteps(filepath.Join(modelPath, "steps")),
		}
	}
	return found
}

func (s *Store) runDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run ID %q", runID)
	}
	dir := filepath.Join(s.basePath, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	return dir, nil
}

func pairDirName(idx int) string { return fmt.Sprintf("pair_%d", idx) }

// modelDirName makes a model name filesystem-safe.
func modelDirName(model string) string {
	r := strings.NewReplacer("/", "_", ":", "_", `\`, "_")
	return "model_" + r.Replace(model)
}

// writeJSON writes indented JSON atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}

func readRawJSON(path string) json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil || !json.Valid(data) {
		return nil
	}
	return data
}

// readSteps loads step_*.json files in name order.
func readSteps(dir string) []json.RawMessage {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []json.RawMessage{}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	steps := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		if raw := readRawJSON(filepath.Join(dir, name)); raw != nil {
			steps = append(steps, raw)
		}
	}
	return steps
}

func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
