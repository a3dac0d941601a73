package events

import (
	"github.com/wikilabs/wikinav/pkg/models"
)

// RunCreatedPayload is the payload for run_created events.
// Published as soon as a run ID is allocated, before the benchmark starts.
type RunCreatedPayload struct {
	Type      string `json:"type"`      // always EventTypeRunCreated
	RunID     string `json:"run_id"`    // run UUID
	Status    string `json:"status"`    // always "created"
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ReadyToStartPayload is the payload for ready_to_start events.
// Published once a live subscriber is attached (or the wait timed out)
// and the benchmark loop is about to begin.
type ReadyToStartPayload struct {
	Type      string `json:"type"`      // always EventTypeReadyToStart
	RunID     string `json:"run_id"`    // run UUID
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunStartPayload is the payload for run_start events.
type RunStartPayload struct {
	Type        string `json:"type"`         // always EventTypeRunStart
	RunID       string `json:"run_id"`       // run UUID
	TotalModels int    `json:"total_models"` // number of models in the run
	StartPage   string `json:"start_page"`
	TargetPage  string `json:"target_page"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// ModelStartPayload is the payload for model_start events.
// Always published before any step event of that model.
type ModelStartPayload struct {
	Type        string `json:"type"`        // always EventTypeModelStart
	RunID       string `json:"run_id"`      // run UUID
	ModelID     string `json:"model_id"`    // model name
	ModelIndex  int    `json:"model_index"` // 0-based position in the run
	TotalModels int    `json:"total_models"`
	StartPage   string `json:"start_page"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// StepPayload is the payload for step events. One is published for every
// recorded iteration: advances, hallucination retries and 404 backtracks.
type StepPayload struct {
	Type                   string             `json:"type"`     // always EventTypeStep
	RunID                  string             `json:"run_id"`   // run UUID
	ModelID                string             `json:"model_id"` // model name
	Data                   *models.StepRecord `json:"data"`
	AvailableConceptsCount int                `json:"available_concepts_count"`
	UsedStructuredOutput   bool               `json:"use_structured_output"`
	Timestamp              string             `json:"timestamp"` // RFC3339Nano
}

// HallucinationData describes one invalid concept choice.
type HallucinationData struct {
	Step      int    `json:"step"`
	PageTitle string `json:"page_title"`
	// InvalidConceptID is nil when the response contained no concept at all.
	InvalidConceptID *string `json:"invalid_concept_id"`
	// AvailableConcepts lists at most the first five valid IDs for brevity.
	AvailableConcepts []string `json:"available_concepts"`
	RetryNumber       int      `json:"retry_number"` // consecutive hallucinations so far
	MaxRetries        int      `json:"max_retries"`
}

// HallucinationPayload is the payload for hallucination events.
// A step event for the same record follows it.
type HallucinationPayload struct {
	Type      string            `json:"type"`     // always EventTypeHallucination
	RunID     string            `json:"run_id"`   // run UUID
	ModelID   string            `json:"model_id"` // model name
	Data      HallucinationData `json:"data"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano
}

// ModelStoppedPayload is the payload for model_stopped events.
// Published when a stop request interrupts a model mid-navigation.
type ModelStoppedPayload struct {
	Type      string `json:"type"`     // always EventTypeModelStopped
	RunID     string `json:"run_id"`   // run UUID
	ModelID   string `json:"model_id"` // model name
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ModelFinalPayload is the payload for model_final events, carrying the
// model's computed metrics.
type ModelFinalPayload struct {
	Type      string               `json:"type"`     // always EventTypeModelFinal
	RunID     string               `json:"run_id"`   // run UUID
	ModelID   string               `json:"model_id"` // model name
	Data      *models.ModelMetrics `json:"data"`
	Timestamp string               `json:"timestamp"` // RFC3339Nano
}

// ModelCompletePayload is the payload for model_complete events,
// published after model_final when the model's turn is fully over.
type ModelCompletePayload struct {
	Type        string               `json:"type"`     // always EventTypeModelComplete
	RunID       string               `json:"run_id"`   // run UUID
	ModelID     string               `json:"model_id"` // model name
	Data        *models.ModelMetrics `json:"data"`
	ModelIndex  int                  `json:"model_index"`
	TotalModels int                  `json:"total_models"`
	Timestamp   string               `json:"timestamp"` // RFC3339Nano
}

// RunStoppedPayload is the payload for run_stopped events.
type RunStoppedPayload struct {
	Type            string   `json:"type"`   // always EventTypeRunStopped
	RunID           string   `json:"run_id"` // run UUID
	Message         string   `json:"message"`
	CompletedModels []string `json:"completed_models"` // models that finished before the stop
	Timestamp       string   `json:"timestamp"`        // RFC3339Nano
}

// RunCompletedPayload is the payload for run_completed events, the
// terminal event of a successful run.
type RunCompletedPayload struct {
	Type      string             `json:"type"`   // always EventTypeRunCompleted
	RunID     string             `json:"run_id"` // run UUID
	Summary   *models.RunSummary `json:"summary"`
	Message   string             `json:"message"`
	Timestamp string             `json:"timestamp"` // RFC3339Nano
}

// StopRequestedPayload is the payload for stop_requested events,
// published when a stop request is accepted.
type StopRequestedPayload struct {
	Type      string `json:"type"`   // always EventTypeStopRequested
	RunID     string `json:"run_id"` // run UUID
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ErrorPayload is the payload for error events, the terminal event of a
// run that died on an unexpected failure.
type ErrorPayload struct {
	Type      string             `json:"type"`   // always EventTypeError
	RunID     string             `json:"run_id"` // run UUID
	Error     string             `json:"error"`
	Summary   *models.RunSummary `json:"summary,omitempty"`
	Timestamp string             `json:"timestamp"` // RFC3339Nano
}
