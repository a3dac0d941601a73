package models

// ModelStatus is the terminal status of a single model's attempt.
type ModelStatus string

// Terminal statuses. Running is the transient in-flight state and never
// appears in a persisted metrics record.
const (
	StatusRunning ModelStatus = "running"
	StatusSuccess ModelStatus = "success"
	StatusFailed  ModelStatus = "failed"
	StatusStopped ModelStatus = "stopped"
)

// ModelMetrics summarizes one model's navigation attempt.
type ModelMetrics struct {
	Status ModelStatus `json:"status"`
	Reason string      `json:"reason"`
	Model  string      `json:"model"`

	// TotalSteps counts successful advances (edges taken), excluding
	// retries, 404 backtracks, and the synthetic final step.
	TotalSteps    int     `json:"total_steps"`
	TotalDuration float64 `json:"total_duration"`
	AvgLLMLatency float64 `json:"avg_llm_duration"`

	HallucinationCount int     `json:"hallucination_count"`
	HallucinationRate  float64 `json:"hallucination_rate"`
	TotalRetries       int     `json:"total_retries"`

	StructuredParsingSuccessCount int     `json:"structured_parsing_success_count"`
	StructuredParsingSuccessRate  float64 `json:"structured_parsing_success_rate"`

	UsedStructuredOutput bool `json:"used_structured_output"`

	// Path is the page titles of every recorded step, in visitation order.
	Path []string `json:"path"`
}

// ComputeMetrics derives the aggregate metrics from a model's recorded
// steps. Rates are zero when there are no records.
func ComputeMetrics(model string, status ModelStatus, reason string, steps []*StepRecord, totalRetries int, totalDuration float64, structured bool) *ModelMetrics {
	m := &ModelMetrics{
		Status:               status,
		Reason:               reason,
		Model:                model,
		TotalDuration:        totalDuration,
		TotalRetries:         totalRetries,
		UsedStructuredOutput: structured,
		Path:                 make([]string, 0, len(steps)),
	}

	var llmTotal float64
	for _, s := range steps {
		m.Path = append(m.Path, s.PageTitle)
		llmTotal += s.LLMDuration
		if s.IsHallucination {
			m.HallucinationCount++
		}
		if s.StructuredParsingSuccess {
			m.StructuredParsingSuccessCount++
		}
		if s.NextPageTitle != "" && !s.IsRetry && !s.Is404 && !s.IsFinalTarget {
			m.TotalSteps++
		}
	}

	if n := len(steps); n > 0 {
		m.AvgLLMLatency = llmTotal / float64(n)
		m.HallucinationRate = float64(m.HallucinationCount) / float64(n)
		m.StructuredParsingSuccessRate = float64(m.StructuredParsingSuccessCount) / float64(n)
	}
	return m
}
