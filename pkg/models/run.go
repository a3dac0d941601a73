package models

import (
	"errors"
	"strings"
)

// Default benchmark limits, applied when a RunConfig leaves them unset.
const (
	DefaultMaxSteps                = 20
	DefaultMaxLoops                = 3
	DefaultMaxHallucinationRetries = 3
)

// RunLimits are the fallback limits applied to a RunConfig that leaves
// them unset. Servers build them from their own configuration.
type RunLimits struct {
	MaxSteps                int
	MaxLoops                int
	MaxHallucinationRetries int
}

// DefaultRunLimits returns the package defaults.
func DefaultRunLimits() RunLimits {
	return RunLimits{
		MaxSteps:                DefaultMaxSteps,
		MaxLoops:                DefaultMaxLoops,
		MaxHallucinationRetries: DefaultMaxHallucinationRetries,
	}
}

// RunConfig describes a benchmark run: which models to evaluate and the
// navigation task they all share. It is immutable once the run starts.
type RunConfig struct {
	Models     []string `json:"models"`
	StartPage  string   `json:"start_page"`
	TargetPage string   `json:"target_page"`

	// MaxSteps bounds the navigation loop per model. A pointer so an
	// explicit 0, which ends every model immediately with "Max steps
	// reached", can be told apart from an absent field.
	MaxSteps *int `json:"max_steps,omitempty"`

	MaxLoops                int `json:"max_loops"`
	MaxHallucinationRetries int `json:"max_hallucination_retries"`

	// APIKey overrides the server-wide LLM credential for this run.
	APIKey string `json:"api_key,omitempty"`

	// UseStructuredOutput selects structured-output parsing (default true).
	// A pointer so an absent field can be told apart from an explicit false.
	UseStructuredOutput *bool `json:"use_structured_output,omitempty"`
}

// StructuredOutput reports whether the run uses structured-output parsing.
func (c *RunConfig) StructuredOutput() bool {
	return c.UseStructuredOutput == nil || *c.UseStructuredOutput
}

// StepBudget returns the per-model step limit, falling back to the
// package default when unset.
func (c *RunConfig) StepBudget() int {
	if c.MaxSteps == nil {
		return DefaultMaxSteps
	}
	return *c.MaxSteps
}

// ApplyDefaults fills unset limits from limits.
func (c *RunConfig) ApplyDefaults(limits RunLimits) {
	if c.MaxSteps == nil {
		steps := limits.MaxSteps
		c.MaxSteps = &steps
	}
	if c.MaxLoops <= 0 {
		c.MaxLoops = limits.MaxLoops
	}
	if c.MaxHallucinationRetries <= 0 {
		c.MaxHallucinationRetries = limits.MaxHallucinationRetries
	}
}

// Validate checks the fields a run cannot start without.
func (c *RunConfig) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("at least one model is required")
	}
	if c.MaxSteps != nil && *c.MaxSteps < 0 {
		return errors.New("max_steps must not be negative")
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m) == "" {
			return errors.New("model identifiers must be non-empty")
		}
	}
	if strings.TrimSpace(c.StartPage) == "" {
		return errors.New("start_page is required")
	}
	if strings.TrimSpace(c.TargetPage) == "" {
		return errors.New("target_page is required")
	}
	return nil
}

// Redacted returns a copy safe to persist or display: the API key is
// blanked out, everything else is kept.
func (c *RunConfig) Redacted() RunConfig {
	redacted := *c
	redacted.APIKey = ""
	redacted.Models = append([]string(nil), c.Models...)
	return redacted
}

// TargetReached reports whether title matches the target page.
// Page titles are compared case-insensitively throughout the benchmark.
func (c *RunConfig) TargetReached(title string) bool {
	return strings.EqualFold(title, c.TargetPage)
}

// RunSummary is the terminal record of a whole run, covering every model.
type RunSummary struct {
	RunID       string   `json:"run_id"`
	TotalModels int      `json:"total_models"`
	Models      []string `json:"models"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Stopped     int      `json:"stopped"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
}
