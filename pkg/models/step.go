package models

import "time"

// ChatMessage is one message in an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ParsingMethod identifies which parsing path produced an adapter response.
type ParsingMethod string

// Parsing methods, in order of preference.
const (
	ParsingStructured  ParsingMethod = "structured"
	ParsingRegex       ParsingMethod = "regex"
	ParsingLegacyRegex ParsingMethod = "legacy_regex"
	ParsingFailed      ParsingMethod = "failed"
	ParsingNone        ParsingMethod = "none"
)

// Usage holds token counters reported by the LLM API, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AdapterResponse is the LLM adapter's parsed reply. Callers branch on
// ParsingMethod: a ParsingFailed response carries no concept ID and is
// treated as a hallucination by the orchestrator, not as an error.
type AdapterResponse struct {
	ConceptID   string        `json:"concept_id,omitempty"`
	Intuition   string        `json:"intuition,omitempty"`
	Confidence  *float64      `json:"confidence,omitempty"`
	Model       string        `json:"model"`
	Usage       Usage         `json:"usage"`
	Structured  bool          `json:"structured_parsing_success"`
	Method      ParsingMethod `json:"parsing_method"`
	RawResponse string        `json:"raw_response,omitempty"`

	// RejectedConceptID is the concept the model named when that concept
	// is not on the current page. Set only alongside ParsingFailed.
	RejectedConceptID string `json:"rejected_concept_id,omitempty"`
}

// StepRecord is one persisted iteration of the per-model loop: an advance,
// a hallucination retry, a 404 backtrack, or the synthetic final step on
// success. Every iteration gets a fresh step index, so a retry records a
// higher index than the attempt it repeats; consumers use is_retry to
// tell advances from repeated attempts.
type StepRecord struct {
	Step      int    `json:"step"`
	PageTitle string `json:"page_title"`

	SentPrompt  []ChatMessage    `json:"sent_prompt,omitempty"`
	LLMResponse *AdapterResponse `json:"llm_response,omitempty"`

	// NextConceptID is the concept the model chose, valid or not.
	// Nil when the model produced no parseable concept at all.
	NextConceptID *string `json:"next_concept_id"`
	// NextPageTitle is set only on successful advances.
	NextPageTitle string `json:"next_page_title,omitempty"`

	// Mapping is the concept mapping shown to the model at this step,
	// after dead-link filtering.
	Mapping map[string]string `json:"mapping"`

	LLMDuration float64   `json:"llm_duration"`
	Timestamp   time.Time `json:"timestamp"`

	IsRetry         bool `json:"is_retry"`
	RetryNumber     int  `json:"retry_number,omitempty"`
	IsHallucination bool `json:"is_hallucination"`
	IsFinalTarget   bool `json:"is_final_target,omitempty"`
	Is404           bool `json:"is_404,omitempty"`

	ParsingMethod            ParsingMethod `json:"parsing_method"`
	StructuredParsingSuccess bool          `json:"structured_parsing_success"`
	Confidence               *float64      `json:"confidence,omitempty"`
	Intuition                string        `json:"intuition,omitempty"`
}
