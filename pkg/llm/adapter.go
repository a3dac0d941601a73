package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/wikilabs/wikinav/pkg/models"
)

// conceptChoice is the JSON object a model is asked to produce in
// structured mode.
type conceptChoice struct {
	ChosenConceptID string   `json:"chosen_concept_id" jsonschema:"description=The concept ID of the link to follow next,pattern=^CONCEPT_[0-9]+$"`
	Intuition       string   `json:"intuition,omitempty" jsonschema:"description=One sentence on why this link leads toward the target"`
	Confidence      *float64 `json:"confidence,omitempty" jsonschema:"description=Confidence in this choice between 0 and 1,minimum=0,maximum=1"`
}

var choiceSchemaJSON = sync.OnceValue(func() string {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema := reflector.Reflect(&conceptChoice{})
	schema.Version = ""
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return `{"type":"object","properties":{"chosen_concept_id":{"type":"string"}},"required":["chosen_concept_id"]}`
	}
	return string(data)
})

var (
	jsonBlockRe     = regexp.MustCompile(`(?s)\{.*\}`)
	conceptTokenRe  = regexp.MustCompile(`(?i)(?:chosen_concept_id"?\s*:?\s*"?)?(CONCEPT_\d+)`)
	intuitionRe     = regexp.MustCompile(`(?i)"?intuition"?\s*:\s*"([^"]+)"`)
	confidenceRe    = regexp.MustCompile(`(?i)"?confidence"?\s*:\s*([0-9]*\.?[0-9]+)`)
	legacyConceptRe = regexp.MustCompile(`(?i)NEXT_CLICK:\s*(CONCEPT_\d+)`)
)

// Adapter turns a chat client into a navigation oracle: given the
// conversation so far and the concepts available on the current page, it
// returns the model's parsed choice. Parsing never fails hard; an
// unusable reply comes back with ParsingFailed, no concept ID, and
// whatever invalid ID the model named in RejectedConceptID.
type Adapter struct {
	client *Client
	logger *slog.Logger
}

// NewAdapter wraps an API client.
func NewAdapter(client *Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

// ChooseConcept asks the model for its next click. The available
// concepts and the expected response format are appended to the last
// user message; callers build the page prompt, the adapter owns the
// format contract.
//
// In structured mode the model is asked for a JSON object and parsing
// degrades from JSON to regex scanning. In legacy mode the model is
// asked for a NEXT_CLICK line.
//
// The returned response always carries the raw completion. Only
// transport-level failures produce an error.
func (a *Adapter) ChooseConcept(ctx context.Context, model string, messages []models.ChatMessage, mapping map[string]string, structured bool) (*models.AdapterResponse, time.Duration, error) {
	augmented := withFormatInstructions(messages, mapping, structured)

	start := time.Now()
	content, usage, err := a.client.ChatCompletion(ctx, model, augmented)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}

	resp := &models.AdapterResponse{
		Model:       model,
		Usage:       usage,
		RawResponse: content,
	}

	if structured {
		a.parseStructured(resp, content, mapping)
	} else {
		a.parseLegacy(resp, content, mapping)
	}

	if resp.Method == models.ParsingFailed {
		a.logger.Warn("Could not parse a concept choice from model response",
			"model", model,
			"structured", structured,
			"response_length", len(content))
	}
	return resp, elapsed, nil
}

// parseStructured tries the JSON object first, then falls back to
// scanning the text for a concept ID.
func (a *Adapter) parseStructured(resp *models.AdapterResponse, content string, mapping map[string]string) {
	if block := jsonBlockRe.FindString(content); block != "" {
		var choice conceptChoice
		if err := json.Unmarshal([]byte(block), &choice); err == nil {
			id := strings.ToUpper(choice.ChosenConceptID)
			if _, ok := mapping[id]; ok {
				resp.ConceptID = id
				resp.Intuition = choice.Intuition
				resp.Confidence = choice.Confidence
				resp.Structured = true
				resp.Method = models.ParsingStructured
				return
			}
			resp.RejectedConceptID = id
		}
	}
	a.parseWithRegex(resp, content, mapping)
}

// parseWithRegex recovers a choice from free-form text. Every concept
// mention is scanned in text order, case-insensitively; the first one
// that exists in the mapping wins. When none does, the first mention
// is kept as the rejected ID.
func (a *Adapter) parseWithRegex(resp *models.AdapterResponse, content string, mapping map[string]string) {
	var first string
	for _, m := range conceptTokenRe.FindAllStringSubmatch(content, -1) {
		id := strings.ToUpper(m[1])
		if first == "" {
			first = id
		}
		if _, ok := mapping[id]; !ok {
			continue
		}
		resp.ConceptID = id
		resp.RejectedConceptID = ""
		resp.Method = models.ParsingRegex
		if im := intuitionRe.FindStringSubmatch(content); im != nil {
			resp.Intuition = im[1]
		}
		if cm := confidenceRe.FindStringSubmatch(content); cm != nil {
			if v, err := strconv.ParseFloat(cm[1], 64); err == nil && v >= 0 && v <= 1 {
				resp.Confidence = &v
			}
		}
		return
	}

	resp.Method = models.ParsingFailed
	if resp.RejectedConceptID == "" {
		resp.RejectedConceptID = first
	}
}

// parseLegacy prefers the NEXT_CLICK line, then scans bare concept
// mentions in text order for one that exists in the mapping.
func (a *Adapter) parseLegacy(resp *models.AdapterResponse, content string, mapping map[string]string) {
	var candidates []string
	if m := legacyConceptRe.FindStringSubmatch(content); m != nil {
		candidates = append(candidates, strings.ToUpper(m[1]))
	}
	for _, m := range conceptTokenRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, strings.ToUpper(m[1]))
	}

	for _, id := range candidates {
		if _, ok := mapping[id]; !ok {
			continue
		}
		resp.ConceptID = id
		resp.Method = models.ParsingLegacyRegex
		return
	}

	resp.Method = models.ParsingFailed
	if len(candidates) > 0 {
		resp.RejectedConceptID = candidates[0]
	}
}

// withFormatInstructions returns a copy of messages with the concept
// list and the response-format contract appended to the final user
// message. Concepts are listed in ID order.
func withFormatInstructions(messages []models.ChatMessage, mapping map[string]string, structured bool) []models.ChatMessage {
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("\n\nAvailable concepts on this page:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "%s: %s\n", id, mapping[id])
	}

	if structured {
		sb.WriteString("\nRespond with a single JSON object matching this schema, and nothing else:\n")
		sb.WriteString(choiceSchemaJSON())
	} else {
		sb.WriteString("\nRespond with exactly one line in the form:\nNEXT_CLICK: CONCEPT_XX")
	}

	augmented := make([]models.ChatMessage, len(messages))
	copy(augmented, messages)
	for i := len(augmented) - 1; i >= 0; i-- {
		if augmented[i].Role == models.RoleUser {
			augmented[i].Content += sb.String()
			return augmented
		}
	}
	augmented = append(augmented, models.ChatMessage{Role: models.RoleUser, Content: strings.TrimPrefix(sb.String(), "\n\n")})
	return augmented
}
