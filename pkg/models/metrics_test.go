package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMetrics(t *testing.T) {
	steps := []*StepRecord{
		{Step: 0, PageTitle: "A", NextPageTitle: "B", LLMDuration: 1.0, StructuredParsingSuccess: true},
		{Step: 1, PageTitle: "B", LLMDuration: 2.0, IsHallucination: true, IsRetry: true, RetryNumber: 1},
		{Step: 1, PageTitle: "B", NextPageTitle: "C", LLMDuration: 3.0, StructuredParsingSuccess: true},
		{Step: 2, PageTitle: "C", IsFinalTarget: true},
	}

	m := ComputeMetrics("test/model", StatusSuccess, "Target reached", steps, 1, 10.0, true)

	assert.Equal(t, "test/model", m.Model)
	assert.Equal(t, StatusSuccess, m.Status)
	assert.Equal(t, "Target reached", m.Reason)

	// Two real advances; the retry and the synthetic final step do not count.
	assert.Equal(t, 2, m.TotalSteps)
	assert.Equal(t, 10.0, m.TotalDuration)
	assert.InDelta(t, 1.5, m.AvgLLMLatency, 1e-9)

	assert.Equal(t, 1, m.HallucinationCount)
	assert.InDelta(t, 0.25, m.HallucinationRate, 1e-9)
	assert.Equal(t, 1, m.TotalRetries)

	assert.Equal(t, 2, m.StructuredParsingSuccessCount)
	assert.InDelta(t, 0.5, m.StructuredParsingSuccessRate, 1e-9)
	assert.True(t, m.UsedStructuredOutput)

	assert.Equal(t, []string{"A", "B", "B", "C"}, m.Path)
}

func TestComputeMetricsNoSteps(t *testing.T) {
	m := ComputeMetrics("m", StatusFailed, "Start page not found", nil, 0, 0, false)

	require.NotNil(t, m)
	assert.Zero(t, m.TotalSteps)
	assert.Zero(t, m.AvgLLMLatency)
	assert.Zero(t, m.HallucinationRate)
	assert.Zero(t, m.StructuredParsingSuccessRate)
	assert.Empty(t, m.Path)
}

func TestFilteredMapping(t *testing.T) {
	page := &WikiPage{
		Title: "A",
		Mapping: map[string]string{
			"CONCEPT_01": "B",
			"CONCEPT_02": "C",
			"CONCEPT_03": "D",
		},
	}

	filtered := page.FilteredMapping(map[string]bool{"CONCEPT_02": true})
	assert.Equal(t, map[string]string{"CONCEPT_01": "B", "CONCEPT_03": "D"}, filtered)

	full := page.FilteredMapping(nil)
	assert.Equal(t, page.Mapping, full)

	full["CONCEPT_01"] = "changed"
	assert.Equal(t, "B", page.Mapping["CONCEPT_01"], "filtered mapping is a copy")
}
