package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicline/internal/domain"
	"epicline/internal/extract"
	"epicline/internal/llm"
	"epicline/internal/stage"
)

func TestSystemPromptAtCaptureStage(t *testing.T) {
	out, err := llm.SystemPrompt(stage.ProblemCapture, domain.Snapshot{})
	require.NoError(t, err)
	assert.Contains(t, out, "problem_capture")
	assert.Contains(t, out, extract.OpenMarker)
	assert.Contains(t, out, extract.CloseMarker)
	assert.Contains(t, out, `"problem_confirmed"`)
	assert.Contains(t, out, `"problem_statement"`)
	assert.NotContains(t, out, "accepts no proposals")
}

func TestSystemPromptShowsLockedFields(t *testing.T) {
	snap := domain.Snapshot{
		ProblemStatement: "Carts are lost.",
		ProblemLocked:    true,
	}
	out, err := llm.SystemPrompt(stage.OutcomeCapture, snap)
	require.NoError(t, err)
	assert.Contains(t, out, "Carts are lost.")
	assert.Contains(t, out, "[locked]")
	assert.Contains(t, out, `"desired_outcome"`)
}

func TestSystemPromptAtRestingStage(t *testing.T) {
	out, err := llm.SystemPrompt(stage.ProblemConfirmed, domain.Snapshot{})
	require.NoError(t, err)
	assert.Contains(t, out, "accepts no proposals")
	assert.NotContains(t, out, extract.OpenMarker)
}

func TestSystemPromptListsBothDraftFields(t *testing.T) {
	out, err := llm.SystemPrompt(stage.EpicDrafted, domain.Snapshot{})
	require.NoError(t, err)
	assert.Contains(t, out, `"epic_summary"`)
	assert.Contains(t, out, `"acceptance_criteria"`)
	assert.Contains(t, out, `"epic_locked"`)
}
