package extract_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicline/internal/extract"
	"epicline/internal/stage"
)

func block(t *testing.T, payload map[string]any) string {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return extract.OpenMarker + "\n" + string(b) + "\n" + extract.CloseMarker
}

// feedAll runs chunks through the scanner and returns everything it relayed
// plus the final proposal.
func feedAll(s *extract.Scanner, chunks ...string) (string, *extract.Proposal) {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(s.Feed(c))
	}
	tail, p := s.Finish()
	out.WriteString(tail)
	return out.String(), p
}

func TestPlainTextPassesThrough(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	out, p := feedAll(s, "Hello, ", "let's talk about ", "the problem.")
	assert.Equal(t, "Hello, let's talk about the problem.", out)
	assert.Nil(t, p)
}

func TestValidProposalIsExtracted(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	text := "Here is my suggestion.\n" + block(t, map[string]any{
		"proposal_id":   "p-1",
		"content":       "Users lose drafts on refresh.",
		"target_stage":  "problem_confirmed",
		"target_fields": map[string]any{"problem_statement": "Users lose drafts on refresh."},
	})
	out, p := feedAll(s, text)
	require.NotNil(t, p)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, stage.ProblemConfirmed, p.TargetStage)
	assert.Equal(t, "Users lose drafts on refresh.", p.Fields[stage.FieldProblemStatement])
	assert.Equal(t, "Here is my suggestion.\n", out)
}

func TestMarkerSplitAcrossChunks(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	full := "Before. " + block(t, map[string]any{
		"content":       "The problem.",
		"target_stage":  "problem_confirmed",
		"target_fields": map[string]any{"problem_statement": "The problem."},
	}) + " After."
	// one byte at a time is the worst case for marker detection
	var chunks []string
	for _, r := range full {
		chunks = append(chunks, string(r))
	}
	out, p := feedAll(s, chunks...)
	require.NotNil(t, p)
	assert.Equal(t, "The problem.", p.Content)
	assert.Equal(t, "Before.  After.", out)
}

func TestGeneratedProposalID(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	_, p := feedAll(s, block(t, map[string]any{
		"content":       "x",
		"target_stage":  "problem_confirmed",
		"target_fields": map[string]any{"problem_statement": "x"},
	}))
	require.NotNil(t, p)
	assert.NotEmpty(t, p.ID)
}

func TestMalformedJSONDowngradedToText(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	raw := extract.OpenMarker + "{not json" + extract.CloseMarker
	out, p := feedAll(s, raw)
	assert.Nil(t, p)
	assert.Contains(t, out, "{not json")
}

func TestMismatchedTargetStageDowngradedToText(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	out, p := feedAll(s, block(t, map[string]any{
		"content":       "skip ahead",
		"target_stage":  "epic_locked",
		"target_fields": map[string]any{"problem_statement": "skip ahead"},
	}))
	assert.Nil(t, p)
	assert.Contains(t, out, "epic_locked")
}

func TestWrongFieldsDowngradedToText(t *testing.T) {
	cases := []map[string]any{
		{"desired_outcome": "wrong field for this stage"},
		{"problem_statement": "ok", "desired_outcome": "extra"},
		{"problem_statement": ""},
		{"problem_statement": 42},
		{},
	}
	for i, fields := range cases {
		s := extract.NewScanner(stage.ProblemCapture)
		_, p := feedAll(s, block(t, map[string]any{
			"content":       "c",
			"target_stage":  "problem_confirmed",
			"target_fields": fields,
		}))
		assert.Nil(t, p, "case %d", i)
	}
}

func TestAcceptanceCriteriaShape(t *testing.T) {
	s := extract.NewScanner(stage.EpicDrafted)
	_, p := feedAll(s, block(t, map[string]any{
		"content":      "Draft ready.",
		"target_stage": "epic_locked",
		"target_fields": map[string]any{
			"epic_summary":        "One epic to rule them all.",
			"acceptance_criteria": []string{"loads fast", "saves drafts"},
		},
	}))
	require.NotNil(t, p)
	assert.Equal(t, []string{"loads fast", "saves drafts"}, p.Fields[stage.FieldAcceptanceCriteria])

	s = extract.NewScanner(stage.EpicDrafted)
	_, p = feedAll(s, block(t, map[string]any{
		"content":      "Draft ready.",
		"target_stage": "epic_locked",
		"target_fields": map[string]any{
			"epic_summary":        "Summary.",
			"acceptance_criteria": []string{},
		},
	}))
	assert.Nil(t, p, "empty criteria list must not validate")
}

func TestProposalAtRestingStageDowngradedToText(t *testing.T) {
	s := extract.NewScanner(stage.ProblemConfirmed)
	out, p := feedAll(s, block(t, map[string]any{
		"content":       "c",
		"target_stage":  "outcome_capture",
		"target_fields": map[string]any{"problem_statement": "x"},
	}))
	assert.Nil(t, p)
	assert.NotEmpty(t, out)
}

func TestUnterminatedBlockDowngradedToText(t *testing.T) {
	s := extract.NewScanner(stage.ProblemCapture)
	out, p := feedAll(s, "intro ", extract.OpenMarker+`{"content":"half`)
	assert.Nil(t, p)
	assert.Equal(t, `intro {"content":"half`, out)
}

func TestFirstValidProposalWins(t *testing.T) {
	first := block(t, map[string]any{
		"proposal_id":   "first",
		"content":       "a",
		"target_stage":  "problem_confirmed",
		"target_fields": map[string]any{"problem_statement": "a"},
	})
	second := block(t, map[string]any{
		"proposal_id":   "second",
		"content":       "b",
		"target_stage":  "problem_confirmed",
		"target_fields": map[string]any{"problem_statement": "b"},
	})
	s := extract.NewScanner(stage.ProblemCapture)
	out, p := feedAll(s, fmt.Sprintf("%s mid %s", first, second))
	require.NotNil(t, p)
	assert.Equal(t, "first", p.ID)
	assert.Contains(t, out, `"second"`, "later block comes back as text")
}
