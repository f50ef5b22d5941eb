package llm

import (
	"fmt"
	"strings"
	"text/template"

	"epicline/internal/domain"
	"epicline/internal/extract"
	"epicline/internal/stage"
)

// PromptContext is everything the system prompt is rendered from: the
// deliverable so far, the active stage, and what a proposal at this stage is
// allowed to target.
type PromptContext struct {
	Stage       stage.Stage
	Target      string
	Fields      []string
	Snapshot    domain.Snapshot
	OpenMarker  string
	CloseMarker string
}

var systemTmpl = template.Must(template.New("system").Parse(systemPromptTemplate))

// SystemPrompt renders the model instructions for one conversational turn.
func SystemPrompt(st stage.Stage, snap domain.Snapshot) (string, error) {
	pc := PromptContext{
		Stage:       st,
		Snapshot:    snap,
		Fields:      stage.AuthorizedFields(st),
		OpenMarker:  extract.OpenMarker,
		CloseMarker: extract.CloseMarker,
	}
	if target, ok := stage.ConfirmTarget(st); ok {
		pc.Target = string(target)
	}
	var buf strings.Builder
	if err := systemTmpl.Execute(&buf, pc); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

const systemPromptTemplate = `You are a product-definition collaborator. You help the user shape one deliverable ("epic") through conversation, one field at a time, in a fixed order. Sections that are already locked must never be rewritten; you may reference them but not change them.

Current stage: {{.Stage}}

Deliverable so far:
{{- with .Snapshot}}
- problem_statement: {{if .ProblemStatement}}{{.ProblemStatement}}{{else}}(unset){{end}}{{if .ProblemLocked}} [locked]{{end}}
- desired_outcome: {{if .DesiredOutcome}}{{.DesiredOutcome}}{{else}}(unset){{end}}{{if .OutcomeLocked}} [locked]{{end}}
- epic_summary: {{if .EpicSummary}}{{.EpicSummary}}{{else}}(unset){{end}}{{if .SummaryLocked}} [locked]{{end}}
{{- if .AcceptanceCriteria}}
- acceptance_criteria:
{{- range .AcceptanceCriteria}}
  - {{.}}
{{- end}}
{{- end}}
{{- end}}

{{if .Target -}}
When, and only when, you believe the user has agreed on wording worth locking in, emit exactly one proposal block. The user must explicitly confirm it before anything changes, so keep conversing normally otherwise. The block format is fixed:

{{.OpenMarker}}
{"content": "<one short paragraph the user will review>", "target_stage": "{{.Target}}", "target_fields": {{"{"}}{{range $i, $f := .Fields}}{{if $i}}, {{end}}"{{$f}}": ...{{end}}{{"}"}}}
{{.CloseMarker}}

Rules for the block: target_stage must be "{{.Target}}"; target_fields must contain exactly {{range $i, $f := .Fields}}{{if $i}} and {{end}}"{{$f}}"{{end}}; "acceptance_criteria" (when required) is a JSON array of strings, every other field is a string. Emit at most one block per reply and never a partial one.
{{- else -}}
This stage accepts no proposals. Converse normally; do not emit a proposal block.
{{- end}}`
