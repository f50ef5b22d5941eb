package domain

// Epic is the aggregate root for one deliverable being defined through conversation.
type Epic struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OwnerID   string `json:"owner_id"`
	Stage     string `json:"stage" enum:"problem_capture,problem_confirmed,outcome_capture,outcome_confirmed,epic_drafted,epic_locked"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Snapshot holds the deliverable's fields. A locked field never changes again
// except through a full epic delete.
type Snapshot struct {
	EpicID             string   `json:"epic_id"`
	ProblemStatement   string   `json:"problem_statement,omitempty"`
	ProblemLocked      bool     `json:"problem_locked"`
	DesiredOutcome     string   `json:"desired_outcome,omitempty"`
	OutcomeLocked      bool     `json:"outcome_locked"`
	EpicSummary        string   `json:"epic_summary,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	SummaryLocked      bool     `json:"summary_locked"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// TranscriptEvent is one immutable entry of the conversation log.
// Ordering is insertion order (the autoincrement id).
type TranscriptEvent struct {
	ID      int64  `json:"id"`
	EpicID  string `json:"epic_id"`
	Role    string `json:"role" enum:"user,assistant,system"`
	Content string `json:"content"`
	Stage   string `json:"stage"`
	TS      string `json:"ts" format:"date-time"`
}

// PendingProposal is a model-emitted, not-yet-decided suggestion to advance
// stage and set snapshot fields. At most one exists per epic.
type PendingProposal struct {
	ID          string         `json:"id"`
	EpicID      string         `json:"epic_id"`
	Content     string         `json:"content"`
	TargetStage string         `json:"target_stage"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// Decision is an immutable record of a lifecycle transition. FieldsJSON
// carries the snapshot values applied by a confirm so the decision log alone
// replays to the current stage and locked fields.
type Decision struct {
	ID         int64   `json:"id"`
	EpicID     string  `json:"epic_id"`
	Type       string  `json:"type" enum:"confirm_proposal,reject_proposal,advance_stage"`
	ProposalID *string `json:"proposal_id,omitempty"`
	FromStage  string  `json:"from_stage"`
	ToStage    *string `json:"to_stage,omitempty"`
	FieldsJSON *string `json:"fields_json,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	DecisionConfirm = "confirm_proposal"
	DecisionReject  = "reject_proposal"
	DecisionAdvance = "advance_stage"
)
