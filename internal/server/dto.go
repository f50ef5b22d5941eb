package server

import (
	"epicline/internal/domain"
	"epicline/internal/engine"
)

// Request payloads

type CreateEpicRequest struct {
	Title   string  `json:"title"`
	OwnerID *string `json:"owner_id,omitempty"`
}

type SubmitMessageRequest struct {
	Content string `json:"content"`
}

type ResolveProposalRequest struct {
	Confirmed *bool `json:"confirmed"`
}

// Response payloads

type EpicResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OwnerID   string `json:"owner_id"`
	Stage     string `json:"stage" enum:"problem_capture,problem_confirmed,outcome_capture,outcome_confirmed,epic_drafted,epic_locked"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type SnapshotResponse struct {
	ProblemStatement   string   `json:"problem_statement,omitempty"`
	ProblemLocked      bool     `json:"problem_locked"`
	DesiredOutcome     string   `json:"desired_outcome,omitempty"`
	OutcomeLocked      bool     `json:"outcome_locked"`
	EpicSummary        string   `json:"epic_summary,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	SummaryLocked      bool     `json:"summary_locked"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID          string         `json:"id"`
	EpicID      string         `json:"epic_id"`
	Content     string         `json:"content"`
	TargetStage string         `json:"target_stage"`
	Fields      map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type EpicDetailResponse struct {
	Epic            EpicResponse      `json:"epic"`
	Snapshot        SnapshotResponse  `json:"snapshot"`
	PendingProposal *ProposalResponse `json:"pending_proposal,omitempty"`
}

type EpicListResponse struct {
	Items      []EpicResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type TranscriptEventResponse struct {
	ID      int64  `json:"id"`
	EpicID  string `json:"epic_id"`
	Role    string `json:"role" enum:"user,assistant,system"`
	Content string `json:"content"`
	Stage   string `json:"stage"`
	TS      string `json:"ts" format:"date-time"`
}

type DecisionResponse struct {
	ID         int64          `json:"id"`
	EpicID     string         `json:"epic_id"`
	Type       string         `json:"type" enum:"confirm_proposal,reject_proposal,advance_stage"`
	ProposalID *string        `json:"proposal_id,omitempty"`
	FromStage  string         `json:"from_stage"`
	ToStage    *string        `json:"to_stage,omitempty"`
	Fields     map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
	TS         string         `json:"ts" format:"date-time"`
}

// Streamed events

type ChunkEvent struct {
	Text string `json:"text"`
}

func epicResponse(e domain.Epic) EpicResponse {
	return EpicResponse{
		ID:        e.ID,
		Title:     e.Title,
		OwnerID:   e.OwnerID,
		Stage:     e.Stage,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func mapEpics(items []domain.Epic) []EpicResponse {
	out := make([]EpicResponse, 0, len(items))
	for _, e := range items {
		out = append(out, epicResponse(e))
	}
	return out
}

func snapshotResponse(s domain.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ProblemStatement:   s.ProblemStatement,
		ProblemLocked:      s.ProblemLocked,
		DesiredOutcome:     s.DesiredOutcome,
		OutcomeLocked:      s.OutcomeLocked,
		EpicSummary:        s.EpicSummary,
		AcceptanceCriteria: s.AcceptanceCriteria,
		SummaryLocked:      s.SummaryLocked,
		UpdatedAt:          s.UpdatedAt,
	}
}

func proposalResponse(p domain.PendingProposal) ProposalResponse {
	return ProposalResponse{
		ID:          p.ID,
		EpicID:      p.EpicID,
		Content:     p.Content,
		TargetStage: p.TargetStage,
		Fields:      p.Fields,
		CreatedAt:   p.CreatedAt,
	}
}

func detailResponse(d engine.EpicDetail) EpicDetailResponse {
	out := EpicDetailResponse{
		Epic:     epicResponse(d.Epic),
		Snapshot: snapshotResponse(d.Snapshot),
	}
	if d.Pending != nil {
		p := proposalResponse(*d.Pending)
		out.PendingProposal = &p
	}
	return out
}

func transcriptEventResponse(ev domain.TranscriptEvent) TranscriptEventResponse {
	return TranscriptEventResponse{
		ID:      ev.ID,
		EpicID:  ev.EpicID,
		Role:    ev.Role,
		Content: ev.Content,
		Stage:   ev.Stage,
		TS:      ev.TS,
	}
}

func mapTranscript(items []domain.TranscriptEvent) []TranscriptEventResponse {
	out := make([]TranscriptEventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, transcriptEventResponse(ev))
	}
	return out
}

func decisionResponse(d domain.Decision, fields map[string]any) DecisionResponse {
	return DecisionResponse{
		ID:         d.ID,
		EpicID:     d.EpicID,
		Type:       d.Type,
		ProposalID: d.ProposalID,
		FromStage:  d.FromStage,
		ToStage:    d.ToStage,
		Fields:     fields,
		TS:         d.TS,
	}
}
