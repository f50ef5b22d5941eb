package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"epicline/internal/domain"
	"epicline/internal/stage"
)

// ReplayDecisions folds a decision log into the stage and locked snapshot it
// implies, starting from a fresh epic at problem_capture. The transcript is
// never consulted.
func ReplayDecisions(epicID string, log []domain.Decision) (stage.Stage, domain.Snapshot, error) {
	cur := stage.ProblemCapture
	snap := domain.Snapshot{EpicID: epicID}
	for _, d := range log {
		next, err := stage.Apply(cur, d.Type)
		if err != nil {
			return cur, snap, fmt.Errorf("decision %d: %w", d.ID, err)
		}
		if d.Type == domain.DecisionConfirm {
			if d.FieldsJSON == nil {
				return cur, snap, fmt.Errorf("decision %d: confirm without fields", d.ID)
			}
			var fields map[string]any
			if err := json.Unmarshal([]byte(*d.FieldsJSON), &fields); err != nil {
				return cur, snap, fmt.Errorf("decision %d: %w", d.ID, err)
			}
			if err := applyFields(&snap, cur, fields); err != nil {
				return cur, snap, fmt.Errorf("decision %d: %w", d.ID, err)
			}
			snap.UpdatedAt = d.TS
		}
		cur = next
	}
	return cur, snap, nil
}

// VerifyReplay recomputes the epic's stage and snapshot from its decision log
// and compares them with the stored rows. A mismatch means the log and the
// materialized state have diverged.
func (e *Engine) VerifyReplay(ctx context.Context, epicID string) error {
	ep, err := e.Repo.GetEpic(ctx, epicID)
	if err != nil {
		return err
	}
	snap, err := e.Repo.GetSnapshot(ctx, epicID)
	if err != nil {
		return err
	}
	decisions, err := e.Repo.ListDecisions(ctx, epicID)
	if err != nil {
		return err
	}

	replayStage, replaySnap, err := ReplayDecisions(epicID, decisions)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if string(replayStage) != ep.Stage {
		return fmt.Errorf("stage mismatch: stored %s, replayed %s", ep.Stage, replayStage)
	}
	mismatches := diffSnapshots(snap, replaySnap)
	if len(mismatches) > 0 {
		return fmt.Errorf("snapshot mismatch on %v", mismatches)
	}
	return nil
}

func diffSnapshots(stored, replayed domain.Snapshot) []string {
	var out []string
	if stored.ProblemStatement != replayed.ProblemStatement || stored.ProblemLocked != replayed.ProblemLocked {
		out = append(out, stage.FieldProblemStatement)
	}
	if stored.DesiredOutcome != replayed.DesiredOutcome || stored.OutcomeLocked != replayed.OutcomeLocked {
		out = append(out, stage.FieldDesiredOutcome)
	}
	if stored.EpicSummary != replayed.EpicSummary || stored.SummaryLocked != replayed.SummaryLocked {
		out = append(out, stage.FieldEpicSummary)
	}
	if !slices.Equal(stored.AcceptanceCriteria, replayed.AcceptanceCriteria) {
		out = append(out, stage.FieldAcceptanceCriteria)
	}
	return out
}
