package engine_test

import (
	"testing"

	"epicline/internal/domain"
	"epicline/internal/engine"
	"epicline/internal/stage"
)

func strptr(s string) *string { return &s }

func TestReplayEmptyLogIsFreshEpic(t *testing.T) {
	st, snap, err := engine.ReplayDecisions("e-1", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st != stage.ProblemCapture {
		t.Fatalf("stage %s", st)
	}
	if snap.ProblemLocked || snap.OutcomeLocked || snap.SummaryLocked {
		t.Fatalf("fresh snapshot has locks: %+v", snap)
	}
}

func TestReplayRejectsConfirmWithoutFields(t *testing.T) {
	log := []domain.Decision{
		{ID: 1, EpicID: "e-1", Type: domain.DecisionConfirm, FromStage: "problem_capture", ToStage: strptr("problem_confirmed")},
	}
	if _, _, err := engine.ReplayDecisions("e-1", log); err == nil {
		t.Fatalf("expected error for confirm without fields")
	}
}

func TestReplayRejectsImpossibleTransitions(t *testing.T) {
	// advance recorded at a capture stage can never have been written
	log := []domain.Decision{
		{ID: 1, EpicID: "e-1", Type: domain.DecisionAdvance, FromStage: "problem_capture", ToStage: strptr("problem_confirmed")},
	}
	if _, _, err := engine.ReplayDecisions("e-1", log); err == nil {
		t.Fatalf("expected error for advance from capture stage")
	}
}

func TestReplayAppliesRejectAsNoOp(t *testing.T) {
	fields := `{"problem_statement":"Carts are lost."}`
	log := []domain.Decision{
		{ID: 1, EpicID: "e-1", Type: domain.DecisionReject, FromStage: "problem_capture", ProposalID: strptr("p-0")},
		{ID: 2, EpicID: "e-1", Type: domain.DecisionConfirm, FromStage: "problem_capture", ToStage: strptr("problem_confirmed"), ProposalID: strptr("p-1"), FieldsJSON: &fields, TS: "2026-01-01T00:00:00Z"},
	}
	st, snap, err := engine.ReplayDecisions("e-1", log)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st != stage.ProblemConfirmed {
		t.Fatalf("stage %s", st)
	}
	if !snap.ProblemLocked || snap.ProblemStatement != "Carts are lost." {
		t.Fatalf("snapshot: %+v", snap)
	}
}
