// Package stage encodes the monotonic epic lifecycle: which stage follows
// which, and which snapshot fields each stage may set and lock. Everything
// here is pure; persistence and locking live in the engine.
package stage

import (
	"errors"
	"fmt"

	"epicline/internal/domain"
)

type Stage string

const (
	ProblemCapture   Stage = "problem_capture"
	ProblemConfirmed Stage = "problem_confirmed"
	OutcomeCapture   Stage = "outcome_capture"
	OutcomeConfirmed Stage = "outcome_confirmed"
	EpicDrafted      Stage = "epic_drafted"
	EpicLocked       Stage = "epic_locked"
)

// Order is the full forward sequence. No back-edges, no skipping.
var Order = []Stage{
	ProblemCapture,
	ProblemConfirmed,
	OutcomeCapture,
	OutcomeConfirmed,
	EpicDrafted,
	EpicLocked,
}

// Snapshot field names, as they appear in proposal blocks and decision records.
const (
	FieldProblemStatement   = "problem_statement"
	FieldDesiredOutcome     = "desired_outcome"
	FieldEpicSummary        = "epic_summary"
	FieldAcceptanceCriteria = "acceptance_criteria"
)

// ErrNoAuthorizedField signals a confirm attempted at a stage that has no
// snapshot field to set. This is a defect upstream (extractor or caller),
// never a user error.
var ErrNoAuthorizedField = errors.New("stage has no authorized snapshot field")

var indexOf = func() map[Stage]int {
	m := make(map[Stage]int, len(Order))
	for i, s := range Order {
		m[s] = i
	}
	return m
}()

func Valid(s Stage) bool {
	_, ok := indexOf[s]
	return ok
}

// IsTerminal reports whether s is the end of the lifecycle.
func IsTerminal(s Stage) bool { return s == EpicLocked }

// IsResting reports whether s is a confirmed marker stage with no authorized
// field. Resting stages are left via an advance_stage decision, not a confirm.
func IsResting(s Stage) bool { return s == ProblemConfirmed || s == OutcomeConfirmed }

func next(s Stage) (Stage, bool) {
	i, ok := indexOf[s]
	if !ok || i == len(Order)-1 {
		return s, false
	}
	return Order[i+1], true
}

// AuthorizedFields returns the snapshot fields the stage sets-and-locks on
// confirmation, or nil for resting and terminal stages.
func AuthorizedFields(s Stage) []string {
	switch s {
	case ProblemCapture:
		return []string{FieldProblemStatement}
	case OutcomeCapture:
		return []string{FieldDesiredOutcome}
	case EpicDrafted:
		return []string{FieldEpicSummary, FieldAcceptanceCriteria}
	default:
		return nil
	}
}

// ConfirmTarget returns the stage a proposal made at s must name as its
// target. ok is false when no proposal may be confirmed at s.
func ConfirmTarget(s Stage) (Stage, bool) {
	if len(AuthorizedFields(s)) == 0 {
		return s, false
	}
	return mustNext(s), true
}

func mustNext(s Stage) Stage {
	n, ok := next(s)
	if !ok {
		panic(fmt.Sprintf("stage %s has no successor", s))
	}
	return n
}

// Apply is the transition function: (current stage, decision type) -> next
// stage. It is total: every pair has a defined result, rejects are no-ops,
// and confirms at stages with no authorized field fail loudly.
func Apply(current Stage, decisionType string) (Stage, error) {
	if !Valid(current) {
		return current, fmt.Errorf("unknown stage %q", current)
	}
	switch decisionType {
	case domain.DecisionReject:
		return current, nil
	case domain.DecisionConfirm:
		if target, ok := ConfirmTarget(current); ok {
			return target, nil
		}
		return current, fmt.Errorf("confirm at %s: %w", current, ErrNoAuthorizedField)
	case domain.DecisionAdvance:
		if !IsResting(current) {
			return current, fmt.Errorf("advance from non-resting stage %s", current)
		}
		return mustNext(current), nil
	default:
		return current, fmt.Errorf("unknown decision type %q", decisionType)
	}
}
