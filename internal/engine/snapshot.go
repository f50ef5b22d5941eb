package engine

import (
	"fmt"

	"epicline/internal/domain"
	"epicline/internal/stage"
)

// applyFields writes the confirmed values into the snapshot and locks them.
// The fields must be exactly the ones the stage authorizes and none of them
// may already be locked.
func applyFields(s *domain.Snapshot, at stage.Stage, fields map[string]any) error {
	authorized := stage.AuthorizedFields(at)
	if len(authorized) == 0 {
		return stage.ErrNoAuthorizedField
	}
	if len(fields) != len(authorized) {
		return fmt.Errorf("stage %s authorizes fields %v, got %d", at, authorized, len(fields))
	}
	for _, name := range authorized {
		value, ok := fields[name]
		if !ok {
			return fmt.Errorf("missing field %s", name)
		}
		switch name {
		case stage.FieldProblemStatement:
			if s.ProblemLocked {
				return fmt.Errorf("field %s is locked", name)
			}
			str, ok := asString(value)
			if !ok {
				return fmt.Errorf("field %s must be a non-empty string", name)
			}
			s.ProblemStatement = str
			s.ProblemLocked = true
		case stage.FieldDesiredOutcome:
			if s.OutcomeLocked {
				return fmt.Errorf("field %s is locked", name)
			}
			str, ok := asString(value)
			if !ok {
				return fmt.Errorf("field %s must be a non-empty string", name)
			}
			s.DesiredOutcome = str
			s.OutcomeLocked = true
		case stage.FieldEpicSummary:
			if s.SummaryLocked {
				return fmt.Errorf("field %s is locked", name)
			}
			str, ok := asString(value)
			if !ok {
				return fmt.Errorf("field %s must be a non-empty string", name)
			}
			s.EpicSummary = str
		case stage.FieldAcceptanceCriteria:
			if s.SummaryLocked {
				return fmt.Errorf("field %s is locked", name)
			}
			items, ok := asStringSlice(value)
			if !ok {
				return fmt.Errorf("field %s must be a non-empty array of strings", name)
			}
			s.AcceptanceCriteria = items
		default:
			return fmt.Errorf("unknown field %s", name)
		}
	}
	if at == stage.EpicDrafted {
		s.SummaryLocked = true
	}
	return nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

// asStringSlice accepts []string directly and []any as produced by JSON
// decoding of stored field values.
func asStringSlice(v any) ([]string, bool) {
	switch items := v.(type) {
	case []string:
		if len(items) == 0 {
			return nil, false
		}
		return items, true
	case []any:
		if len(items) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
