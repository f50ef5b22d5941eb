// Package extract scans the model's streamed output for a demarcated
// proposal block. The scanner is single-pass and chunk-oriented: markers may
// arrive split across chunks, and a proposal is only surfaced once its block
// is complete and schema-valid. Anything that fails validation is downgraded
// to ordinary assistant text instead of failing the turn.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"epicline/internal/stage"
)

// Markers the model is instructed to wrap a proposal block in.
const (
	OpenMarker  = "<<<PROPOSAL"
	CloseMarker = "PROPOSAL>>>"
)

// Proposal is a complete, schema-valid proposal block.
type Proposal struct {
	ID          string
	Content     string
	TargetStage stage.Stage
	Fields      map[string]any
}

// Scanner consumes stream chunks and separates relay text from a proposal
// block. It is built per turn for a given epic stage; the stage decides which
// target and fields a block must carry to be accepted.
type Scanner struct {
	current  stage.Stage
	carry    string
	inBlock  bool
	block    strings.Builder
	proposal *Proposal
}

func NewScanner(current stage.Stage) *Scanner {
	return &Scanner{current: current}
}

// Feed consumes one chunk and returns the text that is safe to relay to the
// caller now. Text that could still be the start of a marker is held back
// until the next chunk decides it.
func (s *Scanner) Feed(chunk string) string {
	s.carry += chunk
	var out strings.Builder
	for {
		if s.inBlock {
			idx := strings.Index(s.carry, CloseMarker)
			if idx < 0 {
				hold := holdback(s.carry, CloseMarker)
				s.block.WriteString(s.carry[:len(s.carry)-hold])
				s.carry = s.carry[len(s.carry)-hold:]
				return out.String()
			}
			s.block.WriteString(s.carry[:idx])
			s.carry = s.carry[idx+len(CloseMarker):]
			s.inBlock = false
			out.WriteString(s.finishBlock())
			continue
		}
		idx := strings.Index(s.carry, OpenMarker)
		if idx < 0 {
			hold := holdback(s.carry, OpenMarker)
			out.WriteString(s.carry[:len(s.carry)-hold])
			s.carry = s.carry[len(s.carry)-hold:]
			return out.String()
		}
		out.WriteString(s.carry[:idx])
		s.carry = s.carry[idx+len(OpenMarker):]
		s.inBlock = true
		s.block.Reset()
	}
}

// Finish flushes the scanner at end of stream. An unterminated block is
// downgraded to text; a partial proposal never escapes.
func (s *Scanner) Finish() (string, *Proposal) {
	var out strings.Builder
	if s.inBlock {
		out.WriteString(strings.TrimSpace(s.block.String() + s.carry))
		s.inBlock = false
	} else {
		out.WriteString(s.carry)
	}
	s.carry = ""
	return out.String(), s.proposal
}

// finishBlock validates a completed block. The first valid proposal wins;
// later blocks and invalid ones come back as text.
func (s *Scanner) finishBlock() string {
	raw := strings.TrimSpace(s.block.String())
	s.block.Reset()
	if s.proposal != nil {
		return raw
	}
	p, ok := parseProposal(raw, s.current)
	if !ok {
		return raw
	}
	s.proposal = p
	return ""
}

type blockPayload struct {
	ProposalID   string                     `json:"proposal_id"`
	Content      string                     `json:"content"`
	TargetStage  string                     `json:"target_stage"`
	TargetFields map[string]json.RawMessage `json:"target_fields"`
}

// parseProposal applies the per-stage schema: the target must be the stage
// machine's authorized next stage, and the fields must be exactly the ones
// the current stage may set, with the right shapes.
func parseProposal(raw string, current stage.Stage) (*Proposal, bool) {
	target, ok := stage.ConfirmTarget(current)
	if !ok {
		return nil, false
	}
	var payload blockPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false
	}
	if payload.Content == "" || stage.Stage(payload.TargetStage) != target {
		return nil, false
	}
	authorized := stage.AuthorizedFields(current)
	if len(payload.TargetFields) != len(authorized) {
		return nil, false
	}
	fields := make(map[string]any, len(authorized))
	for _, name := range authorized {
		rawField, present := payload.TargetFields[name]
		if !present {
			return nil, false
		}
		value, ok := decodeField(name, rawField)
		if !ok {
			return nil, false
		}
		fields[name] = value
	}
	id := payload.ProposalID
	if id == "" {
		id = uuid.New().String()
	}
	return &Proposal{
		ID:          id,
		Content:     payload.Content,
		TargetStage: target,
		Fields:      fields,
	}, true
}

func decodeField(name string, raw json.RawMessage) (any, bool) {
	if name == stage.FieldAcceptanceCriteria {
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return nil, false
		}
		for _, item := range items {
			if strings.TrimSpace(item) == "" {
				return nil, false
			}
		}
		return items, true
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil || strings.TrimSpace(value) == "" {
		return nil, false
	}
	return value, true
}

// holdback returns the length of the longest suffix of s that is a proper
// prefix of marker.
func holdback(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
