package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"epicline/internal/domain"
	"epicline/internal/extract"
	"epicline/internal/llm"
	"epicline/internal/repo"
	"epicline/internal/stage"
)

// TurnEvent is one element of a streamed conversational turn. Exactly one
// field is set: Chunk for incremental text, then a single terminal event with
// either Assistant (the persisted reply) or Proposal (the parked proposal).
type TurnEvent struct {
	Chunk     string
	Assistant *domain.TranscriptEvent
	Proposal  *domain.PendingProposal
}

// Turn is the consumer side of one in-flight conversational turn. Events is
// closed when the turn ends; Err then reports why it ended early, if it did.
type Turn struct {
	events chan TurnEvent
	err    error
	done   chan struct{}
}

func newTurn() *Turn {
	return &Turn{events: make(chan TurnEvent, 16), done: make(chan struct{})}
}

func (t *Turn) Events() <-chan TurnEvent { return t.events }

// Err blocks until the turn is finished.
func (t *Turn) Err() error {
	<-t.done
	return t.err
}

func (t *Turn) finish(err error) {
	t.err = err
	close(t.events)
	close(t.done)
}

// SubmitMessage runs one conversational turn: persist the user message, stream
// the model reply, and commit the outcome (assistant text or a pending
// proposal). The user message is durable before the model is called, so a
// failed model call can be retried without resubmitting.
//
// The per-epic lock is held for the persistence steps only, not for the
// duration of the model stream.
func (e *Engine) SubmitMessage(ctx context.Context, epicID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message is empty")
	}
	if max := e.Config.Limits.MaxMessageChars; max > 0 && len(text) > max {
		return nil, fmt.Errorf("message exceeds %d characters", max)
	}

	l := e.epicLock(epicID)
	l.Lock()
	cur, history, snap, err := e.beginTurn(ctx, epicID, text)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	system, err := llm.SystemPrompt(cur, snap)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		System:    system,
		Messages:  toModelMessages(history, e.Config.Limits.MaxTranscriptTurns),
		MaxTokens: e.Config.Model.MaxTokens,
	}

	modelCtx, cancel := context.WithTimeout(ctx, e.Config.ModelTimeout())
	stream, err := e.Model.Stream(modelCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrModelCall, err)
	}

	turn := newTurn()
	go func() {
		defer cancel()
		e.runTurn(ctx, turn, epicID, cur, stream)
	}()
	return turn, nil
}

// beginTurn validates preconditions and persists the user message. An epic
// resting at a confirmed stage is advanced to the next capture stage in the
// same transaction, recorded as an advance_stage decision.
func (e *Engine) beginTurn(ctx context.Context, epicID, text string) (stage.Stage, []domain.TranscriptEvent, domain.Snapshot, error) {
	var none domain.Snapshot
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, none, err
	}
	defer tx.Rollback()

	ep, err := e.Repo.GetEpicTx(ctx, tx, epicID)
	if err != nil {
		return "", nil, none, err
	}
	cur := stage.Stage(ep.Stage)
	if stage.IsTerminal(cur) {
		return "", nil, none, ErrLocked
	}
	if _, err := e.Repo.GetPendingProposalTx(ctx, tx, epicID); err == nil {
		return "", nil, none, ErrProposalPending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, none, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	if stage.IsResting(cur) {
		to, err := stage.Apply(cur, domain.DecisionAdvance)
		if err != nil {
			return "", nil, none, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		toStr := string(to)
		d := domain.Decision{
			EpicID:    epicID,
			Type:      domain.DecisionAdvance,
			FromStage: string(cur),
			ToStage:   &toStr,
			TS:        now,
		}
		if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return "", nil, none, fmt.Errorf("insert decision: %w", err)
		}
		if err := e.Repo.UpdateEpicStageTx(ctx, tx, epicID, toStr, now); err != nil {
			return "", nil, none, err
		}
		e.Log.Info().Str("epic_id", epicID).Str("from", string(cur)).Str("to", toStr).Msg("stage advanced")
		cur = to
	}

	if _, err := e.transcriptAppend(ctx, tx, epicID, domain.RoleUser, text, string(cur)); err != nil {
		return "", nil, none, err
	}
	snap, err := e.Repo.GetSnapshotTx(ctx, tx, epicID)
	if err != nil {
		return "", nil, none, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, none, err
	}

	history, err := e.Repo.ListTranscript(ctx, epicID)
	if err != nil {
		return "", nil, none, err
	}
	return cur, history, snap, nil
}

// runTurn relays the model stream through the proposal scanner and commits
// the result. Caller disconnect mid-stream discards the partial turn; the
// already-committed user message stays.
func (e *Engine) runTurn(ctx context.Context, turn *Turn, epicID string, cur stage.Stage, stream *llm.Stream) {
	scanner := extract.NewScanner(cur)
	var full strings.Builder
	relay := func(text string) bool {
		if text == "" {
			return true
		}
		full.WriteString(text)
		select {
		case turn.events <- TurnEvent{Chunk: text}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range stream.Chunks() {
		if !relay(scanner.Feed(chunk)) {
			turn.finish(ctx.Err())
			return
		}
	}
	if err := stream.Err(); err != nil {
		e.Log.Warn().Str("epic_id", epicID).Err(err).Msg("model stream failed")
		turn.finish(fmt.Errorf("%w: %v", ErrModelCall, err))
		return
	}
	tail, proposal := scanner.Finish()
	if !relay(tail) || ctx.Err() != nil {
		turn.finish(ctx.Err())
		return
	}

	ev, pending, err := e.commitTurn(ctx, epicID, cur, strings.TrimSpace(full.String()), proposal)
	if err != nil {
		turn.finish(err)
		return
	}
	terminal := TurnEvent{Assistant: ev}
	if pending != nil {
		terminal = TurnEvent{Proposal: pending}
	}
	select {
	case turn.events <- terminal:
	case <-ctx.Done():
	}
	turn.finish(nil)
}

// commitTurn re-acquires the epic lock and persists the turn outcome: either
// the assistant reply on the transcript, or the extracted proposal as the
// epic's single pending proposal. With the lock held again it re-checks that
// no proposal appeared meanwhile, and that the epic is still at the stage the
// reply was scanned against; a proposal whose stage has moved on is downgraded
// to plain text, the same posture the scanner takes for invalid blocks.
func (e *Engine) commitTurn(ctx context.Context, epicID string, cur stage.Stage, text string, proposal *extract.Proposal) (*domain.TranscriptEvent, *domain.PendingProposal, error) {
	l := e.epicLock(epicID)
	l.Lock()
	defer l.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPendingProposalTx(ctx, tx, epicID); err == nil {
		return nil, nil, ErrProposalPending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, nil, err
	}
	ep, err := e.Repo.GetEpicTx(ctx, tx, epicID)
	if err != nil {
		return nil, nil, err
	}
	live := stage.Stage(ep.Stage)
	if proposal != nil && live != cur {
		e.Log.Info().Str("epic_id", epicID).Str("proposal_id", proposal.ID).
			Str("scanned_at", string(cur)).Str("stage", string(live)).
			Msg("stage moved during stream, proposal downgraded to text")
		proposal = nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	if proposal != nil {
		p := domain.PendingProposal{
			ID:          proposal.ID,
			EpicID:      epicID,
			Content:     proposal.Content,
			TargetStage: string(proposal.TargetStage),
			Fields:      proposal.Fields,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertPendingProposalTx(ctx, tx, p); err != nil {
			return nil, nil, fmt.Errorf("insert pending proposal: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, err
		}
		e.Log.Info().Str("epic_id", epicID).Str("proposal_id", p.ID).Str("target_stage", p.TargetStage).Msg("proposal pending")
		return nil, &p, nil
	}

	id, err := e.transcriptAppend(ctx, tx, epicID, domain.RoleAssistant, text, string(live))
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	ev := &domain.TranscriptEvent{
		ID:      id,
		EpicID:  epicID,
		Role:    domain.RoleAssistant,
		Content: text,
		Stage:   string(live),
		TS:      now,
	}
	return ev, nil, nil
}

// toModelMessages converts transcript history to model messages: system
// notices are dropped, consecutive same-role entries merged, and only the
// most recent maxTurns entries kept.
func toModelMessages(history []domain.TranscriptEvent, maxTurns int) []llm.Message {
	var msgs []llm.Message
	for _, ev := range history {
		if ev.Role == domain.RoleSystem {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == ev.Role {
			msgs[n-1].Content += "\n\n" + ev.Content
			continue
		}
		msgs = append(msgs, llm.Message{Role: ev.Role, Content: ev.Content})
	}
	if maxTurns > 0 && len(msgs) > maxTurns {
		msgs = msgs[len(msgs)-maxTurns:]
		if msgs[0].Role == domain.RoleAssistant {
			msgs = msgs[1:]
		}
	}
	return msgs
}
