package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"epicline/internal/domain"
	"epicline/internal/repo"
	"epicline/internal/stage"
)

// ResolveProposal records the user's verdict on the pending proposal.
//
// Confirmation is one transaction with five effects: the confirm decision,
// the snapshot fields set and locked, the stage advanced, the pending
// proposal cleared, and a system transcript notice. Rejection records the
// reject decision and clears the proposal; stage and snapshot stay put.
func (e *Engine) ResolveProposal(ctx context.Context, epicID, proposalID string, confirmed bool) (EpicDetail, error) {
	l := e.epicLock(epicID)
	l.Lock()
	defer l.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EpicDetail{}, err
	}
	defer tx.Rollback()

	ep, err := e.Repo.GetEpicTx(ctx, tx, epicID)
	if err != nil {
		return EpicDetail{}, err
	}
	pending, err := e.Repo.GetPendingProposalTx(ctx, tx, epicID)
	if errors.Is(err, repo.ErrNotFound) {
		return EpicDetail{}, ErrStaleProposal
	} else if err != nil {
		return EpicDetail{}, err
	}
	if pending.ID != proposalID {
		return EpicDetail{}, ErrStaleProposal
	}

	cur := stage.Stage(ep.Stage)
	now := e.now().UTC().Format(time.RFC3339)

	if !confirmed {
		d := domain.Decision{
			EpicID:     epicID,
			Type:       domain.DecisionReject,
			ProposalID: &pending.ID,
			FromStage:  string(cur),
			TS:         now,
		}
		if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return EpicDetail{}, fmt.Errorf("insert decision: %w", err)
		}
		if err := e.Repo.DeletePendingProposalTx(ctx, tx, epicID); err != nil {
			return EpicDetail{}, err
		}
		notice := fmt.Sprintf("Proposal %s rejected; stage remains %s.", pending.ID, cur)
		if _, err := e.transcriptAppend(ctx, tx, epicID, domain.RoleSystem, notice, string(cur)); err != nil {
			return EpicDetail{}, err
		}
		if err := tx.Commit(); err != nil {
			return EpicDetail{}, err
		}
		e.Log.Info().Str("epic_id", epicID).Str("proposal_id", pending.ID).Msg("proposal rejected")
		return e.GetEpic(ctx, epicID)
	}

	to, err := stage.Apply(cur, domain.DecisionConfirm)
	if err != nil {
		return EpicDetail{}, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if string(to) != pending.TargetStage {
		return EpicDetail{}, fmt.Errorf("%w: pending proposal targets %s but confirm at %s advances to %s",
			ErrInvariant, pending.TargetStage, cur, to)
	}

	snap, err := e.Repo.GetSnapshotTx(ctx, tx, epicID)
	if err != nil {
		return EpicDetail{}, err
	}
	if err := applyFields(&snap, cur, pending.Fields); err != nil {
		return EpicDetail{}, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	snap.UpdatedAt = now

	fieldsJSON, err := json.Marshal(pending.Fields)
	if err != nil {
		return EpicDetail{}, fmt.Errorf("marshal decision fields: %w", err)
	}
	fields := string(fieldsJSON)
	toStr := string(to)
	d := domain.Decision{
		EpicID:     epicID,
		Type:       domain.DecisionConfirm,
		ProposalID: &pending.ID,
		FromStage:  string(cur),
		ToStage:    &toStr,
		FieldsJSON: &fields,
		TS:         now,
	}
	if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return EpicDetail{}, fmt.Errorf("insert decision: %w", err)
	}
	if err := e.Repo.UpdateSnapshotTx(ctx, tx, snap); err != nil {
		return EpicDetail{}, err
	}
	if err := e.Repo.UpdateEpicStageTx(ctx, tx, epicID, toStr, now); err != nil {
		return EpicDetail{}, err
	}
	if err := e.Repo.DeletePendingProposalTx(ctx, tx, epicID); err != nil {
		return EpicDetail{}, err
	}
	notice := fmt.Sprintf("Proposal %s confirmed; stage advanced from %s to %s.", pending.ID, cur, to)
	if _, err := e.transcriptAppend(ctx, tx, epicID, domain.RoleSystem, notice, toStr); err != nil {
		return EpicDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return EpicDetail{}, err
	}
	e.Log.Info().Str("epic_id", epicID).Str("proposal_id", pending.ID).Str("from", string(cur)).Str("to", toStr).Msg("proposal confirmed")
	return e.GetEpic(ctx, epicID)
}
