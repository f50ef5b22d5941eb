package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"epicline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertEpicTx(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epics(id,title,owner_id,stage,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Title, e.OwnerID, e.Stage, e.CreatedAt, e.UpdatedAt)
	return err
}

func scanEpic(row *sql.Row) (domain.Epic, error) {
	var e domain.Epic
	err := row.Scan(&e.ID, &e.Title, &e.OwnerID, &e.Stage, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

const epicCols = `id,title,owner_id,stage,created_at,updated_at`

func (r Repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	return scanEpic(r.DB.QueryRowContext(ctx, `SELECT `+epicCols+` FROM epics WHERE id=?`, id))
}

func (r Repo) GetEpicTx(ctx context.Context, tx *sql.Tx, id string) (domain.Epic, error) {
	return scanEpic(tx.QueryRowContext(ctx, `SELECT `+epicCols+` FROM epics WHERE id=?`, id))
}

type EpicFilters struct {
	OwnerID         string
	Stage           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEpics(ctx context.Context, f EpicFilters) ([]domain.Epic, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + epicCols + ` FROM epics WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		var e domain.Epic
		if err := rows.Scan(&e.ID, &e.Title, &e.OwnerID, &e.Stage, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEpicStageTx(ctx context.Context, tx *sql.Tx, id, stage, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE epics SET stage=?, updated_at=? WHERE id=?`, stage, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEpic removes the epic; snapshot, transcript, decisions and the
// pending proposal go with it via ON DELETE CASCADE.
func (r Repo) DeleteEpic(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM epics WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	criteria, err := marshalCriteria(s.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(epic_id,problem_statement,problem_locked,desired_outcome,outcome_locked,epic_summary,acceptance_criteria_json,summary_locked,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.EpicID, nullable(s.ProblemStatement), s.ProblemLocked, nullable(s.DesiredOutcome), s.OutcomeLocked,
		nullable(s.EpicSummary), criteria, s.SummaryLocked, s.UpdatedAt)
	return err
}

func (r Repo) UpdateSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	criteria, err := marshalCriteria(s.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE snapshots SET problem_statement=?, problem_locked=?, desired_outcome=?, outcome_locked=?, epic_summary=?, acceptance_criteria_json=?, summary_locked=?, updated_at=? WHERE epic_id=?`,
		nullable(s.ProblemStatement), s.ProblemLocked, nullable(s.DesiredOutcome), s.OutcomeLocked,
		nullable(s.EpicSummary), criteria, s.SummaryLocked, s.UpdatedAt, s.EpicID)
	return err
}

func (r Repo) GetSnapshot(ctx context.Context, epicID string) (domain.Snapshot, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx, `SELECT epic_id,problem_statement,problem_locked,desired_outcome,outcome_locked,epic_summary,acceptance_criteria_json,summary_locked,updated_at FROM snapshots WHERE epic_id=?`, epicID))
}

func (r Repo) GetSnapshotTx(ctx context.Context, tx *sql.Tx, epicID string) (domain.Snapshot, error) {
	return scanSnapshot(tx.QueryRowContext(ctx, `SELECT epic_id,problem_statement,problem_locked,desired_outcome,outcome_locked,epic_summary,acceptance_criteria_json,summary_locked,updated_at FROM snapshots WHERE epic_id=?`, epicID))
}

func scanSnapshot(row *sql.Row) (domain.Snapshot, error) {
	var s domain.Snapshot
	var problem, outcome, summary, criteria sql.NullString
	err := row.Scan(&s.EpicID, &problem, &s.ProblemLocked, &outcome, &s.OutcomeLocked, &summary, &criteria, &s.SummaryLocked, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if problem.Valid {
		s.ProblemStatement = problem.String
	}
	if outcome.Valid {
		s.DesiredOutcome = outcome.String
	}
	if summary.Valid {
		s.EpicSummary = summary.String
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &s.AcceptanceCriteria); err != nil {
			return s, fmt.Errorf("acceptance criteria for %s: %w", s.EpicID, err)
		}
	}
	return s, nil
}

// ListTranscript returns transcript events in insertion order.
func (r Repo) ListTranscript(ctx context.Context, epicID string) ([]domain.TranscriptEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,epic_id,role,content,stage,ts FROM transcript_events WHERE epic_id=? ORDER BY id ASC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TranscriptEvent
	for rows.Next() {
		var ev domain.TranscriptEvent
		if err := rows.Scan(&ev.ID, &ev.EpicID, &ev.Role, &ev.Content, &ev.Stage, &ev.TS); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(epic_id,type,proposal_id,from_stage,to_stage,fields_json,ts) VALUES (?,?,?,?,?,?,?)`,
		d.EpicID, d.Type, nullableStringPtr(d.ProposalID), d.FromStage, nullableStringPtr(d.ToStage), nullableStringPtr(d.FieldsJSON), d.TS)
	return err
}

// ListDecisions returns decisions in insertion order.
func (r Repo) ListDecisions(ctx context.Context, epicID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,epic_id,type,proposal_id,from_stage,to_stage,fields_json,ts FROM decisions WHERE epic_id=? ORDER BY id ASC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var proposalID, toStage, fields sql.NullString
		if err := rows.Scan(&d.ID, &d.EpicID, &d.Type, &proposalID, &d.FromStage, &toStage, &fields, &d.TS); err != nil {
			return nil, err
		}
		if proposalID.Valid {
			d.ProposalID = &proposalID.String
		}
		if toStage.Valid {
			d.ToStage = &toStage.String
		}
		if fields.Valid {
			d.FieldsJSON = &fields.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// InsertPendingProposalTx relies on the epic_id primary key: a second insert
// while one is outstanding fails, which backs the single-outstanding-proposal
// invariant at the storage layer too.
func (r Repo) InsertPendingProposalTx(ctx context.Context, tx *sql.Tx, p domain.PendingProposal) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("marshal proposal fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pending_proposals(epic_id,id,content,target_stage,fields_json,created_at) VALUES (?,?,?,?,?,?)`,
		p.EpicID, p.ID, p.Content, p.TargetStage, string(fields), p.CreatedAt)
	return err
}

func (r Repo) DeletePendingProposalTx(ctx context.Context, tx *sql.Tx, epicID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_proposals WHERE epic_id=?`, epicID)
	return err
}

func (r Repo) GetPendingProposal(ctx context.Context, epicID string) (domain.PendingProposal, error) {
	return scanPendingProposal(r.DB.QueryRowContext(ctx, `SELECT epic_id,id,content,target_stage,fields_json,created_at FROM pending_proposals WHERE epic_id=?`, epicID))
}

func (r Repo) GetPendingProposalTx(ctx context.Context, tx *sql.Tx, epicID string) (domain.PendingProposal, error) {
	return scanPendingProposal(tx.QueryRowContext(ctx, `SELECT epic_id,id,content,target_stage,fields_json,created_at FROM pending_proposals WHERE epic_id=?`, epicID))
}

func scanPendingProposal(row *sql.Row) (domain.PendingProposal, error) {
	var p domain.PendingProposal
	var fields string
	err := row.Scan(&p.EpicID, &p.ID, &p.Content, &p.TargetStage, &fields, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
		return p, fmt.Errorf("proposal fields for %s: %w", p.EpicID, err)
	}
	return p, nil
}

func marshalCriteria(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
