package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"epicline/internal/config"
	"epicline/internal/domain"
	"epicline/internal/llm"
	"epicline/internal/repo"
	"epicline/internal/stage"
	"epicline/internal/transcript"
)

// Precondition errors. The caller can always recover by adjusting its
// request; they are never retried automatically.
var (
	ErrLocked          = errors.New("epic is locked")
	ErrProposalPending = errors.New("pending proposal must be resolved first")
	ErrStaleProposal   = errors.New("proposal does not match the current pending one")
)

// ErrModelCall marks transient model failures, surfaced distinctly from
// precondition errors so the caller can retry without duplicating the user
// turn (the user message is durable before the model call starts).
var ErrModelCall = errors.New("model call failed")

// ErrInvariant marks defects (schema-invalid proposal reaching the handler,
// transition from a stage with no authorized field). The operation is
// rejected rather than coerced.
var ErrInvariant = errors.New("invariant violation")

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Transcript transcript.Writer
	Model      llm.Client
	Config     *config.Config
	Log        zerolog.Logger
	Now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, model llm.Client, log zerolog.Logger) *Engine {
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Transcript: transcript.Writer{DB: db},
		Model:      model,
		Config:     cfg,
		Log:        log,
		Now:        time.Now,
		locks:      map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// epicLock returns the per-epic mutex; operations on different epics never
// contend.
func (e *Engine) epicLock(epicID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[epicID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[epicID] = l
	}
	return l
}

// EpicDetail is an epic with its snapshot and outstanding proposal, if any.
type EpicDetail struct {
	Epic     domain.Epic
	Snapshot domain.Snapshot
	Pending  *domain.PendingProposal
}

// CreateEpic creates an empty epic at problem_capture with an empty,
// unlocked snapshot.
func (e *Engine) CreateEpic(ctx context.Context, title, ownerID string) (domain.Epic, error) {
	if title == "" {
		return domain.Epic{}, errors.New("title is required")
	}
	if ownerID == "" {
		ownerID = "local-user"
	}
	now := e.now().UTC().Format(time.RFC3339)
	ep := domain.Epic{
		ID:        uuid.New().String(),
		Title:     title,
		OwnerID:   ownerID,
		Stage:     string(stage.ProblemCapture),
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEpicTx(ctx, tx, ep); err != nil {
		return domain.Epic{}, fmt.Errorf("insert epic: %w", err)
	}
	if err := e.Repo.InsertSnapshotTx(ctx, tx, domain.Snapshot{EpicID: ep.ID, UpdatedAt: now}); err != nil {
		return domain.Epic{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := e.transcriptAppend(ctx, tx, ep.ID, domain.RoleSystem,
		fmt.Sprintf("Epic %q created; starting at stage %s.", ep.Title, ep.Stage), ep.Stage); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	return ep, nil
}

// GetEpic returns the epic with snapshot and pending proposal.
func (e *Engine) GetEpic(ctx context.Context, epicID string) (EpicDetail, error) {
	ep, err := e.Repo.GetEpic(ctx, epicID)
	if err != nil {
		return EpicDetail{}, err
	}
	snap, err := e.Repo.GetSnapshot(ctx, epicID)
	if err != nil {
		return EpicDetail{}, err
	}
	detail := EpicDetail{Epic: ep, Snapshot: snap}
	pending, err := e.Repo.GetPendingProposal(ctx, epicID)
	if err == nil {
		detail.Pending = &pending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return EpicDetail{}, err
	}
	return detail, nil
}

// ListEpics is a pure read.
func (e *Engine) ListEpics(ctx context.Context, f repo.EpicFilters) ([]domain.Epic, error) {
	return e.Repo.ListEpics(ctx, f)
}

// DeleteEpic removes the epic and everything it owns; there is no partial
// deletion, and deletion is the only way past a locked field.
func (e *Engine) DeleteEpic(ctx context.Context, epicID string) error {
	l := e.epicLock(epicID)
	l.Lock()
	defer l.Unlock()
	return e.Repo.DeleteEpic(ctx, epicID)
}

// GetTranscript is a pure read, safe concurrently with everything else.
func (e *Engine) GetTranscript(ctx context.Context, epicID string) ([]domain.TranscriptEvent, error) {
	if _, err := e.Repo.GetEpic(ctx, epicID); err != nil {
		return nil, err
	}
	return e.Repo.ListTranscript(ctx, epicID)
}

// GetDecisions is a pure read, safe concurrently with everything else.
func (e *Engine) GetDecisions(ctx context.Context, epicID string) ([]domain.Decision, error) {
	if _, err := e.Repo.GetEpic(ctx, epicID); err != nil {
		return nil, err
	}
	return e.Repo.ListDecisions(ctx, epicID)
}

func (e *Engine) transcriptAppend(ctx context.Context, tx *sql.Tx, epicID, role, content, at string) (int64, error) {
	w := e.Transcript
	if w.Now == nil {
		w.Now = e.Now
	}
	id, err := w.Append(ctx, tx, epicID, role, content, at)
	if err != nil {
		return 0, fmt.Errorf("append transcript: %w", err)
	}
	return id, nil
}
