// Package store persists Workflow rows and their durable Event timers
// (core specification §3.1, §4.8). Grounded on the same sqlx persistence
// idiom as internal/execution/store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sudocode-ai/execweave/internal/workflow/model"
)

// Store is the narrow persistence interface C7/C8 depend on.
type Store interface {
	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	UpdateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, statusFilter []model.Status) ([]*model.Workflow, error)

	CreateEvent(ctx context.Context, e *model.Event) error
	MarkEventProcessed(ctx context.Context, id string) error
	UnprocessedEvents(ctx context.Context) ([]*model.Event, error)
	EventsForWorkflow(ctx context.Context, workflowID string) ([]*model.Event, error)
}

type workflowRow struct {
	ID                      string     `db:"id"`
	Title                   string     `db:"title"`
	Status                  string     `db:"status"`
	Source                  string     `db:"source"`
	StepsJSON               string     `db:"steps_json"`
	WorktreePath            string     `db:"worktree_path"`
	BranchName              string     `db:"branch_name"`
	BaseBranch              string     `db:"base_branch"`
	CurrentStepIndex        int        `db:"current_step_index"`
	OrchestratorExecutionID string     `db:"orchestrator_execution_id"`
	ConfigJSON              string     `db:"config_json"`
	CreatedAt               time.Time  `db:"created_at"`
	StartedAt               *time.Time `db:"started_at"`
	CompletedAt             *time.Time `db:"completed_at"`
	UpdatedAt               time.Time  `db:"updated_at"`
}

type eventRow struct {
	ID          string     `db:"id"`
	WorkflowID  string     `db:"workflow_id"`
	Type        string     `db:"type"`
	ExecutionID string     `db:"execution_id"`
	StepID      string     `db:"step_id"`
	PayloadJSON string     `db:"payload_json"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// SQLiteStore is the sqlx-backed Store implementation.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	steps_json TEXT NOT NULL DEFAULT '[]',
	worktree_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	current_step_index INTEGER NOT NULL DEFAULT 0,
	orchestrator_execution_id TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_events (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	type TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	processed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_events_unprocessed ON workflow_events(processed_at);
`)
	return err
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	r, err := toWorkflowRow(w)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
INSERT INTO workflows (id, title, status, source, steps_json, worktree_path, branch_name, base_branch,
	current_step_index, orchestrator_execution_id, config_json, created_at, started_at, completed_at, updated_at)
VALUES (:id, :title, :status, :source, :steps_json, :worktree_path, :branch_name, :base_branch,
	:current_step_index, :orchestrator_execution_id, :config_json, :created_at, :started_at, :completed_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("workflow store: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	w.UpdatedAt = time.Now()
	r, err := toWorkflowRow(w)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
UPDATE workflows SET status = :status, steps_json = :steps_json, worktree_path = :worktree_path,
	branch_name = :branch_name, current_step_index = :current_step_index,
	orchestrator_execution_id = :orchestrator_execution_id, started_at = :started_at,
	completed_at = :completed_at, updated_at = :updated_at
WHERE id = :id`, r)
	if err != nil {
		return fmt.Errorf("workflow store: update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var r workflowRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM workflows WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workflow store: get: %w", err)
	}
	return fromWorkflowRow(r)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, statusFilter []model.Status) ([]*model.Workflow, error) {
	query := `SELECT * FROM workflows`
	var args []interface{}
	if len(statusFilter) > 0 {
		query += ` WHERE status IN (`
		for i, st := range statusFilter {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC`
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("workflow store: list: %w", err)
	}
	out := make([]*model.Workflow, 0, len(rows))
	for _, r := range rows {
		w, err := fromWorkflowRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *model.Event) error {
	r, err := toEventRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
INSERT INTO workflow_events (id, workflow_id, type, execution_id, step_id, payload_json, created_at, processed_at)
VALUES (:id, :workflow_id, :type, :execution_id, :step_id, :payload_json, :created_at, :processed_at)`, r)
	if err != nil {
		return fmt.Errorf("workflow store: create event: %w", err)
	}
	return nil
}

// MarkEventProcessed sets processed_at, but only if it is currently unset,
// enforcing invariant 6 (a timer fires/clears at most once).
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("workflow store: mark event processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workflow store: event %s already processed or missing", id)
	}
	return nil
}

func (s *SQLiteStore) UnprocessedEvents(ctx context.Context) ([]*model.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM workflow_events WHERE processed_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("workflow store: unprocessed events: %w", err)
	}
	return fromEventRows(rows)
}

func (s *SQLiteStore) EventsForWorkflow(ctx context.Context, workflowID string) ([]*model.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM workflow_events WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow store: events for workflow: %w", err)
	}
	return fromEventRows(rows)
}

func toWorkflowRow(w *model.Workflow) (workflowRow, error) {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return workflowRow{}, err
	}
	cfg, err := json.Marshal(w.Config)
	if err != nil {
		return workflowRow{}, err
	}
	return workflowRow{
		ID: w.ID, Title: w.Title, Status: string(w.Status), Source: string(w.Source),
		StepsJSON: string(steps), WorktreePath: w.WorktreePath, BranchName: w.BranchName, BaseBranch: w.BaseBranch,
		CurrentStepIndex: w.CurrentStepIndex, OrchestratorExecutionID: w.OrchestratorExecutionID, ConfigJSON: string(cfg),
		CreatedAt: w.CreatedAt, StartedAt: w.StartedAt, CompletedAt: w.CompletedAt, UpdatedAt: w.UpdatedAt,
	}, nil
}

func fromWorkflowRow(r workflowRow) (*model.Workflow, error) {
	var steps []*model.Step
	if err := json.Unmarshal([]byte(r.StepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("workflow store: unmarshal steps: %w", err)
	}
	var cfg model.Config
	if err := json.Unmarshal([]byte(r.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("workflow store: unmarshal config: %w", err)
	}
	return &model.Workflow{
		ID: r.ID, Title: r.Title, Status: model.Status(r.Status), Source: model.SourceKind(r.Source), Steps: steps,
		WorktreePath: r.WorktreePath, BranchName: r.BranchName, BaseBranch: r.BaseBranch,
		CurrentStepIndex: r.CurrentStepIndex, OrchestratorExecutionID: r.OrchestratorExecutionID, Config: cfg,
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}

func toEventRow(e *model.Event) (eventRow, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		ID: e.ID, WorkflowID: e.WorkflowID, Type: string(e.Type), ExecutionID: e.ExecutionID, StepID: e.StepID,
		PayloadJSON: string(payload), CreatedAt: e.CreatedAt, ProcessedAt: e.ProcessedAt,
	}, nil
}

func fromEventRows(rows []eventRow) ([]*model.Event, error) {
	out := make([]*model.Event, 0, len(rows))
	for _, r := range rows {
		var payload any
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("workflow store: unmarshal event payload: %w", err)
		}
		out = append(out, &model.Event{
			ID: r.ID, WorkflowID: r.WorkflowID, Type: model.EventType(r.Type), ExecutionID: r.ExecutionID, StepID: r.StepID,
			Payload: payload, CreatedAt: r.CreatedAt, ProcessedAt: r.ProcessedAt,
		})
	}
	return out, nil
}
