// Package store persists Execution rows (core specification §3.1/§3.3).
// Grounded on internal/worktree's SQLiteStore shape.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sudocode-ai/execweave/internal/execution/model"
)

// Store is the narrow persistence interface C6 depends on.
type Store interface {
	Create(ctx context.Context, e *model.Execution) error
	Update(ctx context.Context, e *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
	// NonTerminalByIssue returns the at-most-one non-terminal execution for
	// issueID, enforcing invariant 1.
	NonTerminalByIssue(ctx context.Context, issueID string) (*model.Execution, error)
	List(ctx context.Context, f Filters) ([]*model.Execution, error)
	ListByParent(ctx context.Context, parentExecutionID string) ([]*model.Execution, error)
}

// Filters narrows List; zero values mean "no filter".
type Filters struct {
	IssueID             string
	Status              model.Status
	WorkflowExecutionID string
	Limit               int
	Offset              int
}

type row struct {
	ID                  string     `db:"id"`
	IssueID             string     `db:"issue_id"`
	AgentType           string     `db:"agent_type"`
	Mode                string     `db:"mode"`
	Status              string     `db:"status"`
	Prompt              string     `db:"prompt"`
	WorktreePath        string     `db:"worktree_path"`
	BranchName          string     `db:"branch_name"`
	TargetBranch        string     `db:"target_branch"`
	BaseBranch          string     `db:"base_branch"`
	BaseCommit          string     `db:"base_commit"`
	AfterCommit         string     `db:"after_commit"`
	ExitCode            *int       `db:"exit_code"`
	ErrorMessage        string     `db:"error_message"`
	ErrorKind           string     `db:"error_kind"`
	FilesChangedJSON    string     `db:"files_changed_json"`
	ParentExecutionID   string     `db:"parent_execution_id"`
	WorkflowExecutionID string     `db:"workflow_execution_id"`
	SessionID           string     `db:"session_id"`
	CreatedAt           time.Time  `db:"created_at"`
	StartedAt           *time.Time `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
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
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL,
	worktree_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	target_branch TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	base_commit TEXT NOT NULL DEFAULT '',
	after_commit TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	files_changed_json TEXT NOT NULL DEFAULT '[]',
	parent_execution_id TEXT NOT NULL DEFAULT '',
	workflow_execution_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_issue ON executions(issue_id);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_execution_id);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id);
`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, e *model.Execution) error {
	r, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
INSERT INTO executions (id, issue_id, agent_type, mode, status, prompt, worktree_path, branch_name,
	target_branch, base_branch, base_commit, after_commit, exit_code, error_message, error_kind,
	files_changed_json, parent_execution_id, workflow_execution_id, session_id, created_at, started_at, completed_at, updated_at)
VALUES (:id, :issue_id, :agent_type, :mode, :status, :prompt, :worktree_path, :branch_name,
	:target_branch, :base_branch, :base_commit, :after_commit, :exit_code, :error_message, :error_kind,
	:files_changed_json, :parent_execution_id, :workflow_execution_id, :session_id, :created_at, :started_at, :completed_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("execution store: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, e *model.Execution) error {
	e.UpdatedAt = time.Now()
	r, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
UPDATE executions SET status = :status, worktree_path = :worktree_path, branch_name = :branch_name,
	base_commit = :base_commit, after_commit = :after_commit, exit_code = :exit_code,
	error_message = :error_message, error_kind = :error_kind, files_changed_json = :files_changed_json,
	session_id = :session_id, started_at = :started_at, completed_at = :completed_at, updated_at = :updated_at
WHERE id = :id`, r)
	if err != nil {
		return fmt.Errorf("execution store: update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM executions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("execution store: get: %w", err)
	}
	return fromRow(r)
}

func (s *SQLiteStore) NonTerminalByIssue(ctx context.Context, issueID string) (*model.Execution, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM executions WHERE issue_id = ? AND status IN (?, ?, ?, ?) LIMIT 1`,
		issueID, string(model.StatusPending), string(model.StatusPreparing), string(model.StatusRunning), string(model.StatusPaused))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("execution store: non-terminal by issue: %w", err)
	}
	return fromRow(r)
}

func (s *SQLiteStore) List(ctx context.Context, f Filters) ([]*model.Execution, error) {
	query := `SELECT * FROM executions WHERE 1=1`
	var args []interface{}
	if f.IssueID != "" {
		query += ` AND issue_id = ?`
		args = append(args, f.IssueID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.WorkflowExecutionID != "" {
		query += ` AND workflow_execution_id = ?`
		args = append(args, f.WorkflowExecutionID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("execution store: list: %w", err)
	}
	return fromRows(rows)
}

func (s *SQLiteStore) ListByParent(ctx context.Context, parentExecutionID string) ([]*model.Execution, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM executions WHERE parent_execution_id = ? ORDER BY created_at ASC`, parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("execution store: list by parent: %w", err)
	}
	return fromRows(rows)
}

func toRow(e *model.Execution) (row, error) {
	changed, err := json.Marshal(e.FilesChanged)
	if err != nil {
		return row{}, err
	}
	return row{
		ID: e.ID, IssueID: e.IssueID, AgentType: e.AgentType, Mode: string(e.Mode), Status: string(e.Status),
		Prompt: e.Prompt, WorktreePath: e.WorktreePath, BranchName: e.BranchName, TargetBranch: e.TargetBranch,
		BaseBranch: e.BaseBranch, BaseCommit: e.BaseCommit, AfterCommit: e.AfterCommit, ExitCode: e.ExitCode,
		ErrorMessage: e.ErrorMessage, ErrorKind: e.ErrorKind, FilesChangedJSON: string(changed),
		ParentExecutionID: e.ParentExecutionID, WorkflowExecutionID: e.WorkflowExecutionID, SessionID: e.SessionID,
		CreatedAt: e.CreatedAt, StartedAt: e.StartedAt, CompletedAt: e.CompletedAt, UpdatedAt: e.UpdatedAt,
	}, nil
}

func fromRow(r row) (*model.Execution, error) {
	var changed []string
	if strings.TrimSpace(r.FilesChangedJSON) != "" {
		if err := json.Unmarshal([]byte(r.FilesChangedJSON), &changed); err != nil {
			return nil, fmt.Errorf("execution store: unmarshal files_changed: %w", err)
		}
	}
	return &model.Execution{
		ID: r.ID, IssueID: r.IssueID, AgentType: r.AgentType, Mode: model.Mode(r.Mode), Status: model.Status(r.Status),
		Prompt: r.Prompt, WorktreePath: r.WorktreePath, BranchName: r.BranchName, TargetBranch: r.TargetBranch,
		BaseBranch: r.BaseBranch, BaseCommit: r.BaseCommit, AfterCommit: r.AfterCommit, ExitCode: r.ExitCode,
		ErrorMessage: r.ErrorMessage, ErrorKind: r.ErrorKind, FilesChanged: changed,
		ParentExecutionID: r.ParentExecutionID, WorkflowExecutionID: r.WorkflowExecutionID, SessionID: r.SessionID,
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}

func fromRows(rows []row) ([]*model.Execution, error) {
	out := make([]*model.Execution, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
