package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists Worktree rows. Grounded on the teacher's SQLiteStore.
type Store interface {
	CreateWorktree(ctx context.Context, w *Worktree) error
	GetWorktreeByExecutionID(ctx context.Context, executionID string) (*Worktree, error)
	GetWorktreesByRepositoryPath(ctx context.Context, repoPath string) ([]*Worktree, error)
	UpdateWorktree(ctx context.Context, w *Worktree) error
	DeleteWorktree(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Worktree, error)
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
CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL UNIQUE,
	repository_path TEXT NOT NULL,
	path TEXT NOT NULL,
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_worktrees_repo ON worktrees(repository_path);
CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);
`)
	return err
}

func (s *SQLiteStore) CreateWorktree(ctx context.Context, w *Worktree) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worktrees (id, execution_id, repository_path, path, branch, base_branch, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ExecutionID, w.RepositoryPath, w.Path, w.Branch, w.BaseBranch, w.Status, w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetWorktreeByExecutionID(ctx context.Context, executionID string) (*Worktree, error) {
	var w Worktree
	err := s.db.GetContext(ctx, &w, `SELECT id, execution_id, repository_path, path, branch, base_branch, status, created_at, updated_at, deleted_at FROM worktrees WHERE execution_id = ?`, executionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worktree store: get by execution: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) GetWorktreesByRepositoryPath(ctx context.Context, repoPath string) ([]*Worktree, error) {
	var rows []*Worktree
	err := s.db.SelectContext(ctx, &rows, `SELECT id, execution_id, repository_path, path, branch, base_branch, status, created_at, updated_at, deleted_at FROM worktrees WHERE repository_path = ?`, repoPath)
	return rows, err
}

func (s *SQLiteStore) UpdateWorktree(ctx context.Context, w *Worktree) error {
	w.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `UPDATE worktrees SET execution_id = ?, status = ?, updated_at = ?, deleted_at = ? WHERE id = ?`,
		w.ExecutionID, w.Status, w.UpdatedAt, w.DeletedAt, w.ID)
	return err
}

func (s *SQLiteStore) DeleteWorktree(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Worktree, error) {
	var rows []*Worktree
	err := s.db.SelectContext(ctx, &rows, `SELECT id, execution_id, repository_path, path, branch, base_branch, status, created_at, updated_at, deleted_at FROM worktrees WHERE status = ?`, StatusActive)
	return rows, err
}
