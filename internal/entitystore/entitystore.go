// Package entitystore is the narrow read/write collaborator the core
// consumes for issues, specs, and their relationships (core specification
// §1's explicit non-goal list: the entity CRUD layer itself, front-matter
// parsing, and the three-way YAML merge utility are out of scope here --
// only the interface C6/C7 call through is implemented). Grounded on the
// same sqlx/go-sqlite3 persistence idiom as internal/worktree and
// internal/logstore.
package entitystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// IssueStatus is an Issue's lifecycle state (core §3.1).
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueBlocked    IssueStatus = "blocked"
	IssueReview     IssueStatus = "review"
	IssueClosed     IssueStatus = "closed"
	IssueCancelled  IssueStatus = "cancelled"
)

// RelationKind enumerates the relationship edges that induce the issue DAG.
type RelationKind string

const (
	RelationBlocks    RelationKind = "blocks"
	RelationDependsOn RelationKind = "depends-on"
)

// Issue is a unit of work tracked in the entity store.
type Issue struct {
	ID        string      `db:"id"`
	Title     string      `db:"title"`
	Content   string      `db:"content"`
	Status    IssueStatus `db:"status"`
	Priority  int         `db:"priority"`
	SpecID    string      `db:"spec_id"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// Spec is the specification context an issue is rendered against.
type Spec struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Relationship is one DAG edge between two issues.
type Relationship struct {
	FromIssueID string       `db:"from_issue_id"`
	ToIssueID   string       `db:"to_issue_id"`
	Kind        RelationKind `db:"kind"`
}

// Store is the narrow entity-store interface the core consumes.
type Store interface {
	GetIssue(ctx context.Context, id string) (*Issue, error)
	GetSpec(ctx context.Context, id string) (*Spec, error)
	Relationships(ctx context.Context, issueID string) ([]Relationship, error)
	UpdateIssueStatus(ctx context.Context, id string, status IssueStatus) error
	Close() error
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
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	spec_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS specs (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS issue_relationships (
	from_issue_id TEXT NOT NULL,
	to_issue_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (from_issue_id, to_issue_id, kind)
);
`)
	return err
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var i Issue
	err := s.db.GetContext(ctx, &i, `SELECT id, title, content, status, priority, spec_id, created_at, updated_at FROM issues WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitystore: get issue: %w", err)
	}
	return &i, nil
}

func (s *SQLiteStore) GetSpec(ctx context.Context, id string) (*Spec, error) {
	if id == "" {
		return nil, nil
	}
	var sp Spec
	err := s.db.GetContext(ctx, &sp, `SELECT id, title, content, created_at FROM specs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitystore: get spec: %w", err)
	}
	return &sp, nil
}

func (s *SQLiteStore) Relationships(ctx context.Context, issueID string) ([]Relationship, error) {
	var rows []Relationship
	err := s.db.SelectContext(ctx, &rows, `SELECT from_issue_id, to_issue_id, kind FROM issue_relationships WHERE from_issue_id = ? OR to_issue_id = ?`, issueID, issueID)
	if err != nil {
		return nil, fmt.Errorf("entitystore: relationships: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) UpdateIssueStatus(ctx context.Context, id string, status IssueStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("entitystore: update issue status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
