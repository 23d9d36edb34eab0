package entitystore

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func seedIssue(t *testing.T, s *SQLiteStore, id, specID string, status IssueStatus) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO issues (id, title, content, status, priority, spec_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "title-"+id, "content", status, 0, specID, time.Now(), time.Now(),
	)
	require.NoError(t, err)
}

func TestGetIssueReturnsNilForUnknownID(t *testing.T) {
	s := newTestStore(t)
	issue, err := s.GetIssue(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, issue)
}

func TestGetIssueRoundTrips(t *testing.T) {
	s := newTestStore(t)
	seedIssue(t, s, "issue-1", "spec-1", IssueOpen)

	issue, err := s.GetIssue(context.Background(), "issue-1")
	require.NoError(t, err)
	require.NotNil(t, issue)
	require.Equal(t, "issue-1", issue.ID)
	require.Equal(t, IssueOpen, issue.Status)
}

func TestUpdateIssueStatus(t *testing.T) {
	s := newTestStore(t)
	seedIssue(t, s, "issue-1", "", IssueOpen)

	require.NoError(t, s.UpdateIssueStatus(context.Background(), "issue-1", IssueInProgress))

	issue, err := s.GetIssue(context.Background(), "issue-1")
	require.NoError(t, err)
	require.Equal(t, IssueInProgress, issue.Status)
}

func TestGetSpecWithEmptyIDReturnsNil(t *testing.T) {
	s := newTestStore(t)
	spec, err := s.GetSpec(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, spec)
}

func TestRelationshipsMatchesEitherDirection(t *testing.T) {
	s := newTestStore(t)
	seedIssue(t, s, "a", "", IssueOpen)
	seedIssue(t, s, "b", "", IssueOpen)
	seedIssue(t, s, "c", "", IssueOpen)

	_, err := s.db.Exec(`INSERT INTO issue_relationships (from_issue_id, to_issue_id, kind) VALUES (?, ?, ?)`, "a", "b", RelationBlocks)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO issue_relationships (from_issue_id, to_issue_id, kind) VALUES (?, ?, ?)`, "c", "a", RelationDependsOn)
	require.NoError(t, err)

	rels, err := s.Relationships(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, rels, 2)
}
