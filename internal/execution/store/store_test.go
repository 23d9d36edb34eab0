package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/execweave/internal/execution/model"
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

func newExecution(id, issueID string, status model.Status) *model.Execution {
	now := time.Now()
	return &model.Execution{
		ID:           id,
		IssueID:      issueID,
		AgentType:    "stub-agent",
		Mode:         model.ModeWorktree,
		Status:       status,
		Prompt:       "do the thing",
		FilesChanged: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := newExecution("exec-1", "issue-1", model.StatusRunning)
	ex.FilesChanged = []string{"a.go", "b.go"}
	require.NoError(t, s.Create(ctx, ex))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ex.IssueID, got.IssueID)
	require.Equal(t, model.StatusRunning, got.Status)
	require.Equal(t, []string{"a.go", "b.go"}, got.FilesChanged)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdatePersistsStatusTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := newExecution("exec-1", "issue-1", model.StatusPending)
	require.NoError(t, s.Create(ctx, ex))

	ex.Status = model.StatusCompleted
	code := 0
	ex.ExitCode = &code
	require.NoError(t, s.Update(ctx, ex))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestNonTerminalByIssueFindsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newExecution("exec-done", "issue-1", model.StatusCompleted)))

	got, err := s.NonTerminalByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.Create(ctx, newExecution("exec-running", "issue-1", model.StatusRunning)))
	got, err = s.NonTerminalByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "exec-running", got.ID)
}

func TestListFiltersByStatusAndWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newExecution("exec-a", "issue-1", model.StatusRunning)
	a.WorkflowExecutionID = "wf-1"
	b := newExecution("exec-b", "issue-2", model.StatusCompleted)
	b.WorkflowExecutionID = "wf-1"
	c := newExecution("exec-c", "issue-3", model.StatusRunning)

	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Create(ctx, c))

	running, err := s.List(ctx, Filters{Status: model.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)

	inWorkflow, err := s.List(ctx, Filters{WorkflowExecutionID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, inWorkflow, 2)
}

func TestListByParentOrdersByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newExecution("exec-1", "issue-1", model.StatusCompleted)
	first.ParentExecutionID = "root"
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newExecution("exec-2", "issue-1", model.StatusCompleted)
	second.ParentExecutionID = "root"
	second.CreatedAt = time.Now()

	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.Create(ctx, first))

	children, err := s.ListByParent(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "exec-1", children[0].ID)
	require.Equal(t, "exec-2", children[1].ID)
}
