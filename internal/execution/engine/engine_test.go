package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/entitystore"
	"github.com/sudocode-ai/execweave/internal/execution/model"
	execstore "github.com/sudocode-ai/execweave/internal/execution/store"
	"github.com/sudocode-ai/execweave/internal/logstore"
)

func newTestEngine(t *testing.T) (*Engine, entitystore.Store, execstore.Store) {
	t.Helper()

	entDB, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open entity db: %v", err)
	}
	ents, err := entitystore.NewSQLiteStore(entDB)
	if err != nil {
		t.Fatalf("new entity store: %v", err)
	}

	exDB, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open execution db: %v", err)
	}
	execs, err := execstore.NewSQLiteStore(exDB)
	if err != nil {
		t.Fatalf("new execution store: %v", err)
	}

	logDB, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open log db: %v", err)
	}
	logs, err := logstore.NewSQLiteStore(logDB)
	if err != nil {
		t.Fatalf("new log store: %v", err)
	}

	b := bus.NewMemoryBus(nil)

	e := New(Dependencies{
		ProjectID:  "proj1",
		Entities:   ents,
		Executions: execs,
		Bus:        b,
		Logs:       logs,
	})
	return e, ents, execs
}

func waitTerminal(t *testing.T, execs execstore.Store, id string) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := execs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if ex != nil && ex.Status.Terminal() {
			return ex
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status in time", id)
	return nil
}

// TestCreateRunsStubAgentToCompletion exercises the happy path of core
// §4.6/§8: a local-mode execution with the stub agent type runs to
// completion with no files changed, since no OS subprocess or worktree
// is involved.
func TestCreateRunsStubAgentToCompletion(t *testing.T) {
	e, _, execs := newTestEngine(t)

	ctx := context.Background()
	ex, err := e.Create(ctx, "", CreateConfig{
		Mode:      model.ModeLocal,
		AgentType: "stub-agent",
	}, "do the thing")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitTerminal(t, execs, ex.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%s/%s)", final.Status, final.ErrorKind, final.ErrorMessage)
	}
	if len(final.FilesChanged) != 0 {
		t.Fatalf("expected no files changed, got %v", final.FilesChanged)
	}
	if final.SessionID == "" {
		t.Fatalf("expected session id to be stamped from the first system_message")
	}
}

// TestCreateRejectsSecondNonTerminalExecutionForSameIssue exercises
// invariant 1: at most one non-terminal execution per issue.
func TestCreateRejectsSecondNonTerminalExecutionForSameIssue(t *testing.T) {
	e, _, execs := newTestEngine(t)

	ctx := context.Background()
	now := time.Now()
	ex := &model.Execution{
		ID:        "existing",
		IssueID:   "issue-1",
		AgentType: "stub-agent",
		Mode:      model.ModeLocal,
		Status:    model.StatusRunning,
		Prompt:    "p",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := execs.Create(ctx, ex); err != nil {
		t.Fatalf("seed existing execution: %v", err)
	}

	_, err := e.Create(ctx, "issue-1", CreateConfig{Mode: model.ModeLocal, AgentType: "stub-agent"}, "again")
	if err == nil {
		t.Fatalf("expected conflict error, got nil")
	}
}

// TestCreateSerializesConcurrentCallsForSameIssue exercises invariant 1
// under concurrency: two Create calls racing for the same issue must not
// both observe no existing non-terminal execution (core §3.2 invariant 1,
// end-to-end scenario 3).
func TestCreateSerializesConcurrentCallsForSameIssue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	const attempts = 8
	results := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		go func() {
			<-start
			_, err := e.Create(ctx, "issue-race", CreateConfig{Mode: model.ModeLocal, AgentType: "stub-agent"}, "p")
			results <- err
		}()
	}
	close(start)

	successes := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one Create to succeed for the same issue, got %d", successes)
	}
}

// TestCancelOnUnknownExecutionIsNotFound exercises Cancel's error path.
func TestCancelOnUnknownExecutionIsNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.Cancel(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatalf("expected not found error")
	}
}

// TestFollowUpRequiresTerminalParent exercises the follow-up precondition.
func TestFollowUpRequiresTerminalParent(t *testing.T) {
	e, _, execs := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	parent := &model.Execution{
		ID:        "parent1",
		AgentType: "stub-agent",
		Mode:      model.ModeLocal,
		Status:    model.StatusRunning,
		Prompt:    "p",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := execs.Create(ctx, parent); err != nil {
		t.Fatalf("seed parent: %v", err)
	}

	_, err := e.FollowUp(ctx, "parent1", "follow up prompt", "")
	if err == nil {
		t.Fatalf("expected conflict error for non-terminal parent")
	}
}

// TestFollowUpReusesParentSessionAfterCompletion exercises the decided
// Open Question: a follow-up against a completed local-mode parent
// carries the parent's session id into Resume.
func TestFollowUpReusesParentSessionAfterCompletion(t *testing.T) {
	e, _, execs := newTestEngine(t)
	ctx := context.Background()

	ex, err := e.Create(ctx, "", CreateConfig{Mode: model.ModeLocal, AgentType: "stub-agent"}, "first")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, execs, ex.ID)

	follow, err := e.FollowUp(ctx, ex.ID, "second", "")
	if err != nil {
		t.Fatalf("follow up: %v", err)
	}
	final := waitTerminal(t, execs, follow.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected follow-up to complete, got %s", final.Status)
	}
	if final.ParentExecutionID != ex.ID {
		t.Fatalf("expected parent execution id to be recorded")
	}
}

func TestShutdownCancelsOutstandingExecutions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
