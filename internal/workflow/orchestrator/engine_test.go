package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/entitystore"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	execstore "github.com/sudocode-ai/execweave/internal/execution/store"
	"github.com/sudocode-ai/execweave/internal/logstore"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
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

	wfDB, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open workflow db: %v", err)
	}
	wfs, err := store.NewSQLiteStore(wfDB)
	if err != nil {
		t.Fatalf("new workflow store: %v", err)
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

	ee := execengine.New(execengine.Dependencies{
		ProjectID:  "proj1",
		Entities:   ents,
		Executions: execs,
		Bus:        b,
		Logs:       logs,
	})

	seedIssue(t, entDB, "issue-1")
	seedIssue(t, entDB, "issue-2")

	e := New(Dependencies{
		ProjectID:  "proj1",
		Executions: ee,
		Workflows:  wfs,
		Bus:        b,
		Logs:       logs,
	}, wfs)

	return e, wfs
}

func seedIssue(t *testing.T, db *sqlx.DB, id string) {
	t.Helper()
	now := time.Now()
	_, err := db.Exec(`INSERT INTO issues (id, title, content, status, priority, spec_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "title-"+id, "do the thing", "open", 0, "", now, now)
	if err != nil {
		t.Fatalf("seed issue %s: %v", id, err)
	}
}

func waitWorkflowTerminal(t *testing.T, wfs store.Store, id string) *model.Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := wfs.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if wf != nil && wf.Status.Terminal() {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal status in time", id)
	return nil
}

func TestOrchestratorDrivesSeededStepsToCompletion(t *testing.T) {
	e, wfs := newTestEngine(t)

	wf, err := e.Create(context.Background(), CreateConfig{
		Title:  "orchestrated run",
		Source: model.SourceIssues,
		Steps: []*model.Step{
			{ID: "s1", IssueID: "issue-1", Status: model.StepPending},
			{ID: "s2", IssueID: "issue-2", Status: model.StepPending, DependsOn: []string{"s1"}},
		},
		Config: model.Config{OnFailure: "pause", DefaultAgentType: "stub-agent", Orchestrated: true},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wf.OrchestratorExecutionID == "" {
		t.Fatalf("expected an orchestrator execution to be bound")
	}

	final := waitWorkflowTerminal(t, wfs, wf.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	for _, s := range final.Steps {
		if s.Status != model.StepCompleted {
			t.Fatalf("expected step %s completed, got %s", s.ID, s.Status)
		}
	}
}

func TestOrchestratorWithNoSeededStepsCompletesImmediately(t *testing.T) {
	e, wfs := newTestEngine(t)

	wf, err := e.Create(context.Background(), CreateConfig{
		Title:  "empty orchestrated run",
		Source: model.SourceIssues,
		Config: model.Config{OnFailure: "pause", DefaultAgentType: "stub-agent", Orchestrated: true},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final := waitWorkflowTerminal(t, wfs, wf.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestCancelStopsOrchestratorWorkflow(t *testing.T) {
	e, wfs := newTestEngine(t)

	// s1 depends on a step id that doesn't exist, so it can never become
	// ready; the orchestrator session just idles on await_event, giving
	// Cancel a deterministically still-running workflow to act on instead
	// of racing a step that might complete before Cancel is called.
	wf, err := e.Create(context.Background(), CreateConfig{
		Title:  "cancel me",
		Source: model.SourceIssues,
		Steps: []*model.Step{
			{ID: "s1", IssueID: "issue-1", Status: model.StepPending, DependsOn: []string{"never"}},
		},
		Config: model.Config{OnFailure: "pause", DefaultAgentType: "stub-agent", Orchestrated: true},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := wfs.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

// TestHostExecuteIssueRefusesWhenWorkflowNotRunning exercises the Host
// directly against a hand-seeded paused workflow row, rather than going
// through Engine.Create, so it isn't racing the background orchestrator
// session that Engine.Create would otherwise spin up.
func TestHostExecuteIssueRefusesWhenWorkflowNotRunning(t *testing.T) {
	_, wfs := newTestEngine(t)

	wf := &model.Workflow{
		ID:        "wf-paused",
		Title:     "paused",
		Status:    model.StatusPaused,
		Source:    model.SourceIssues,
		Config:    model.Config{DefaultAgentType: "stub-agent", Orchestrated: true},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := wfs.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}

	host := newHost("proj1", wf.ID, nil, wfs, nil, nil, nil, nil)
	if _, err := host.ExecuteIssue(context.Background(), "issue-2", "stub-agent"); err == nil {
		t.Fatalf("expected execute_issue to be refused while not running")
	}
}
