package engine

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

func newTestDeps(t *testing.T) (*execengine.Engine, store.Store, bus.Bus) {
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

	return ee, wfs, b
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

func TestSequentialWorkflowCompletesBothSteps(t *testing.T) {
	ee, wfs, b := newTestDeps(t)
	e := New(Dependencies{ProjectID: "proj1", Executions: ee, Workflows: wfs, Bus: b})

	wf, err := e.Create(context.Background(), CreateConfig{
		Title:  "two steps",
		Source: model.SourceIssues,
		Steps: []*model.Step{
			{ID: "s1", IssueID: "issue-1", Status: model.StepPending, AgentType: "stub-agent"},
			{ID: "s2", IssueID: "issue-2", Status: model.StepPending, AgentType: "stub-agent", DependsOn: []string{"s1"}},
		},
		Config: model.Config{Parallelism: model.Parallelism{N: 1}, OnFailure: "pause", DefaultAgentType: "stub-agent"},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
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

func TestValidateDAGRejectsCycle(t *testing.T) {
	ee, wfs, b := newTestDeps(t)
	e := New(Dependencies{ProjectID: "proj1", Executions: ee, Workflows: wfs, Bus: b})

	_, err := e.Create(context.Background(), CreateConfig{
		Steps: []*model.Step{
			{ID: "a", IssueID: "issue-1", Status: model.StepPending, DependsOn: []string{"b"}},
			{ID: "b", IssueID: "issue-2", Status: model.StepPending, DependsOn: []string{"a"}},
		},
		Config: model.Config{Parallelism: model.Parallelism{N: 1}, DefaultAgentType: "stub-agent"},
	})
	if err == nil {
		t.Fatalf("expected a cycle-detection error")
	}
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	ee, wfs, b := newTestDeps(t)
	e := New(Dependencies{ProjectID: "proj1", Executions: ee, Workflows: wfs, Bus: b})

	_, err := e.Create(context.Background(), CreateConfig{
		Steps: []*model.Step{
			{ID: "a", IssueID: "issue-1", Status: model.StepPending, DependsOn: []string{"missing"}},
		},
		Config: model.Config{Parallelism: model.Parallelism{N: 1}, DefaultAgentType: "stub-agent"},
	})
	if err == nil {
		t.Fatalf("expected an unknown-dependency error")
	}
}

func TestPauseRefusesNewStepsButResumeContinues(t *testing.T) {
	ee, wfs, b := newTestDeps(t)
	e := New(Dependencies{ProjectID: "proj1", Executions: ee, Workflows: wfs, Bus: b})

	wf, err := e.Create(context.Background(), CreateConfig{
		Steps: []*model.Step{
			{ID: "s1", IssueID: "issue-1", Status: model.StepPending, AgentType: "stub-agent"},
			{ID: "s2", IssueID: "issue-2", Status: model.StepPending, AgentType: "stub-agent", DependsOn: []string{"s1"}},
		},
		Config: model.Config{Parallelism: model.Parallelism{N: 1}, OnFailure: "pause", DefaultAgentType: "stub-agent"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Pause(context.Background(), wf.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.Resume(context.Background(), wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	waitWorkflowTerminal(t, wfs, wf.ID)
}
