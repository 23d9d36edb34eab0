// Package orchestrator implements the orchestrator Workflow Engine
// variant (C7.2): instead of a fixed DAG driven by internal/workflow/engine,
// one overarching "orchestrator" execution -- bound through C6 exactly like
// any other execution, via the CreateConfig.SessionFactory hook -- drives
// the workflow forward by issuing tool calls against a Host (core
// specification §4.7.2).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/agentprotocol"
	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/errs"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	execmodel "github.com/sudocode-ai/execweave/internal/execution/model"
	"github.com/sudocode-ai/execweave/internal/logstore"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

// Dependencies are the orchestrator engine's narrow collaborators.
type Dependencies struct {
	ProjectID  string
	Executions *execengine.Engine
	Workflows  store.Store
	Bus        bus.Bus
	Logs       logstore.Store
	Logger     *logger.Logger
}

// CreateConfig describes a new orchestrator-driven workflow. Steps, if
// given, seed the step array (e.g. a known initial issue set); the
// orchestrator is free to add more via execute_issue.
type CreateConfig struct {
	Title      string
	Source     model.SourceKind
	Steps      []*model.Step
	Config     model.Config
	BaseBranch string
}

// Engine owns every live orchestrator-driven workflow in this project. A
// single wakeup.Service-backed awaiter is shared by every workflow's Host
// so escalate_to_user/await_event calls across different workflows never
// cross-deliver (each is keyed by its own durable event id).
type Engine struct {
	deps Dependencies
	log  *logger.Logger
	aw   *awaiter

	mu    sync.Mutex
	hosts map[string]*Host
}

func New(deps Dependencies, wakeupStore store.Store) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("project_id", deps.ProjectID))
	return &Engine{deps: deps, log: log, aw: newAwaiter(wakeupStore, log), hosts: make(map[string]*Host)}
}

// Create persists a new running workflow and binds an orchestrator
// execution to it whose trajectory is produced by an orchestratorSession
// instead of a real agent subprocess.
func (e *Engine) Create(ctx context.Context, cfg CreateConfig) (*model.Workflow, error) {
	now := time.Now()
	wf := &model.Workflow{
		ID:         uuid.NewString(),
		Title:      cfg.Title,
		Status:     model.StatusRunning,
		Source:     cfg.Source,
		Steps:      cfg.Steps,
		BaseBranch: cfg.BaseBranch,
		Config:     cfg.Config,
		CreatedAt:  now,
		StartedAt:  &now,
		UpdatedAt:  now,
	}
	if err := e.deps.Workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "inserting workflow", err)
	}

	host := newHost(e.deps.ProjectID, wf.ID, e.deps.Executions, e.deps.Workflows, e.deps.Logs, e.aw, e.deps.Bus, e.log)
	e.mu.Lock()
	e.hosts[wf.ID] = host
	e.mu.Unlock()

	agentType := cfg.Config.DefaultAgentType
	ex, err := e.deps.Executions.Create(ctx, "", execengine.CreateConfig{
		Mode:                execmodel.ModeWorktree,
		BaseBranch:          cfg.BaseBranch,
		AgentType:           agentType,
		WorkflowExecutionID: wf.ID,
		SessionFactory: func() (agentprotocol.Session, error) {
			return newOrchestratorSession(host), nil
		},
	}, cfg.Title)
	if err != nil {
		wf.Status = model.StatusFailed
		wf.CompletedAt = &now
		_ = e.deps.Workflows.UpdateWorkflow(ctx, wf)
		return nil, errs.Wrap(errs.KindFatal, "binding orchestrator execution", err)
	}

	wf.OrchestratorExecutionID = ex.ID
	if err := e.deps.Workflows.UpdateWorkflow(ctx, wf); err != nil {
		e.log.Warn("persisting orchestrator execution binding failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	return wf, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*model.Workflow, error) {
	return e.deps.Workflows.GetWorkflow(ctx, id)
}

// Host returns the live Host bound to workflowID, for RegisterTools'
// HostLookup to resolve a tool call's workflow_id argument against.
func (e *Engine) Host(workflowID string) (*Host, error) {
	e.mu.Lock()
	h, ok := e.hosts[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "orchestrator host for workflow "+workflowID)
	}
	return h, nil
}

func (e *Engine) List(ctx context.Context, statusFilter []model.Status) ([]*model.Workflow, error) {
	return e.deps.Workflows.ListWorkflows(ctx, statusFilter)
}

// Pause flips the workflow to paused; Host.ExecuteIssue refuses to bind
// new steps while paused, mirroring the sequential driver's pause
// semantics, but any in-flight child execution keeps running.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.setStatus(ctx, id, model.StatusPaused, model.StatusRunning)
}

// Resume flips a paused workflow back to running.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.setStatus(ctx, id, model.StatusRunning, model.StatusPaused)
}

func (e *Engine) setStatus(ctx context.Context, id string, to, from model.Status) error {
	wf, err := e.deps.Workflows.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf == nil {
		return errs.New(errs.KindNotFound, "workflow "+id)
	}
	if wf.Status != from {
		return nil
	}
	wf.Status = to
	if err := e.deps.Workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.Topic{ProjectID: e.deps.ProjectID, Kind: bus.TopicWorkflow, ID: id}, wf.Clone())
	}
	return nil
}

// Cancel cancels every running step's child execution and the
// orchestrator's own root execution, and marks the workflow cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	wf, err := e.deps.Workflows.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf == nil {
		return errs.New(errs.KindNotFound, "workflow "+id)
	}
	if wf.Status.Terminal() {
		return nil
	}
	for _, step := range wf.Steps {
		if step.Status == model.StepRunning && step.ExecutionID != "" {
			if err := e.deps.Executions.Cancel(ctx, step.ExecutionID); err != nil {
				e.log.Warn("cancelling in-flight step execution failed", zap.String("workflow_id", id), zap.String("step_id", step.ID), zap.Error(err))
			}
		}
	}
	if wf.OrchestratorExecutionID != "" {
		if err := e.deps.Executions.Cancel(ctx, wf.OrchestratorExecutionID); err != nil {
			e.log.Warn("cancelling orchestrator execution failed", zap.String("workflow_id", id), zap.Error(err))
		}
	}
	wf.Status = model.StatusCancelled
	now := time.Now()
	wf.CompletedAt = &now
	if err := e.deps.Workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.Topic{ProjectID: e.deps.ProjectID, Kind: bus.TopicWorkflow, ID: id}, wf.Clone())
	}
	return nil
}

// Recover reloads every non-terminal orchestrator workflow's Host so
// in-flight escalate_to_user/await_event timers can be re-armed by the
// shared awaiter's underlying wakeup.Service.
func (e *Engine) Recover(ctx context.Context) error {
	wfs, err := e.deps.Workflows.ListWorkflows(ctx, []model.Status{model.StatusPending, model.StatusRunning, model.StatusPaused})
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "listing workflows for recovery", err)
	}
	for _, wf := range wfs {
		if wf.Config.Orchestrated {
			host := newHost(e.deps.ProjectID, wf.ID, e.deps.Executions, e.deps.Workflows, e.deps.Logs, e.aw, e.deps.Bus, e.log)
			e.mu.Lock()
			e.hosts[wf.ID] = host
			e.mu.Unlock()
		}
	}
	return e.aw.svc.Recover(ctx)
}

// Shutdown stops the shared awaiter's in-memory timers (Recover re-arms
// them from the durable store on the next startup).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.aw.svc.Close()
	return nil
}
