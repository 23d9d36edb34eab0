// Package engine implements the sequential Workflow Engine (C7.1): DAG
// scheduling of executions bound through C6, pause/resume/cancel, and
// onFailure policy application (core specification §4.7.1).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/errs"
	execmodel "github.com/sudocode-ai/execweave/internal/execution/model"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

// Dependencies are the sequential engine's narrow collaborators.
type Dependencies struct {
	ProjectID  string
	Executions *execengine.Engine
	Workflows  store.Store
	Bus        bus.Bus
	Logger     *logger.Logger
}

// CreateConfig describes a new workflow's step DAG (core §3.1, §4.7.1).
type CreateConfig struct {
	Title      string
	Source     model.SourceKind
	Steps      []*model.Step
	Config     model.Config
	BaseBranch string
}

// Engine owns every live workflow's driver in this project.
type Engine struct {
	deps Dependencies
	log  *logger.Logger

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool
}

func New(deps Dependencies) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Engine{deps: deps, log: log.WithFields(zap.String("project_id", deps.ProjectID)), drivers: make(map[string]*driver)}
}

// Create validates the step DAG, persists a new workflow already in
// `running` status, and starts its driver.
func (e *Engine) Create(ctx context.Context, cfg CreateConfig) (*model.Workflow, error) {
	if err := validateDAG(cfg.Steps); err != nil {
		return nil, err
	}
	if cfg.Config.Parallelism.N <= 0 {
		cfg.Config.Parallelism.N = 1
	}

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

	d := e.startDriver(wf)
	d.kick()
	return wf, nil
}

// validateDAG rejects cycles and dependencies that point outside the
// graph (core §4.7.1 "validates the step DAG ... at creation").
func validateDAG(steps []*model.Step) error {
	ids := make(map[string]*model.Step, len(steps))
	for _, s := range steps {
		ids[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return errs.New(errs.KindConflict, fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return errs.New(errs.KindConflict, "workflow step DAG contains a cycle at "+id)
		}
		color[id] = gray
		for _, dep := range ids[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) startDriver(wf *model.Workflow) *driver {
	d := &driver{
		engine:   e,
		wf:       wf,
		cmds:     make(chan command, 8),
		stepDone: make(chan stepResult, 16),
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	e.drivers[wf.ID] = d
	e.mu.Unlock()
	go d.run()
	return d
}

func (e *Engine) forgetDriver(id string) {
	e.mu.Lock()
	delete(e.drivers, id)
	e.mu.Unlock()
}

func (e *Engine) lookup(id string) *driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drivers[id]
}

func (e *Engine) Get(ctx context.Context, id string) (*model.Workflow, error) {
	return e.deps.Workflows.GetWorkflow(ctx, id)
}

func (e *Engine) List(ctx context.Context, statusFilter []model.Status) ([]*model.Workflow, error) {
	return e.deps.Workflows.ListWorkflows(ctx, statusFilter)
}

// Pause refuses to start new steps but allows in-flight steps to finish.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.send(ctx, id, command{kind: cmdPause})
}

// Resume allows a paused workflow to continue scheduling ready steps.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.send(ctx, id, command{kind: cmdResume})
}

// Cancel cancels every in-flight step's execution and marks the workflow
// cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.send(ctx, id, command{kind: cmdCancel})
}

func (e *Engine) send(ctx context.Context, id string, cmd command) error {
	d := e.lookup(id)
	if d == nil {
		return errs.New(errs.KindNotFound, "workflow "+id)
	}
	select {
	case d.cmds <- cmd:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover loads every workflow not yet in a terminal status and rebuilds
// its driver (core §4.7.3): steps left `running` whose bound execution
// did not also reach a terminal status are presumed crashed (their
// subprocess cannot have survived a host restart).
func (e *Engine) Recover(ctx context.Context) error {
	wfs, err := e.deps.Workflows.ListWorkflows(ctx, []model.Status{model.StatusPending, model.StatusRunning, model.StatusPaused})
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "listing workflows for recovery", err)
	}
	for _, wf := range wfs {
		changed := false
		for _, step := range wf.Steps {
			if step.Status != model.StepRunning {
				continue
			}
			ex, err := e.deps.Executions.Get(ctx, step.ExecutionID)
			if err != nil || ex == nil || !ex.Status.Terminal() {
				step.Status = model.StepFailed
				step.FailedReason = "crashed"
				changed = true
				continue
			}
			if ex.Status == execmodel.StatusCompleted {
				step.Status = model.StepCompleted
			} else {
				step.Status = model.StepFailed
				step.FailedReason = "failed"
			}
			changed = true
		}

		d := &driver{engine: e, wf: wf, cmds: make(chan command, 8), stepDone: make(chan stepResult, 16), done: make(chan struct{})}
		if changed {
			for _, step := range wf.Steps {
				if step.Status == model.StepFailed {
					d.applyOnFailure(ctx)
				}
			}
			if err := e.deps.Workflows.UpdateWorkflow(ctx, wf); err != nil {
				e.log.Error("persisting recovered workflow failed", zap.String("workflow_id", wf.ID), zap.Error(err))
			}
		}

		e.mu.Lock()
		e.drivers[wf.ID] = d
		e.mu.Unlock()
		go d.run()
		if wf.Status == model.StatusRunning {
			d.kick()
		}
	}
	return nil
}

// Shutdown cancels every in-flight workflow driver, bounded by a deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range drivers {
		wg.Add(1)
		go func(d *driver) {
			defer wg.Done()
			select {
			case d.cmds <- command{kind: cmdCancel}:
			case <-d.done:
			}
			select {
			case <-d.done:
			case <-time.After(10 * time.Second):
			}
		}(d)
	}
	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-ctx.Done():
		e.log.Warn("workflow shutdown deadline exceeded with drivers still outstanding")
	}
	return nil
}

const (
	cmdPause = iota
	cmdResume
	cmdCancel
	cmdKick
)

type command struct {
	kind int
}

type stepResult struct {
	stepID string
	status execmodel.Status
}
