package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/bus"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	execmodel "github.com/sudocode-ai/execweave/internal/execution/model"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
)

// driver is the single task that owns one workflow's DAG progression, per
// core §4.7's "effectively single-threaded" per-workflow driver.
type driver struct {
	engine *Engine
	wf     *model.Workflow

	cmds     chan command
	stepDone chan stepResult
	done     chan struct{}
}

func (d *driver) kick() {
	select {
	case d.cmds <- command{kind: cmdKick}:
	case <-d.done:
	}
}

func (d *driver) run() {
	defer close(d.done)
	defer d.engine.forgetDriver(d.wf.ID)

	ctx := context.Background()
	d.advance(ctx)

	for !d.wf.Status.Terminal() {
		select {
		case cmd := <-d.cmds:
			d.handleCommand(ctx, cmd)
		case res := <-d.stepDone:
			d.handleStepDone(ctx, res)
		}
		d.advance(ctx)
	}
}

func (d *driver) log() *logger.Logger {
	return d.engine.log.WithFields(zap.String("workflow_id", d.wf.ID))
}

func (d *driver) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdKick:
		// no-op; advance() runs after every iteration regardless.
	case cmdPause:
		if d.wf.Status == model.StatusRunning {
			d.wf.Status = model.StatusPaused
			d.persist(ctx)
		}
	case cmdResume:
		if d.wf.Status == model.StatusPaused {
			d.wf.Status = model.StatusRunning
			d.persist(ctx)
		}
	case cmdCancel:
		for _, step := range d.wf.Steps {
			if step.Status == model.StepRunning && step.ExecutionID != "" {
				if err := d.engine.deps.Executions.Cancel(ctx, step.ExecutionID); err != nil {
					d.log().Warn("cancel in-flight step execution failed", zap.String("step_id", step.ID), zap.Error(err))
				}
			}
		}
		d.wf.Status = model.StatusCancelled
		d.persist(ctx)
	}
}

// advance starts newly-ready steps up to the parallelism cap, then checks
// whether the workflow as a whole has reached a terminal state.
func (d *driver) advance(ctx context.Context) {
	if d.wf.Status == model.StatusRunning {
		running := 0
		for _, s := range d.wf.Steps {
			if s.Status == model.StepRunning {
				running++
			}
		}
		for running < d.wf.Config.Parallelism.N {
			next := d.nextReadyStep()
			if next == nil {
				break
			}
			d.startStep(ctx, next)
			running++
		}
	}
	d.maybeFinish(ctx)
}

func (d *driver) nextReadyStep() *model.Step {
	for _, s := range d.wf.Steps {
		if s.Status != model.StepPending {
			continue
		}
		ready := true
		for _, depID := range s.DependsOn {
			dep := d.findStep(depID)
			if dep == nil || dep.Status != model.StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			return s
		}
	}
	return nil
}

func (d *driver) findStep(id string) *model.Step {
	for _, s := range d.wf.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (d *driver) startStep(ctx context.Context, step *model.Step) {
	agentType := step.AgentType
	if agentType == "" {
		agentType = d.wf.Config.DefaultAgentType
	}

	prepared, err := d.engine.deps.Executions.Prepare(ctx, step.IssueID)
	if err != nil {
		d.log().Error("preparing step issue failed", zap.String("step_id", step.ID), zap.Error(err))
		step.Status = model.StepFailed
		step.FailedReason = "prepare_failed"
		d.applyOnFailure(ctx)
		d.persist(ctx)
		return
	}

	ex, err := d.engine.deps.Executions.Create(ctx, step.IssueID, execengine.CreateConfig{
		Mode:                execmodel.ModeWorktree,
		BaseBranch:          d.wf.BaseBranch,
		AgentType:           agentType,
		WorkflowExecutionID: d.wf.ID,
	}, prepared.RenderedPrompt)
	if err != nil {
		d.log().Error("binding step execution failed", zap.String("step_id", step.ID), zap.Error(err))
		step.Status = model.StepFailed
		step.FailedReason = "spawn_failed"
		d.applyOnFailure(ctx)
		d.persist(ctx)
		return
	}

	step.Status = model.StepRunning
	step.ExecutionID = ex.ID
	d.persist(ctx)

	go d.watchStep(step.ID, ex.ID)
}

// watchStep waits for step's bound execution to reach a terminal status,
// reporting it back to the driver's single-writer loop via stepDone.
// Subscribing to the bus is the fast path; a polling fallback guards
// against the execution having already reached a terminal status (and
// published its status_change) before this subscription was established.
func (d *driver) watchStep(stepID, executionID string) {
	topic := bus.Topic{ProjectID: d.engine.deps.ProjectID, Kind: bus.TopicExecution, ID: executionID}
	sub := d.engine.deps.Bus.Subscribe(topic)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			entry, ok := msg.Payload.(execmodel.LogEntry)
			if !ok || entry.Kind != execmodel.EntryStatusChange {
				continue
			}
			sc, ok := entry.Payload.(execmodel.StatusChangePayload)
			if ok && sc.To.Terminal() {
				d.report(stepID, sc.To)
				return
			}

		case <-ticker.C:
			ex, err := d.engine.deps.Executions.Get(context.Background(), executionID)
			if err == nil && ex != nil && ex.Status.Terminal() {
				d.report(stepID, ex.Status)
				return
			}
		}
	}
}

func (d *driver) report(stepID string, status execmodel.Status) {
	select {
	case d.stepDone <- stepResult{stepID: stepID, status: status}:
	case <-d.done:
	}
}

func (d *driver) handleStepDone(ctx context.Context, res stepResult) {
	step := d.findStep(res.stepID)
	if step == nil {
		return
	}
	switch res.status {
	case execmodel.StatusCompleted:
		step.Status = model.StepCompleted
	default:
		step.Status = model.StepFailed
		if step.FailedReason == "" {
			step.FailedReason = string(res.status)
		}
		d.applyOnFailure(ctx)
	}
	d.persist(ctx)
}

// applyOnFailure implements the workflow's onFailure policy (core
// §4.7.1): pause halts new starts, continue skips only the failed step's
// dependents, abort fails the whole workflow and cancels in-flight steps.
func (d *driver) applyOnFailure(ctx context.Context) {
	switch d.wf.Config.OnFailure {
	case "continue":
		for _, s := range d.wf.Steps {
			if s.Status == model.StepFailed {
				d.skipDependents(s.ID)
			}
		}
	case "abort":
		for _, s := range d.wf.Steps {
			if s.Status == model.StepRunning && s.ExecutionID != "" {
				if err := d.engine.deps.Executions.Cancel(ctx, s.ExecutionID); err != nil {
					d.log().Warn("cancel in-flight step during abort failed", zap.String("step_id", s.ID), zap.Error(err))
				}
			}
		}
		d.wf.Status = model.StatusFailed
	default: // "pause" or unset
		d.wf.Status = model.StatusPaused
	}
}

// skipDependents recursively marks every step that (transitively) depends
// on failedStepID as skipped, unless it is already terminal.
func (d *driver) skipDependents(failedStepID string) {
	for _, s := range d.wf.Steps {
		if s.Status.skippable() {
			for _, dep := range s.DependsOn {
				if dep == failedStepID {
					s.Status = model.StepSkipped
					d.skipDependents(s.ID)
					break
				}
			}
		}
	}
}

func (d *driver) maybeFinish(ctx context.Context) {
	if d.wf.Status != model.StatusRunning {
		return
	}
	anyFailed := false
	for _, s := range d.wf.Steps {
		if !s.Status.Terminal() {
			return // still pending or running steps remain
		}
		if s.Status == model.StepFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		d.wf.Status = model.StatusFailed
	} else {
		d.wf.Status = model.StatusCompleted
	}
	d.persist(ctx)
}

func (d *driver) persist(ctx context.Context) {
	d.wf.AdvanceStepIndex()
	now := time.Now()
	if d.wf.Status.Terminal() {
		d.wf.CompletedAt = &now
	}
	if err := d.engine.deps.Workflows.UpdateWorkflow(ctx, d.wf); err != nil {
		d.log().Error("persisting workflow failed", zap.Error(err))
	}
	if d.engine.deps.Bus != nil {
		d.engine.deps.Bus.Publish(bus.Topic{ProjectID: d.engine.deps.ProjectID, Kind: bus.TopicWorkflow, ID: d.wf.ID}, d.wf.Clone())
	}
}
