// Package orchestrator implements the orchestrator Workflow Engine
// variant (C7.2): an overarching orchestrator execution (bound through
// C6 like any other execution) drives a workflow by issuing tool calls
// through a Host instead of a fixed DAG (core specification §4.7.2).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/errs"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	execmodel "github.com/sudocode-ai/execweave/internal/execution/model"
	"github.com/sudocode-ai/execweave/internal/logstore"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

// Host implements every tool call the orchestrator agent may issue (core
// §4.7.2's agent-facing API). Each method corresponds to one named tool.
// One Host is bound to exactly one workflow.
//
// Unlike the sequential engine's driver, nothing here advances the
// workflow's step array on its own: ExecuteIssue only binds and tracks a
// step the way startStep/watchStep do in internal/workflow/engine, so
// WorkflowStatus stays accurate, but progression is entirely driven by
// the orchestrator's own tool calls.
type Host struct {
	projectID  string
	workflowID string

	executions *execengine.Engine
	workflows  store.Store
	logs       logstore.Store
	awaiter    *awaiter
	bus        bus.Bus
	log        *logger.Logger

	mu sync.Mutex
}

func newHost(projectID, workflowID string, executions *execengine.Engine, workflows store.Store, logs logstore.Store, aw *awaiter, b bus.Bus, log *logger.Logger) *Host {
	if log == nil {
		log = logger.Default()
	}
	return &Host{
		projectID:  projectID,
		workflowID: workflowID,
		executions: executions,
		workflows:  workflows,
		logs:       logs,
		awaiter:    aw,
		bus:        b,
		log:        log.WithFields(zap.String("workflow_id", workflowID)),
	}
}

// WorkflowStatus returns the current step array and the set of step ids
// whose dependencies are all completed.
func (h *Host) WorkflowStatus(ctx context.Context) (*model.Workflow, []string, error) {
	wf, err := h.workflows.GetWorkflow(ctx, h.workflowID)
	if err != nil {
		return nil, nil, err
	}
	if wf == nil {
		return nil, nil, errs.New(errs.KindNotFound, "workflow "+h.workflowID)
	}
	var ready []string
	for _, s := range wf.Steps {
		if s.Status != model.StepPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			depStep := findStep(wf, dep)
			if depStep == nil || depStep.Status != model.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.ID)
		}
	}
	return wf, ready, nil
}

func findStep(wf *model.Workflow, id string) *model.Step {
	for _, s := range wf.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ExecuteIssue launches a child execution bound to issueID and returns
// its id; it passes through the same C6 pipeline as a sequential-engine
// step (core §4.7.2 "the orchestrator's own child-execution bindings pass
// through the same C6 pipeline"). The workflow's step array gains (or
// reuses) an entry for issueID so WorkflowStatus reflects it, tracked to
// completion the same way the sequential driver's watchStep does.
func (h *Host) ExecuteIssue(ctx context.Context, issueID, agentType string) (string, error) {
	wf, err := h.workflows.GetWorkflow(ctx, h.workflowID)
	if err != nil {
		return "", err
	}
	if wf == nil {
		return "", errs.New(errs.KindNotFound, "workflow "+h.workflowID)
	}
	if wf.Status != model.StatusRunning {
		return "", errs.New(errs.KindConflict, "workflow "+h.workflowID+" is not running")
	}

	prepared, err := h.executions.Prepare(ctx, issueID)
	if err != nil {
		return "", err
	}
	ex, err := h.executions.Create(ctx, issueID, execengine.CreateConfig{
		Mode:                execmodel.ModeWorktree,
		AgentType:           agentType,
		WorkflowExecutionID: h.workflowID,
	}, prepared.RenderedPrompt)
	if err != nil {
		return "", err
	}

	if err := h.bindStep(ctx, issueID, agentType, ex.ID); err != nil {
		h.log.Warn("binding orchestrator step failed", zap.String("issue_id", issueID), zap.Error(err))
	} else {
		go h.watchStepCompletion(ex.ID)
	}

	return ex.ID, nil
}

// bindStep records ex as the execution behind issueID's step, creating
// the step on first use (orchestrator workflows grow their step array
// dynamically instead of being pre-populated with a static DAG).
func (h *Host) bindStep(ctx context.Context, issueID, agentType, executionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	wf, err := h.workflows.GetWorkflow(ctx, h.workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return errs.New(errs.KindNotFound, "workflow "+h.workflowID)
	}

	step := stepForIssue(wf, issueID)
	if step == nil {
		step = &model.Step{ID: uuid.NewString(), IssueID: issueID, Index: len(wf.Steps)}
		wf.Steps = append(wf.Steps, step)
	}
	step.AgentType = agentType
	step.Status = model.StepRunning
	step.ExecutionID = executionID

	if err := h.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if h.bus != nil {
		h.bus.Publish(bus.Topic{ProjectID: h.projectID, Kind: bus.TopicWorkflow, ID: h.workflowID}, wf.Clone())
	}
	return nil
}

func stepForIssue(wf *model.Workflow, issueID string) *model.Step {
	for _, s := range wf.Steps {
		if s.IssueID == issueID && s.Status == model.StepPending {
			return s
		}
	}
	return nil
}

// watchStepCompletion waits for executionID to reach a terminal status and
// persists the matching step's outcome, the same bus-plus-poll race-closer
// internal/workflow/engine's driver.watchStep uses: a very fast execution
// can publish its terminal status_change before this subscription exists,
// since the in-process bus keeps no backlog for late subscribers.
func (h *Host) watchStepCompletion(executionID string) {
	ctx := context.Background()
	topic := bus.Topic{ProjectID: h.projectID, Kind: bus.TopicExecution, ID: executionID}
	sub := h.bus.Subscribe(topic)
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
				h.finishStep(ctx, executionID, sc.To)
				return
			}
		case <-ticker.C:
			ex, err := h.executions.Get(ctx, executionID)
			if err == nil && ex != nil && ex.Status.Terminal() {
				h.finishStep(ctx, executionID, ex.Status)
				return
			}
		}
	}
}

func (h *Host) finishStep(ctx context.Context, executionID string, status execmodel.Status) {
	h.mu.Lock()
	wf, err := h.workflows.GetWorkflow(ctx, h.workflowID)
	if err != nil || wf == nil {
		h.mu.Unlock()
		return
	}
	var step *model.Step
	for _, s := range wf.Steps {
		if s.ExecutionID == executionID {
			step = s
			break
		}
	}
	if step == nil {
		h.mu.Unlock()
		return
	}
	eventType := model.EventStepCompleted
	if status == execmodel.StatusCompleted {
		step.Status = model.StepCompleted
	} else {
		step.Status = model.StepFailed
		step.FailedReason = string(status)
		eventType = model.EventStepFailed
	}
	wf.AdvanceStepIndex()
	err = h.workflows.UpdateWorkflow(ctx, wf)
	clone := wf.Clone()
	h.mu.Unlock()

	if err != nil {
		h.log.Warn("persisting orchestrator step completion failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if h.bus != nil {
		h.bus.Publish(bus.Topic{ProjectID: h.projectID, Kind: bus.TopicWorkflow, ID: h.workflowID}, clone)
	}
	if h.awaiter != nil {
		h.awaiter.matchType(ctx, eventType)
	}
}

func (h *Host) ExecutionStatus(ctx context.Context, executionID string) (*execmodel.Execution, error) {
	return h.executions.Get(ctx, executionID)
}

func (h *Host) ExecutionTrajectory(ctx context.Context, executionID string, fromIndex, limit int) ([]execmodel.LogEntry, error) {
	return h.logs.Read(ctx, executionID, fromIndex, limit)
}

func (h *Host) ExecutionChanges(ctx context.Context, executionID string) ([]string, error) {
	ex, err := h.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, errs.New(errs.KindNotFound, "execution "+executionID)
	}
	return ex.FilesChanged, nil
}

func (h *Host) ExecutionCancel(ctx context.Context, executionID string) error {
	return h.executions.Cancel(ctx, executionID)
}

// WorkflowComplete is the orchestrator's terminal transition.
func (h *Host) WorkflowComplete(ctx context.Context, status model.Status, summary string) error {
	wf, err := h.workflows.GetWorkflow(ctx, h.workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return errs.New(errs.KindNotFound, "workflow "+h.workflowID)
	}
	wf.Status = status
	now := time.Now()
	wf.CompletedAt = &now
	if err := h.workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if h.bus != nil {
		h.bus.Publish(bus.Topic{ProjectID: h.projectID, Kind: bus.TopicWorkflow, ID: h.workflowID}, wf.Clone())
	}
	return nil
}

// EscalateToUser publishes the question on the workflow topic and blocks
// (via C8) on a user_message wait. Nothing in this package resolves that
// wait with an answer: it returns "timeout" once timeout elapses, or the
// context's error.
func (h *Host) EscalateToUser(ctx context.Context, message string, options []string, timeout time.Duration) (string, error) {
	if h.bus != nil {
		h.bus.Publish(bus.Topic{ProjectID: h.projectID, Kind: bus.TopicWorkflow, ID: h.workflowID}, escalation{Message: message, Options: options})
	}
	return h.awaiter.await(ctx, h.workflowID, []string{string(model.EventUserMessage)}, timeout)
}

// NotifyUser is fire-and-forget: publish a notice on the workflow topic.
func (h *Host) NotifyUser(ctx context.Context, level, message string) error {
	if h.bus != nil {
		h.bus.Publish(bus.Topic{ProjectID: h.projectID, Kind: bus.TopicWorkflow, ID: h.workflowID}, notice{Level: level, Message: message})
	}
	return nil
}

// AwaitEvent parks the orchestrator until one of eventTypes is observed
// on this workflow or the timeout elapses.
func (h *Host) AwaitEvent(ctx context.Context, eventTypes []string, timeout time.Duration) (string, error) {
	return h.awaiter.await(ctx, h.workflowID, eventTypes, timeout)
}

type escalation struct {
	Message string
	Options []string
}

type notice struct {
	Level   string
	Message string
}
