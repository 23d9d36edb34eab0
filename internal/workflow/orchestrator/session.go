package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/execweave/internal/agentprotocol"
	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
	wfmodel "github.com/sudocode-ai/execweave/internal/workflow/model"
)

// orchestratorSession is the agentprotocol.Session bound to an
// orchestrator execution via CreateConfig.SessionFactory: instead of a
// real agent subprocess, Run drives the workflow itself by issuing tool
// calls against a Host, emitting each as a tool_use/tool_result pair on
// the trajectory stream exactly as a real ACP agent's tool-use turns
// would, so the execution's log remains a faithful trajectory of what
// happened. Grounded on stubSession's no-subprocess, channel-producing
// shape (internal/agentprotocol/stub_session.go).
type orchestratorSession struct {
	host      *Host
	sessionID string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newOrchestratorSession(host *Host) agentprotocol.Session {
	return &orchestratorSession{host: host, sessionID: uuid.NewString()}
}

func (s *orchestratorSession) Capabilities() agentprotocol.Capabilities {
	return agentprotocol.Capabilities{}
}

func (s *orchestratorSession) Run(ctx context.Context, prompt string) (<-chan model.LogEntry, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan model.LogEntry, 32)
	go s.drive(runCtx, out)
	return out, nil
}

func (s *orchestratorSession) Resume(ctx context.Context, sessionID, prompt string) (<-chan model.LogEntry, error) {
	return nil, errs.New(errs.KindAgentProtocolFailure, "orchestrator session does not support resume")
}

func (s *orchestratorSession) Fork(ctx context.Context) (agentprotocol.Session, error) {
	return nil, errs.New(errs.KindAgentProtocolFailure, "orchestrator session does not support fork")
}

// Cancel stops the drive loop by cancelling the context it was started
// with. It does not cancel child executions bound through execute_issue;
// Engine.Cancel cancels those.
func (s *orchestratorSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *orchestratorSession) InterruptWith(ctx context.Context, newPrompt string) (<-chan model.LogEntry, error) {
	return nil, errs.New(errs.KindAgentProtocolFailure, "orchestrator session does not support interrupt")
}

func (s *orchestratorSession) SetMode(ctx context.Context, mode string) error {
	return errs.New(errs.KindAgentProtocolFailure, "orchestrator session does not support setMode")
}

func (s *orchestratorSession) RespondToPermission(requestID, optionID string) error {
	return errs.New(errs.KindNotFound, "orchestrator session never issues permission requests")
}

func (s *orchestratorSession) Close() error { return nil }

// drive is the deterministic stand-in for an LLM-driven orchestrator
// loop: poll workflow_status, fan every ready step out through
// execute_issue, and once nothing remains pending or running, call
// workflow_complete. Each tool call and its result is emitted on the
// trajectory exactly as a real orchestrator's tool-use turns would be.
func (s *orchestratorSession) drive(ctx context.Context, out chan<- model.LogEntry) {
	defer close(out)
	idx := 0
	emit := func(kind model.EntryKind, payload any) {
		out <- model.LogEntry{Index: idx, Kind: kind, Payload: payload, SessionID: s.sessionID}
		idx++
	}
	emit(model.EntrySystemMessage, model.SystemMessagePayload{Text: "orchestrator session started", SessionID: s.sessionID})

	started := make(map[string]bool)

	for {
		wf, ready, err := s.host.WorkflowStatus(ctx)
		if err != nil {
			emit(model.EntryError, model.ErrorPayload{Message: err.Error()})
			return
		}
		if wf.Status != wfmodel.StatusRunning {
			return
		}

		for _, stepID := range ready {
			if started[stepID] {
				continue
			}
			started[stepID] = true
			s.callExecuteIssue(ctx, emit, wf, stepID)
		}

		if allSettled(wf) {
			s.callWorkflowComplete(ctx, emit, wf)
			return
		}

		if _, err := s.host.AwaitEvent(ctx, []string{string(wfmodel.EventStepCompleted), string(wfmodel.EventStepFailed)}, 60*time.Second); err != nil {
			emit(model.EntryError, model.ErrorPayload{Message: err.Error()})
			return
		}
	}
}

func (s *orchestratorSession) callExecuteIssue(ctx context.Context, emit func(model.EntryKind, any), wf *wfmodel.Workflow, stepID string) {
	step := findStep(wf, stepID)
	if step == nil {
		return
	}
	agentType := step.AgentType
	if agentType == "" {
		agentType = wf.Config.DefaultAgentType
	}
	callID := uuid.NewString()
	emit(model.EntryToolUse, model.ToolUsePayload{
		ToolCallID: callID,
		ToolName:   "execute_issue",
		Status:     model.ToolUseRunning,
		Input:      map[string]string{"issueId": step.IssueID, "agentType": agentType},
	})
	executionID, err := s.host.ExecuteIssue(ctx, step.IssueID, agentType)
	if err != nil {
		emit(model.EntryToolResult, model.ToolResultPayload{ToolCallID: callID, Success: false, ErrorText: err.Error()})
		return
	}
	emit(model.EntryToolResult, model.ToolResultPayload{ToolCallID: callID, Success: true, Data: map[string]string{"executionId": executionID}})
}

func (s *orchestratorSession) callWorkflowComplete(ctx context.Context, emit func(model.EntryKind, any), wf *wfmodel.Workflow) {
	status := wfmodel.StatusCompleted
	summary := "all steps completed"
	for _, st := range wf.Steps {
		if st.Status == wfmodel.StepFailed {
			status = wfmodel.StatusFailed
			summary = "one or more steps failed"
			break
		}
	}
	callID := uuid.NewString()
	emit(model.EntryToolUse, model.ToolUsePayload{
		ToolCallID: callID,
		ToolName:   "workflow_complete",
		Status:     model.ToolUseRunning,
		Input:      map[string]string{"status": string(status), "summary": summary},
	})
	err := s.host.WorkflowComplete(ctx, status, summary)
	if err != nil {
		emit(model.EntryToolResult, model.ToolResultPayload{ToolCallID: callID, Success: false, ErrorText: err.Error()})
		return
	}
	emit(model.EntryToolResult, model.ToolResultPayload{ToolCallID: callID, Success: true})
}

func allSettled(wf *wfmodel.Workflow) bool {
	for _, s := range wf.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}
