package agentprotocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
	"github.com/sudocode-ai/execweave/pkg/acp/jsonrpc"
)

// acpSession adapts an ACP-speaking agent subprocess to the Session
// interface. Grounded on the teacher's internal/agent/acp/session.go
// (SessionManager/Session/CreateSession/Prompt/handleNotification/
// handleRequest/handleRequestPermission), re-expressed against the
// narrower tagged-variant Session interface and the normalized LogEntry
// stream instead of the teacher's UI-bound event types.
type acpSession struct {
	client *jsonrpc.Client
	cfg    SessionConfig

	mu        sync.Mutex
	sessionID string
	caps      Capabilities

	perms *permissionBroker

	entryIdx atomic.Int64
	stamped  atomic.Bool

	outMu sync.Mutex
	out   chan model.LogEntry

	closeOnce sync.Once
}

func newACPSession(cfg SessionConfig) (Session, error) {
	stdin, ok := cfg.Stdin.(interface {
		Write([]byte) (int, error)
	})
	if !ok {
		return nil, errs.New(errs.KindAgentSpawnFailure, "acp session requires a writable stdin")
	}
	stdout, ok := cfg.Stdout.(interface {
		Read([]byte) (int, error)
	})
	if !ok {
		return nil, errs.New(errs.KindAgentSpawnFailure, "acp session requires a readable stdout")
	}

	r := &readerAdapter{r: stdout}
	w := &writeCloserAdapter{w: stdin}
	client := jsonrpc.NewClient(r, w)

	s := &acpSession{
		client: client,
		cfg:    cfg,
		perms:  newPermissionBroker(),
	}
	client.SetNotificationHandler(s.handleNotification)
	client.SetRequestHandler(s.handleRequest)

	var initRes jsonrpc.InitializeResult
	err := client.Call(jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      jsonrpc.ClientInfo{Name: "execweave", Version: "1"},
		Capabilities:    jsonrpc.ClientCapabilities{Streaming: true},
	}, &initRes)
	if err != nil {
		return nil, errs.Wrap(errs.KindAgentProtocolFailure, "initialize handshake failed", err)
	}
	s.caps = Capabilities{
		Resume:        initRes.Capabilities.Resume,
		Fork:          initRes.Capabilities.Fork,
		InterruptWith: true,
		SetMode:       initRes.Capabilities.SetMode,
	}
	return s, nil
}

func (s *acpSession) Capabilities() Capabilities { return s.caps }

func (s *acpSession) emit(kind model.EntryKind, payload any) {
	e := model.LogEntry{
		Index:     int(s.entryIdx.Add(1)) - 1,
		Timestamp: timeNow(),
		Kind:      kind,
		Payload:   payload,
	}
	if kind == model.EntrySystemMessage && s.stamped.CompareAndSwap(false, true) {
		s.mu.Lock()
		e.SessionID = s.sessionID
		s.mu.Unlock()
	}
	s.outMu.Lock()
	out := s.out
	s.outMu.Unlock()
	if out != nil {
		out <- e
	}
}

func (s *acpSession) Run(ctx context.Context, prompt string) (<-chan model.LogEntry, error) {
	var res jsonrpc.SessionNewResult
	if err := s.client.Call(jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{Cwd: s.cfg.Cwd}, &res); err != nil {
		return nil, errs.Wrap(errs.KindAgentProtocolFailure, "session/new failed", err)
	}
	s.mu.Lock()
	s.sessionID = res.SessionID
	s.mu.Unlock()

	return s.startStream(ctx, prompt)
}

func (s *acpSession) Resume(ctx context.Context, sessionID, prompt string) (<-chan model.LogEntry, error) {
	if !s.caps.Resume {
		return nil, errs.New(errs.KindResumeUnsupported, "agent type "+s.cfg.AgentType+" does not support resume")
	}
	var res jsonrpc.SessionLoadResult
	if err := s.client.Call(jsonrpc.MethodSessionLoad, jsonrpc.SessionLoadParams{SessionID: sessionID}, &res); err != nil {
		return nil, errs.Wrap(errs.KindAgentProtocolFailure, "session/load failed", err)
	}
	if !res.Restored {
		return nil, errs.New(errs.KindRecoveryMismatch, "agent declined to restore session "+sessionID)
	}
	s.mu.Lock()
	s.sessionID = res.SessionID
	s.mu.Unlock()
	return s.startStream(ctx, prompt)
}

func (s *acpSession) Fork(ctx context.Context) (Session, error) {
	if !s.caps.Fork {
		return nil, errs.New(errs.KindAgentProtocolFailure, "agent type "+s.cfg.AgentType+" does not support fork")
	}
	// The ACP wire protocol has no dedicated fork method; forking means
	// loading the same session id into a fresh subprocess, which is the
	// caller's responsibility (new worktree + process + session). We
	// surface the current session id so the caller can Resume() on it.
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	return nil, errs.New(errs.KindAgentProtocolFailure, fmt.Sprintf("fork requires a new process resumed from session %s", id))
}

func (s *acpSession) Cancel(ctx context.Context) error {
	if err := s.client.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{Reason: "cancelled"}); err != nil {
		return errs.Wrap(errs.KindAgentProtocolFailure, "session/cancel failed", err)
	}
	return nil
}

func (s *acpSession) InterruptWith(ctx context.Context, newPrompt string) (<-chan model.LogEntry, error) {
	if err := s.Cancel(ctx); err != nil {
		return nil, err
	}
	return s.startStream(ctx, newPrompt)
}

func (s *acpSession) SetMode(ctx context.Context, mode string) error {
	if !s.caps.SetMode {
		return errs.New(errs.KindAgentProtocolFailure, "agent type "+s.cfg.AgentType+" does not support setMode")
	}
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if err := s.client.Call("session/set_mode", jsonrpc.SessionSetModeParams{SessionID: id, Mode: mode}, nil); err != nil {
		return errs.Wrap(errs.KindAgentProtocolFailure, "setMode failed", err)
	}
	return nil
}

func (s *acpSession) RespondToPermission(requestID, optionID string) error {
	return s.perms.resolve(requestID, optionID)
}

func (s *acpSession) Close() error {
	s.closeOnce.Do(func() {
		s.perms.closeAll()
		s.outMu.Lock()
		if s.out != nil {
			close(s.out)
		}
		s.outMu.Unlock()
	})
	return s.client.Close()
}

func (s *acpSession) startStream(ctx context.Context, prompt string) (<-chan model.LogEntry, error) {
	out := make(chan model.LogEntry, 64)
	s.outMu.Lock()
	s.out = out
	s.outMu.Unlock()

	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()

	go func() {
		err := s.client.Call(jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
			SessionID: id,
			Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: prompt}},
		}, &jsonrpc.SessionPromptResult{})
		if err != nil {
			s.emit(model.EntryError, model.ErrorPayload{Message: err.Error()})
		}
		s.outMu.Lock()
		if s.out == out {
			close(out)
			s.out = nil
		}
		s.outMu.Unlock()
	}()

	return out, nil
}

// handleNotification translates session/update notifications into
// normalized trajectory entries, the teacher's
// handleNotification/translateUpdate logic collapsed to the smaller
// normalized kind set.
func (s *acpSession) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		return
	}
	var upd jsonrpc.SessionUpdate
	if err := json.Unmarshal(params, &upd); err != nil {
		return
	}
	switch upd.Type {
	case "agent_message_chunk":
		var c jsonrpc.SessionUpdateContent
		if json.Unmarshal(upd.Data, &c) == nil {
			s.emit(model.EntryAssistantMessage, model.AssistantMessagePayload{MessageID: c.MessageID, Text: c.Text})
		}
	case "user_message_chunk":
		var c jsonrpc.SessionUpdateContent
		if json.Unmarshal(upd.Data, &c) == nil {
			s.emit(model.EntryUserMessage, model.UserMessagePayload{Text: c.Text})
		}
	case "agent_thought_chunk":
		var t jsonrpc.SessionUpdateThinking
		if json.Unmarshal(upd.Data, &t) == nil {
			s.emit(model.EntryThinking, model.ThinkingPayload{Text: t.Text})
		}
	case "tool_call", "tool_call_update":
		var tc jsonrpc.SessionUpdateToolCall
		if json.Unmarshal(upd.Data, &tc) == nil {
			s.emit(model.EntryToolUse, model.ToolUsePayload{
				ToolCallID: tc.ToolCallID,
				ToolName:   tc.ToolName,
				Action:     tc.Action,
				Status:     model.ToolUseStatus(tc.Status),
				Result:     tc.Result,
			})
		}
	case "error":
		var e jsonrpc.SessionUpdateError
		if json.Unmarshal(upd.Data, &e) == nil {
			s.emit(model.EntryError, model.ErrorPayload{Message: e.Message, Stack: e.Stack})
		}
	}
}

// handleRequest answers session/request_permission by emitting a
// permission_request entry and blocking until RespondToPermission (or
// process teardown) resolves it. Grounded on the teacher's
// handleRequestPermission/waitForPermissionResponse/autoApprovePermission
// pairing; unlike the teacher, there is no auto-approve fallback here --
// the caller's configured AutonomyLevel decides whether to answer
// automatically, by calling RespondToPermission itself.
func (s *acpSession) handleRequest(method string, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	if method != jsonrpc.MethodRequestPermission {
		return nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "unsupported request: " + method}
	}
	var req jsonrpc.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}

	requestID := req.ToolCall.ToolCallID
	opts := make([]model.PermissionOption, 0, len(req.Options))
	for _, o := range req.Options {
		opts = append(opts, model.PermissionOption{ID: o.OptionID, Label: o.Name})
	}
	payload := model.PermissionRequestPayload{
		RequestID: requestID,
		ToolCall:  model.ToolUsePayload{ToolCallID: req.ToolCall.ToolCallID, ToolName: req.ToolCall.Title},
		Options:   opts,
	}
	wait := s.perms.open(requestID)
	s.emit(model.EntryPermissionRequest, payload)

	if s.cfg.OnPermission != nil {
		s.cfg.OnPermission(payload)
	}

	optionID, ok := <-wait
	if !ok {
		return jsonrpc.RequestPermissionResult{Outcome: jsonrpc.PermissionOutcome{Outcome: "cancelled"}}, nil
	}
	return jsonrpc.RequestPermissionResult{Outcome: jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: optionID}}, nil
}

type readerAdapter struct {
	r interface{ Read([]byte) (int, error) }
}

func (a *readerAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }

type writeCloserAdapter struct {
	w interface{ Write([]byte) (int, error) }
}

func (a *writeCloserAdapter) Write(p []byte) (int, error) { return a.w.Write(p) }
func (a *writeCloserAdapter) Close() error                { return nil }

func timeNow() time.Time { return time.Now() }
