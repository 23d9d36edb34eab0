package agentprotocol

import (
	"context"

	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
)

// stubSession is a deterministic, no-subprocess Session used by tests and
// by the "stub-agent" agent type for exercising the execution engine
// without a real ACP binary. It emits a fixed, short trajectory and
// completes immediately.
type stubSession struct {
	cfg       SessionConfig
	perms     *permissionBroker
	sessionID string
}

func newStubSession(cfg SessionConfig) (Session, error) {
	return &stubSession{cfg: cfg, perms: newPermissionBroker(), sessionID: "stub-session"}, nil
}

func (s *stubSession) Capabilities() Capabilities {
	return Capabilities{Resume: true, Fork: true, InterruptWith: true, SetMode: false}
}

func (s *stubSession) emitAll(prompt string) <-chan model.LogEntry {
	out := make(chan model.LogEntry, 8)
	go func() {
		defer close(out)
		out <- model.LogEntry{Kind: model.EntrySystemMessage, SessionID: s.sessionID, Payload: model.SystemMessagePayload{Text: "session started", SessionID: s.sessionID}}
		out <- model.LogEntry{Index: 1, Kind: model.EntryUserMessage, Payload: model.UserMessagePayload{Text: prompt}}
		out <- model.LogEntry{Index: 2, Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "done"}}
	}()
	return out
}

func (s *stubSession) Run(ctx context.Context, prompt string) (<-chan model.LogEntry, error) {
	return s.emitAll(prompt), nil
}

func (s *stubSession) Resume(ctx context.Context, sessionID, prompt string) (<-chan model.LogEntry, error) {
	s.sessionID = sessionID
	return s.emitAll(prompt), nil
}

func (s *stubSession) Fork(ctx context.Context) (Session, error) {
	return &stubSession{cfg: s.cfg, perms: newPermissionBroker(), sessionID: s.sessionID}, nil
}

func (s *stubSession) Cancel(ctx context.Context) error { return nil }

func (s *stubSession) InterruptWith(ctx context.Context, newPrompt string) (<-chan model.LogEntry, error) {
	return s.emitAll(newPrompt), nil
}

func (s *stubSession) SetMode(ctx context.Context, mode string) error {
	return errs.New(errs.KindAgentProtocolFailure, "stub-agent does not support setMode")
}

func (s *stubSession) RespondToPermission(requestID, optionID string) error {
	return s.perms.resolve(requestID, optionID)
}

func (s *stubSession) Close() error {
	s.perms.closeAll()
	return nil
}
