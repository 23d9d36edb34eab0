// Package agentprotocol implements the Agent Protocol Adapter (C3):
// translating an agent-specific stdio/PTY transcript into the normalized
// trajectory stream defined in internal/execution/model, plus control
// operations (resume/fork/interrupt/setMode/permission responses).
//
// Re-architected per the core specification's design note: a single
// Adapter interface keyed by agent type, each variant built from a
// capability-gated builder, rather than the source's inheritance
// hierarchy. Capability-gated calls return an explicit error instead of
// silently no-opping: ResumeUnsupported for Resume, AgentProtocolFailure
// for the other unsupported operations.
package agentprotocol

import (
	"context"

	"github.com/sudocode-ai/execweave/internal/execution/model"
)

// Capabilities advertises which optional operations a variant supports.
type Capabilities struct {
	Resume       bool
	Fork         bool
	InterruptWith bool
	SetMode      bool
}

// ToolCallHandlers are host-side operations an agent may invoke
// synchronously mid-run (core §4.3 "tool-call callbacks").
type ToolCallHandlers struct {
	ReadFile   func(ctx context.Context, path string) (string, error)
	WriteFile  func(ctx context.Context, path, content string) error
	OpenTerminal func(ctx context.Context, command string) (string, error)
	KillTerminal func(ctx context.Context, terminalID string) error
	ReadTerminal func(ctx context.Context, terminalID string) (string, error)
}

// PermissionHandler is invoked synchronously when the agent asks for a
// tool-use permission decision; the caller is expected to eventually call
// the adapter's RespondToPermission with the same requestId.
type PermissionHandler func(req model.PermissionRequestPayload)

// Session is a live, bound conversation with one agent subprocess.
type Session interface {
	// Run starts a fresh conversation and returns a lazy, finite stream of
	// normalized trajectory entries. The channel closes when the agent
	// signals end-of-run or the process exits.
	Run(ctx context.Context, prompt string) (<-chan model.LogEntry, error)

	// Resume restores prior conversation context before streaming. Returns
	// a ResumeUnsupported error if the variant cannot do this.
	Resume(ctx context.Context, sessionID, prompt string) (<-chan model.LogEntry, error)

	// Fork flushes pending output and returns a new Session whose history
	// inherits from this one. Returns an AgentProtocolFailure error if
	// unsupported.
	Fork(ctx context.Context) (Session, error)

	// Cancel cancels the in-flight prompt without tearing down the
	// session, if supported; otherwise the caller must escalate to
	// process termination.
	Cancel(ctx context.Context) error

	// InterruptWith cancels the in-flight prompt and immediately starts a
	// new one, returning its stream.
	InterruptWith(ctx context.Context, newPrompt string) (<-chan model.LogEntry, error)

	// SetMode switches the agent's operating mode (e.g. "code" vs "plan").
	SetMode(ctx context.Context, mode string) error

	// RespondToPermission unblocks a pending permission_request entry
	// previously emitted on the trajectory stream. A second call for the
	// same requestId (already answered or timed out) returns NotFound.
	RespondToPermission(requestID, optionID string) error

	// Capabilities reports which optional operations this session supports.
	Capabilities() Capabilities

	// Close releases adapter-side resources without touching the
	// underlying process (the caller owns process teardown via C1).
	Close() error
}

// Builder constructs a Session bound to agentType, wired to a running
// process's stdio and the host-provided tool-call/permission handlers.
type Builder func(cfg SessionConfig) (Session, error)

// SessionConfig is the input to a Builder.
type SessionConfig struct {
	AgentType string
	Cwd       string
	Stdin     interface{ Write([]byte) (int, error) }
	Stdout    interface{ Read([]byte) (int, error) }
	Tools     ToolCallHandlers
	OnPermission PermissionHandler
}

// registry maps agent type names to their Builder, the tagged-variant
// dispatch the design note calls for.
var registry = map[string]Builder{}

// Register installs a Builder under agentType. Called from each variant's
// init(), mirroring how the teacher wires agent-specific packages.
func Register(agentType string, b Builder) {
	registry[agentType] = b
}

// New builds a Session for cfg.AgentType, or returns false if no variant is
// registered under that name.
func New(cfg SessionConfig) (Session, bool, error) {
	b, ok := registry[cfg.AgentType]
	if !ok {
		return nil, false, nil
	}
	s, err := b(cfg)
	return s, true, err
}

func init() {
	Register("stub-agent", newStubSession)
	Register("acp", newACPSession)
}
