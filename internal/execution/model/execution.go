// Package model defines the Execution and ExecutionLogEntry entities
// (core specification §3.1) and their lifecycle status enums.
package model

import "time"

// Status is an Execution's lifecycle state (core §3.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// NonTerminal reports whether s counts toward invariant 1 (at most one
// non-terminal execution per issue).
func (s Status) NonTerminal() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusRunning, StatusPaused:
		return true
	default:
		return false
	}
}

// Mode selects whether the execution runs directly or in an isolated worktree.
type Mode string

const (
	ModeLocal    Mode = "local"
	ModeWorktree Mode = "worktree"
)

// Execution is one run of an agent against one issue in one worktree.
type Execution struct {
	ID                 string
	IssueID             string // nullable: ""  means no issue (e.g. orchestrator execution)
	AgentType           string
	Mode                Mode
	Status              Status
	Prompt              string // frozen at creation
	WorktreePath        string
	BranchName          string
	TargetBranch        string
	BaseBranch          string
	BaseCommit          string
	AfterCommit         string
	ExitCode            *int
	ErrorMessage        string
	ErrorKind           string
	FilesChanged        []string
	ParentExecutionID   string
	WorkflowExecutionID string
	SessionID           string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Clone returns a shallow copy safe to hand to a reader outside the
// execution's owning goroutine.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.FilesChanged = append([]string(nil), e.FilesChanged...)
	return &cp
}

// EntryKind enumerates normalized trajectory entry kinds (core §4.3).
type EntryKind string

const (
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryUserMessage      EntryKind = "user_message"
	EntrySystemMessage    EntryKind = "system_message"
	EntryThinking         EntryKind = "thinking"
	EntryToolUse          EntryKind = "tool_use"
	EntryToolResult       EntryKind = "tool_result"
	EntryError            EntryKind = "error"
	EntryStatusChange     EntryKind = "status_change"
	EntryPermissionRequest EntryKind = "permission_request"
)

// ToolUseStatus is the status field of a tool_use payload.
type ToolUseStatus string

const (
	ToolUsePending ToolUseStatus = "pending"
	ToolUseRunning ToolUseStatus = "running"
	ToolUseSuccess ToolUseStatus = "success"
	ToolUseFailed  ToolUseStatus = "failed"
)

// LogEntry is one normalized, append-only trajectory entry.
type LogEntry struct {
	ExecutionID string
	Index       int // monotonically increasing, 0..N-1, single producer
	Timestamp   time.Time
	Kind        EntryKind
	Payload     any // kind-dependent; see payload structs below
	SessionID   string // stamped on first system_message entry only
}

type AssistantMessagePayload struct {
	MessageID string // coalescing key
	Text      string
}

type UserMessagePayload struct {
	Text string
}

type SystemMessagePayload struct {
	Text      string
	SessionID string
}

type ThinkingPayload struct {
	Text string
}

type ToolUsePayload struct {
	ToolCallID string
	ToolName   string
	Action     string
	Status     ToolUseStatus
	Input      any
	Result     any
}

type ToolResultPayload struct {
	ToolCallID string
	Success    bool
	Data       any
	ErrorText  string
}

type ErrorPayload struct {
	Message string
	Stack   string
}

type StatusChangePayload struct {
	From Status
	To   Status
}

type PermissionOption struct {
	ID    string
	Label string
}

type PermissionRequestPayload struct {
	RequestID string
	ToolCall  ToolUsePayload
	Options   []PermissionOption
}
