// Package model defines Workflow, WorkflowStep and WorkflowEvent (core
// specification §3.1) plus the config blob attached to each step.
package model

import "time"

// Status is a Workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Parallelism describes the ready-set worker cap (core §4.7.1).
type Parallelism struct {
	N int // 1 == sequential
}

// Source describes how a workflow's step list was derived.
type SourceKind string

const (
	SourceIssues      SourceKind = "issues"
	SourceSpecDerived SourceKind = "spec_derived"
)

// Workflow is an ordered, dependency-constrained group of executions.
type Workflow struct {
	ID                      string
	Title                   string
	Status                  Status
	Source                  SourceKind
	Steps                   []*Step
	WorktreePath            string
	BranchName              string
	BaseBranch              string
	CurrentStepIndex        int
	OrchestratorExecutionID string
	Config                  Config

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// AdvanceStepIndex recomputes CurrentStepIndex as the count of steps that
// have made forward progress (completed, or skipped as a consequence of
// onFailure=continue). Per invariant 5, the index only advances: a step
// that is merely failed (and not skipped) never moves it, and the count
// can never decrease since Completed/Skipped are terminal statuses.
func (w *Workflow) AdvanceStepIndex() {
	progressed := 0
	for _, s := range w.Steps {
		if s.Status == StepCompleted || s.Status == StepSkipped {
			progressed++
		}
	}
	if progressed > w.CurrentStepIndex {
		w.CurrentStepIndex = progressed
	}
}

// Clone returns a deep-enough copy safe to hand to a bus subscriber or
// caller without racing the driver's own in-place mutations.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		stepCopy := *s
		stepCopy.DependsOn = append([]string(nil), s.DependsOn...)
		cp.Steps[i] = &stepCopy
	}
	return &cp
}

// Config is the workflow.* configuration attached at creation (core §6).
type Config struct {
	Parallelism      Parallelism `yaml:"parallelism"`
	OnFailure        string      `yaml:"on_failure"` // pause | continue | abort
	DefaultAgentType string      `yaml:"default_agent_type"`
	AutonomyLevel    string      `yaml:"autonomy_level"`
	Orchestrated     bool        `yaml:"orchestrated"` // true selects the orchestrator engine (§4.7.2)
}

// StepStatus is a WorkflowStep's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step will never change status again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// skippable reports whether a step may still be marked skipped, i.e. it
// has not already settled into a terminal status of its own.
func (s StepStatus) skippable() bool {
	return !s.Terminal()
}

// Step is one node of a workflow; binds to at most one execution.
type Step struct {
	ID           string
	IssueID      string
	Index        int
	DependsOn    []string // step ids within the same workflow
	Status       StepStatus
	ExecutionID  string
	AgentType    string // "" falls back to Config.DefaultAgentType
	FailedReason string // e.g. "crashed", "timeout"
}

// EventType enumerates the kinds of durable WorkflowEvent rows.
type EventType string

const (
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepStarted        EventType = "step_started"
	EventOrchestratorWakeup EventType = "orchestrator_wakeup"
	EventExecutionTimeout   EventType = "execution_timeout"
	EventUserMessage        EventType = "user_message"
)

// Event is a durable row used both as a domain event record and, via the
// AwaitPayload/TimeoutPayload fields, as a persisted timer (C8).
type Event struct {
	ID          string
	WorkflowID  string
	Type        EventType
	ExecutionID string // optional
	StepID      string // optional
	Payload     any
	CreatedAt   time.Time
	ProcessedAt *time.Time // invariant 6: set at most once, null -> timestamp
}

// Processed reports whether the event has already been consumed.
func (e *Event) Processed() bool { return e.ProcessedAt != nil }

// AwaitPayload is the Payload of an orchestrator await_event timer.
type AwaitPayload struct {
	EventTypes []string
	TimeoutAt  time.Time
	Matched    bool
	MatchedOn  EventType
}

// TimeoutPayload is the Payload of an execution-timeout timer.
type TimeoutPayload struct {
	TimeoutAt time.Time
	Reason    string
}
