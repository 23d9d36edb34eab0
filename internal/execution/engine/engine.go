// Package engine implements the Execution Engine (C6): the lifecycle of
// one execution, driven by a single producer task per execution, per core
// specification §4.6. External callers request transitions by enqueueing
// commands onto that task rather than mutating state directly.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/agentprotocol"
	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/entitystore"
	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
	execstore "github.com/sudocode-ai/execweave/internal/execution/store"
	"github.com/sudocode-ai/execweave/internal/gitrepo"
	"github.com/sudocode-ai/execweave/internal/logstore"
	"github.com/sudocode-ai/execweave/internal/obs/config"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/process"
	"github.com/sudocode-ai/execweave/internal/worktree"
)

// AgentBinary describes how to spawn a process-backed agent type. Agent
// types absent from this map (e.g. the built-in "stub-agent") run without
// an OS subprocess, driven directly by their agentprotocol.Session.
type AgentBinary struct {
	Command string
	Args    []string
}

// Dependencies are the Engine's narrow collaborators (core §6).
type Dependencies struct {
	ProjectID     string
	RepoPath      string
	Entities      entitystore.Store
	Executions    execstore.Store
	Worktrees     *worktree.Manager
	Processes     *process.Manager
	Bus           bus.Bus
	Logs          logstore.Store
	Git           *gitrepo.Git
	Config        config.Config
	AgentBinaries map[string]AgentBinary
	Logger        *logger.Logger
}

// CreateConfig configures a new execution (core §4.6 create()).
type CreateConfig struct {
	Mode                model.Mode
	BaseBranch          string
	TargetBranch        string
	AgentType           string
	WorkflowExecutionID string
	OnPermission        agentprotocol.PermissionHandler

	// SessionFactory, when set, bypasses the AgentType registry lookup and
	// process spawn entirely -- the orchestrator engine (C7.2) uses this
	// to bind its own host-driven agentprotocol.Session (whose trajectory
	// issues workflow tool calls) to an execution without needing a real
	// OS subprocess, the same way "stub-agent" needs none.
	SessionFactory func() (agentprotocol.Session, error)
}

// Prepared is the side-effect-free result of Prepare.
type Prepared struct {
	Issue          *entitystore.Issue
	Spec           *entitystore.Spec
	RenderedPrompt string
}

// Engine owns every live execution's actor in this project.
type Engine struct {
	deps Dependencies
	log  *logger.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	issueLocksMu sync.Mutex
	issueLocks   map[string]*sync.Mutex
}

func New(deps Dependencies) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		deps:       deps,
		log:        log.WithFields(zap.String("project_id", deps.ProjectID)),
		actors:     make(map[string]*actor),
		issueLocks: make(map[string]*sync.Mutex),
	}
}

// issueLock returns the mutex serializing Create against invariant 1
// ("at most one non-terminal execution per issue") for issueID, matching
// internal/worktree/manager.go's per-repo keyed-mutex pattern.
func (e *Engine) issueLock(issueID string) *sync.Mutex {
	e.issueLocksMu.Lock()
	defer e.issueLocksMu.Unlock()
	m, ok := e.issueLocks[issueID]
	if !ok {
		m = &sync.Mutex{}
		e.issueLocks[issueID] = m
	}
	return m
}

// Prepare reads issue (+spec) context and renders the prompt. It is side
// effect free to the filesystem, per core §4.6.
func (e *Engine) Prepare(ctx context.Context, issueID string) (*Prepared, error) {
	issue, err := e.deps.Entities.GetIssue(ctx, issueID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "reading issue", err)
	}
	if issue == nil {
		return nil, errs.New(errs.KindNotFound, "issue "+issueID)
	}

	existing, err := e.deps.Executions.NonTerminalByIssue(ctx, issueID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "checking invariant 1", err)
	}
	if existing != nil {
		return nil, errs.New(errs.KindConflict, "issue "+issueID+" already has a non-terminal execution "+existing.ID)
	}

	var sp *entitystore.Spec
	if issue.SpecID != "" {
		sp, err = e.deps.Entities.GetSpec(ctx, issue.SpecID)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageFailure, "reading spec", err)
		}
	}

	return &Prepared{Issue: issue, Spec: sp, RenderedPrompt: renderPrompt(issue, sp)}, nil
}

func renderPrompt(issue *entitystore.Issue, sp *entitystore.Spec) string {
	if sp == nil {
		return fmt.Sprintf("%s\n\n%s", issue.Title, issue.Content)
	}
	return fmt.Sprintf("%s\n\n%s\n\n---\nSpec: %s\n%s", issue.Title, issue.Content, sp.Title, sp.Content)
}

// Create provisions a new execution and starts its producer task.
// Failure before the trajectory begins surfaces as `failed` without
// consuming a worktree (a partial worktree is cleaned up).
func (e *Engine) Create(ctx context.Context, issueID string, cfg CreateConfig, renderedPrompt string) (*model.Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errs.New(errs.KindFatal, "engine is shut down")
	}
	e.mu.Unlock()

	// Invariant 1 ("at most one non-terminal execution per issue") is a
	// check-then-act against the store; serialize it per issue so two
	// concurrent Create calls for the same issue can't both pass the
	// check before either inserts (core §3.2 invariant 1, end-to-end
	// scenario 3's worktree-collision Conflict).
	if issueID != "" {
		lock := e.issueLock(issueID)
		lock.Lock()
		defer lock.Unlock()

		if existing, err := e.deps.Executions.NonTerminalByIssue(ctx, issueID); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailure, "checking invariant 1", err)
		} else if existing != nil {
			return nil, errs.New(errs.KindConflict, "issue "+issueID+" already has a non-terminal execution "+existing.ID)
		}
	}

	now := time.Now()
	ex := &model.Execution{
		ID:                  uuid.NewString(),
		IssueID:             issueID,
		AgentType:           cfg.AgentType,
		Mode:                cfg.Mode,
		Status:              model.StatusPending,
		Prompt:              renderedPrompt,
		TargetBranch:        cfg.TargetBranch,
		BaseBranch:          cfg.BaseBranch,
		WorkflowExecutionID: cfg.WorkflowExecutionID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.deps.Executions.Create(ctx, ex); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "inserting execution", err)
	}

	a := newActor(e, ex, cfg)
	e.mu.Lock()
	e.actors[ex.ID] = a
	e.mu.Unlock()

	go a.run()

	return ex.Clone(), nil
}

// FollowUp creates a new execution linked via parent_execution_id, reusing
// the parent's worktree per the decided Open Question. The parent must be
// terminal.
func (e *Engine) FollowUp(ctx context.Context, parentExecutionID, prompt string, agentType string) (*model.Execution, error) {
	parent, err := e.deps.Executions.Get(ctx, parentExecutionID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "reading parent execution", err)
	}
	if parent == nil {
		return nil, errs.New(errs.KindNotFound, "execution "+parentExecutionID)
	}
	if !parent.Status.Terminal() {
		return nil, errs.New(errs.KindConflict, "parent execution "+parentExecutionID+" is not terminal")
	}
	if agentType == "" {
		agentType = parent.AgentType
	}

	now := time.Now()
	ex := &model.Execution{
		ID:                uuid.NewString(),
		IssueID:           parent.IssueID,
		AgentType:         agentType,
		Mode:              parent.Mode,
		Status:            model.StatusPending,
		Prompt:            prompt,
		BaseBranch:        parent.BaseBranch,
		TargetBranch:      parent.TargetBranch,
		ParentExecutionID: parent.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if parent.Mode == model.ModeWorktree && e.deps.Worktrees != nil {
		if _, err := e.deps.Worktrees.Reassign(ctx, parent.ID, ex.ID); err != nil {
			return nil, err
		}
		ex.WorktreePath = parent.WorktreePath
		ex.BranchName = parent.BranchName
		ex.BaseCommit = parent.AfterCommit
	}

	if err := e.deps.Executions.Create(ctx, ex); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "inserting follow-up execution", err)
	}

	a := newActor(e, ex, CreateConfig{Mode: ex.Mode, AgentType: agentType, TargetBranch: ex.TargetBranch, BaseBranch: ex.BaseBranch})
	a.resumeSessionID = parent.SessionID
	a.skipWorktreeProvision = true
	e.mu.Lock()
	e.actors[ex.ID] = a
	e.mu.Unlock()
	go a.run()

	return ex.Clone(), nil
}

// Cancel requests adapter cancel, then process terminate.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	a := e.lookup(executionID)
	if a == nil {
		return errs.New(errs.KindNotFound, "execution "+executionID)
	}
	select {
	case a.cmds <- command{kind: cmdCancel}:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RespondToPermission routes a permission decision to C3 via the owning
// execution's producer task.
func (e *Engine) RespondToPermission(ctx context.Context, executionID, requestID, optionID string) error {
	a := e.lookup(executionID)
	if a == nil {
		return errs.New(errs.KindNotFound, "execution "+executionID)
	}
	select {
	case a.cmds <- command{kind: cmdPermission, requestID: requestID, optionID: optionID}:
		return nil
	case <-a.done:
		return errs.New(errs.KindConflict, "execution "+executionID+" already terminal")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Get(ctx context.Context, id string) (*model.Execution, error) {
	return e.deps.Executions.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f execstore.Filters) ([]*model.Execution, error) {
	return e.deps.Executions.List(ctx, f)
}

func (e *Engine) lookup(id string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[id]
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.actors, id)
	e.mu.Unlock()
}

// Shutdown cancels all in-flight executions, waits (bounded) for their
// terminal persistence, and closes the bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			select {
			case a.cmds <- command{kind: cmdCancel}:
			case <-a.done:
			}
			select {
			case <-a.done:
			case <-time.After(10 * time.Second):
			}
		}(a)
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-ctx.Done():
		e.log.Warn("shutdown deadline exceeded with executions still outstanding")
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Close()
	}
	return nil
}

const (
	cmdCancel = iota
	cmdPermission
)

type command struct {
	kind      int
	requestID string
	optionID  string
}
