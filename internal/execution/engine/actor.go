package engine

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/agentprotocol"
	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/coalesce"
	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/process"
	"github.com/sudocode-ai/execweave/internal/worktree"
)

// actor is the single producer task that owns one execution's trajectory
// stream and every mutation to its row, per core §4.6's concurrency model:
// "one producer goroutine/task per execution... All state mutations...
// are routed through that task; external commands are delivered as
// messages to the task (single-writer discipline)."
type actor struct {
	engine *Engine
	ex     *model.Execution
	cfg    CreateConfig

	cmds chan command
	done chan struct{}

	resumeSessionID       string
	skipWorktreeProvision bool

	session  agentprotocol.Session
	handle   process.Handle
	stdoutPW *io.PipeWriter
}

func newActor(e *Engine, ex *model.Execution, cfg CreateConfig) *actor {
	return &actor{
		engine: e,
		ex:     ex,
		cfg:    cfg,
		cmds:   make(chan command, 8),
		done:   make(chan struct{}),
	}
}

func (a *actor) run() {
	defer close(a.done)
	defer a.engine.forget(a.ex.ID)

	ctx := context.Background()
	log := a.engine.log.WithExecutionID(a.ex.ID)

	if err := a.prepareWorktree(ctx, log); err != nil {
		a.failBeforeTrajectory(ctx, log, err)
		return
	}

	a.transition(ctx, model.StatusRunning)

	session, handle, err := a.spawnAgent(ctx, log)
	if err != nil {
		a.failBeforeTrajectory(ctx, log, err)
		return
	}
	a.session = session
	a.handle = handle

	var stream <-chan model.LogEntry
	if a.resumeSessionID != "" {
		stream, err = session.Resume(ctx, a.resumeSessionID, a.ex.Prompt)
	} else {
		stream, err = session.Run(ctx, a.ex.Prompt)
	}
	if err != nil {
		a.failBeforeTrajectory(ctx, log, err)
		return
	}

	a.pumpTrajectory(ctx, log, stream)
}

func (a *actor) prepareWorktree(ctx context.Context, log *logger.Logger) error {
	if a.ex.Mode != model.ModeWorktree || a.skipWorktreeProvision || a.engine.deps.Worktrees == nil {
		return nil
	}
	w, err := a.engine.deps.Worktrees.Create(ctx, worktree.CreateRequest{
		ExecutionID:    a.ex.ID,
		RepositoryPath: a.engine.deps.RepoPath,
		BaseBranch:     a.ex.BaseBranch,
		CreateBranch:   true,
	})
	if err != nil {
		return err
	}
	a.ex.WorktreePath = w.Path
	a.ex.BranchName = w.Branch
	base, err := a.engine.deps.Git.RevParseHead(ctx, w.Path)
	if err == nil {
		a.ex.BaseCommit = base
	}
	return a.engine.deps.Executions.Update(ctx, a.ex)
}

// spawnAgent acquires C1's process handle (if the agent type is
// process-backed) and wraps it in a C3 session. A process-backed agent's
// stdout is push-delivered through Handle.OnOutput; it is bridged onto an
// io.Pipe so the jsonrpc.Client inside the ACP session can keep pulling
// from an io.Reader exactly as it would over a real stdio pipe.
func (a *actor) spawnAgent(ctx context.Context, log *logger.Logger) (agentprotocol.Session, process.Handle, error) {
	if a.cfg.SessionFactory != nil {
		session, err := a.cfg.SessionFactory()
		return session, nil, err
	}

	bin, processBacked := a.engine.deps.AgentBinaries[a.ex.AgentType]

	var handle process.Handle
	var stdin io.Writer
	var stdout io.Reader

	if processBacked {
		cwd := a.ex.WorktreePath
		if cwd == "" {
			cwd = a.engine.deps.RepoPath
		}
		cfg := process.Config{
			Command:     bin.Command,
			Args:        bin.Args,
			WorkingDir:  cwd,
			IdleTimeout: a.engine.deps.Config.IdleTimeout(),
			HardTimeout: a.engine.deps.Config.HardTimeout(),
			PTY:         a.engine.deps.Config.ExecutionMode == "interactive",
			Cols:        a.engine.deps.Config.Terminal.Cols,
			Rows:        a.engine.deps.Config.Terminal.Rows,
		}
		h, err := a.engine.deps.Processes.Acquire(ctx, a.ex.ID, cfg)
		if err != nil {
			return nil, nil, err
		}
		handle = h
		stdin = processStdin{h}

		pr, pw := io.Pipe()
		a.stdoutPW = pw
		h.OnOutput(func(data []byte) { _, _ = pw.Write(data) })
		stdout = pr
	}

	session, ok, err := agentprotocol.New(agentprotocol.SessionConfig{
		AgentType:    a.ex.AgentType,
		Cwd:          a.ex.WorktreePath,
		Stdin:        stdin,
		Stdout:       stdout,
		OnPermission: a.cfg.OnPermission,
	})
	if err != nil {
		return nil, handle, err
	}
	if !ok {
		return nil, handle, errs.New(errs.KindAgentSpawnFailure, "no agent protocol adapter registered for "+a.ex.AgentType)
	}
	return session, handle, nil
}

// pumpTrajectory is step 5-8 of the happy-path algorithm: assign index,
// coalesce, persist, publish, detect completion, finalize.
func (a *actor) pumpTrajectory(ctx context.Context, log *logger.Logger, stream <-chan model.LogEntry) {
	coalescer := coalesce.New()
	idx := 0
	topic := bus.Topic{ProjectID: a.engine.deps.ProjectID, Kind: bus.TopicExecution, ID: a.ex.ID}

	flushEntries := func(entries []model.LogEntry) {
		for _, e := range entries {
			e.ExecutionID = a.ex.ID
			if err := a.engine.deps.Logs.Append(ctx, e, marshalRawBestEffort(e)); err != nil {
				log.Warn("logstore append failed", zap.Error(err))
			}
			if a.engine.deps.Bus != nil {
				a.engine.deps.Bus.Publish(topic, e)
			}
		}
	}

loop:
	for {
		select {
		case entry, ok := <-stream:
			if !ok {
				break loop
			}
			entry.ExecutionID = a.ex.ID
			entry.Index = idx
			idx++
			if entry.Kind == model.EntrySystemMessage && entry.SessionID != "" {
				if a.ex.SessionID == "" {
					a.ex.SessionID = entry.SessionID
				} else if entry.SessionID != a.ex.SessionID {
					log.Warn("ignoring divergent session id", zap.String("session_id", a.ex.SessionID), zap.String("divergent_session_id", entry.SessionID))
				}
			}
			flushEntries(coalescer.Push(entry))

		case cmd := <-a.cmds:
			a.handleCommand(ctx, log, cmd)
		}
	}

	flushEntries(coalescer.Flush())
	a.finalize(ctx, log)
}

func (a *actor) handleCommand(ctx context.Context, log *logger.Logger, cmd command) {
	switch cmd.kind {
	case cmdCancel:
		if a.session != nil {
			if err := a.session.Cancel(ctx); err != nil {
				log.Warn("session cancel failed", zap.Error(err))
			}
		}
		if a.handle != nil {
			termCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := a.handle.Terminate(termCtx); err != nil {
				log.Warn("process terminate failed", zap.Error(err))
			}
		}
	case cmdPermission:
		if a.session != nil {
			if err := a.session.RespondToPermission(cmd.requestID, cmd.optionID); err != nil {
				log.Warn("respond to permission failed", zap.Error(err))
			}
		}
	}
}

func (a *actor) finalize(ctx context.Context, log *logger.Logger) {
	if a.handle != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := a.handle.Wait(waitCtx)
		cancel()
		if err != nil {
			termCtx, cancel2 := context.WithTimeout(ctx, 2*time.Second)
			_ = a.handle.Terminate(termCtx)
			cancel2()
		} else {
			code := info.ExitCode
			a.ex.ExitCode = &code
		}
	}
	if a.stdoutPW != nil {
		_ = a.stdoutPW.Close()
	}
	if a.session != nil {
		_ = a.session.Close()
	}

	if a.ex.WorktreePath != "" && a.engine.deps.Git != nil {
		if head, err := a.engine.deps.Git.RevParseHead(ctx, a.ex.WorktreePath); err == nil {
			a.ex.AfterCommit = head
		}
		if a.ex.BaseCommit != "" && a.ex.AfterCommit != "" {
			if files, err := a.engine.deps.Git.DiffNames(ctx, a.ex.WorktreePath, a.ex.BaseCommit, a.ex.AfterCommit); err == nil {
				a.ex.FilesChanged = files
			}
		}
	}

	status := model.StatusCompleted
	if a.ex.ExitCode != nil && *a.ex.ExitCode != 0 {
		status = model.StatusFailed
		a.ex.ErrorKind = string(errs.KindAgentProtocolFailure)
	}
	a.transition(ctx, status)
}

func (a *actor) failBeforeTrajectory(ctx context.Context, log *logger.Logger, cause error) {
	log.Error("execution failed before trajectory began", zap.Error(cause))
	a.ex.ErrorMessage = cause.Error()
	if kind, ok := errs.KindOf(cause); ok {
		a.ex.ErrorKind = string(kind)
	} else {
		a.ex.ErrorKind = string(errs.KindFatal)
	}
	if a.ex.Mode == model.ModeWorktree && a.ex.WorktreePath != "" && a.engine.deps.Worktrees != nil {
		_ = a.engine.deps.Worktrees.Remove(ctx, a.ex.ID, false)
		a.ex.WorktreePath = ""
	}
	a.transition(ctx, model.StatusFailed)
}

func (a *actor) transition(ctx context.Context, to model.Status) {
	from := a.ex.Status
	now := time.Now()
	a.ex.Status = to
	if to == model.StatusRunning && a.ex.StartedAt == nil {
		a.ex.StartedAt = &now
	}
	if to.Terminal() {
		a.ex.CompletedAt = &now
	}
	if err := a.engine.deps.Executions.Update(ctx, a.ex); err != nil {
		a.engine.log.Error("persisting execution status failed", zap.String("execution_id", a.ex.ID), zap.Error(err))
	}
	if a.engine.deps.Bus != nil {
		topic := bus.Topic{ProjectID: a.engine.deps.ProjectID, Kind: bus.TopicExecution, ID: a.ex.ID}
		a.engine.deps.Bus.Publish(topic, model.LogEntry{
			ExecutionID: a.ex.ID,
			Timestamp:   now,
			Kind:        model.EntryStatusChange,
			Payload:     model.StatusChangePayload{From: from, To: to},
		})
	}
}

type processStdin struct{ h process.Handle }

func (p processStdin) Write(b []byte) (int, error) {
	if err := p.h.Write(context.Background(), b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func marshalRawBestEffort(e model.LogEntry) []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return b
}
