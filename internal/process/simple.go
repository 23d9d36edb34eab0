package process

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sudocode-ai/execweave/internal/errs"
)

const terminateSignal = syscall.SIGTERM

// simpleHandle wraps a child process communicating over stdin/stdout/stderr
// pipes. Grounded on the teacher's agentctl process.Manager: intentionally
// started with exec.Command rather than exec.CommandContext, since the
// caller's request context must not kill a long-lived agent process — the
// caller drives lifetime explicitly via Terminate.
type simpleHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	status atomic.Value // Status

	outputMu sync.Mutex
	outputFn OutputFunc

	idleTimeout time.Duration
	idleTimer   *time.Timer
	idleMu      sync.Mutex
	idleFired   atomic.Bool

	hardTimer *time.Timer
	hardFired atomic.Bool

	writeMu sync.Mutex

	exitCh chan ExitInfo
	doneCh chan struct{}
}

func startSimple(cfg Config) (Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &simpleHandle{
		cmd:         cmd,
		stdin:       stdin,
		idleTimeout: cfg.IdleTimeout,
		exitCh:      make(chan ExitInfo, 1),
		doneCh:      make(chan struct{}),
	}
	h.status.Store(StatusRunning)

	if cfg.IdleTimeout > 0 {
		h.idleTimer = time.AfterFunc(cfg.IdleTimeout, func() { h.fireIdle() })
	}
	if cfg.HardTimeout > 0 {
		h.hardTimer = time.AfterFunc(cfg.HardTimeout, func() { h.fireHard() })
	}

	go h.readLoop(stdout)
	go h.readLoop(stderr)
	go h.waitLoop()

	return h, nil
}

func (h *simpleHandle) readLoop(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.resetIdle()
			h.outputMu.Lock()
			fn := h.outputFn
			h.outputMu.Unlock()
			if fn != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				fn(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *simpleHandle) waitLoop() {
	err := h.cmd.Wait()
	h.status.Store(StatusStopped)

	tag := ExitNormal
	if h.idleFired.Load() {
		tag = ExitIdle
	} else if h.hardFired.Load() {
		tag = ExitHard
	}

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	h.exitCh <- ExitInfo{ExitCode: code, Tag: tag, Err: err}
	close(h.doneCh)
}

func (h *simpleHandle) resetIdle() {
	h.idleMu.Lock()
	defer h.idleMu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Reset(h.idleTimeout)
	}
}

func (h *simpleHandle) fireIdle() {
	h.idleFired.Store(true)
	_ = h.Terminate(context.Background())
}

func (h *simpleHandle) fireHard() {
	h.hardFired.Store(true)
	_ = h.Terminate(context.Background())
}

func (h *simpleHandle) PID() int { return h.cmd.Process.Pid }

func (h *simpleHandle) Status() Status { return h.status.Load().(Status) }

func (h *simpleHandle) Write(ctx context.Context, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.resetIdle()
	_, err := h.stdin.Write(data)
	return err
}

func (h *simpleHandle) Resize(cols, rows int) error {
	return errs.New(errs.KindResumeUnsupported, "resize is PTY-only")
}

func (h *simpleHandle) OnOutput(fn OutputFunc) {
	h.outputMu.Lock()
	h.outputFn = fn
	h.outputMu.Unlock()
}

func (h *simpleHandle) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-h.exitCh:
		h.exitCh <- info // allow repeated Wait calls to observe the same result
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (h *simpleHandle) Terminate(ctx context.Context) error {
	h.status.Store(StatusStopping)
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(terminateSignal)
	}
	select {
	case <-h.doneCh:
		return nil
	case <-time.After(2 * time.Second):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.doneCh
		return nil
	case <-ctx.Done():
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		return ctx.Err()
	}
}
