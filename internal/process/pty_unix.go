//go:build !windows

package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/sudocode-ai/execweave/internal/errs"
)

// ptyHandle wraps a child running under a pseudo-terminal. Grounded on the
// teacher's InteractiveRunner. startPTY starts the PTY immediately, sized
// to Config.Cols/Rows (80x24 when unset); Resize changes its size later.
type ptyHandle struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	status atomic.Value

	startOnce sync.Once
	startErr  error
	cfg       Config

	outputMu sync.Mutex
	outputFn OutputFunc

	idleTimeout time.Duration
	idleTimer   *time.Timer
	idleMu      sync.Mutex
	idleFired   atomic.Bool
	hardFired   atomic.Bool

	writeMu sync.Mutex
	exitCh  chan ExitInfo
	doneCh  chan struct{}
}

func startPTY(cfg Config) (Handle, error) {
	h := &ptyHandle{
		cfg:         cfg,
		idleTimeout: cfg.IdleTimeout,
		exitCh:      make(chan ExitInfo, 1),
		doneCh:      make(chan struct{}),
	}
	h.status.Store(StatusStarting)

	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := h.start(cols, rows); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ptyHandle) start(cols, rows int) error {
	h.startOnce.Do(func() {
		cmd := exec.Command(h.cfg.Command, h.cfg.Args...)
		cmd.Dir = h.cfg.WorkingDir
		cmd.Env = h.cfg.Env

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
		if err != nil {
			h.startErr = err
			return
		}
		h.cmd = cmd
		h.ptmx = ptmx
		h.status.Store(StatusRunning)

		if h.cfg.HardTimeout > 0 {
			time.AfterFunc(h.cfg.HardTimeout, func() { h.hardFired.Store(true); _ = h.Terminate(context.Background()) })
		}
		if h.idleTimeout > 0 {
			h.idleTimer = time.AfterFunc(h.idleTimeout, func() { h.idleFired.Store(true); _ = h.Terminate(context.Background()) })
		}

		go h.readLoop()
		go h.waitLoop()
	})
	return h.startErr
}

func (h *ptyHandle) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
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

// waitLoop must run to completion unconditionally: Wait() reaps the child
// and prevents a zombie process. A stuck child is dealt with by Terminate,
// never by adding a timeout here.
func (h *ptyHandle) waitLoop() {
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
	_ = h.ptmx.Close()
	h.exitCh <- ExitInfo{ExitCode: code, Tag: tag, Err: err}
	close(h.doneCh)
}

func (h *ptyHandle) resetIdle() {
	h.idleMu.Lock()
	defer h.idleMu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Reset(h.idleTimeout)
	}
}

func (h *ptyHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Status() Status { return h.status.Load().(Status) }

func (h *ptyHandle) Write(ctx context.Context, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.resetIdle()
	_, err := h.ptmx.Write(data)
	return err
}

// Resize resizes the running PTY. startPTY has already started it, so the
// start call here only reports a start error that startPTY also returned.
func (h *ptyHandle) Resize(cols, rows int) error {
	first := h.ptmx == nil
	if err := h.start(cols, rows); err != nil {
		return errs.Wrap(errs.KindAgentSpawnFailure, "starting pty on first resize", err)
	}
	if first {
		return nil
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (h *ptyHandle) OnOutput(fn OutputFunc) {
	h.outputMu.Lock()
	h.outputFn = fn
	h.outputMu.Unlock()
}

func (h *ptyHandle) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-h.exitCh:
		h.exitCh <- info
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (h *ptyHandle) Terminate(ctx context.Context) error {
	h.status.Store(StatusStopping)
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	_ = h.cmd.Process.Kill()
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return nil
	}
}
