package process

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// Manager acquires and supervises Handles, tracking all live handles for
// a bulk Shutdown.
type Manager struct {
	logger *logger.Logger

	mu      sync.Mutex
	handles map[string]Handle // keyed by a caller-assigned id (execution id)
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{logger: log, handles: make(map[string]Handle)}
}

// Acquire spawns a child per cfg, choosing the Simple or PTY variant, and
// tracks it under id for Shutdown. Spawn failure is fatal to this call.
func (m *Manager) Acquire(ctx context.Context, id string, cfg Config) (Handle, error) {
	var h Handle
	var err error
	if cfg.PTY {
		h, err = startPTY(cfg)
	} else {
		h, err = startSimple(cfg)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindAgentSpawnFailure, "acquiring process handle", err)
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	return h, nil
}

// Release stops tracking id without terminating it (the caller already
// terminated it directly, or it exited on its own).
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

// Get returns the tracked handle for id, if any.
func (m *Manager) Get(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Shutdown terminates every tracked handle.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]Handle)
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Terminate(ctx); err != nil {
			m.logger.Warn("process shutdown: terminate failed", zap.Error(err))
		}
	}
}
