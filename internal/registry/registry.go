// Package registry implements the Project Registry & Lifecycle (C9):
// the multi-project container that gives every open repository its own
// entity store, worktree manager, execution engine and workflow engine
// instances (core specification §4.9). Grounded on the teacher's unified
// cmd/kandev wiring, generalized from "one hardcoded project" to an
// open/get/shutdown registry keyed by project id.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/obs/config"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// defaultShutdownDeadline is the recommended bound from core §4.9: a
// shutdown that exceeds it reports a Timeout(shutdown) error instead of
// hanging indefinitely. The caller (cmd/execweave) decides whether to
// force-exit the process on that error.
const defaultShutdownDeadline = 10 * time.Second

// OpenConfig is the input to Registry.Open.
type OpenConfig struct {
	RepoPath string
	// DataDir holds every sqlite file this project owns. Defaults to
	// "<RepoPath>/.execweave/data" when empty.
	DataDir string
	Config  config.Config
	// AgentBinaries maps a process-backed agent type (e.g. "acp") to the
	// command used to spawn it; agent types absent here (like
	// "stub-agent") run without an OS subprocess.
	AgentBinaries map[string]execengine.AgentBinary
}

// Registry owns every open Project in this process.
type Registry struct {
	log *logger.Logger

	mu         sync.Mutex
	byID       map[string]*Project
	byRepoPath map[string]string // repoPath -> projectID, for Open's idempotence
}

func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		log:        log.WithFields(zap.String("component", "registry")),
		byID:       make(map[string]*Project),
		byRepoPath: make(map[string]string),
	}
}

// Open returns the Project for cfg.RepoPath, opening it on first call and
// returning the existing handle on every subsequent call for the same
// path (core §4.9: "idempotent; returns the project handle").
func (r *Registry) Open(ctx context.Context, cfg OpenConfig) (*Project, error) {
	repoPath, err := filepath.Abs(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("registry: resolving repo path: %w", err)
	}

	r.mu.Lock()
	if id, ok := r.byRepoPath[repoPath]; ok {
		p := r.byID[id]
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(repoPath, ".execweave", "data")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating data directory: %w", err)
	}

	projectCfg := cfg.Config
	if projectCfg.WorktreeStoragePath == "" {
		projectCfg = config.Default()
	}

	id := uuid.NewString()
	p, err := openProject(id, repoPath, dataDir, projectCfg, cfg.AgentBinaries, r.log)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another caller may have raced us to open the same repoPath; keep
	// whichever handle won and discard ours rather than leak two sets of
	// sqlite handles bound to the same directory.
	if existingID, ok := r.byRepoPath[repoPath]; ok {
		existing := r.byID[existingID]
		r.mu.Unlock()
		_ = p.shutdown(context.Background())
		return existing, nil
	}
	r.byID[id] = p
	r.byRepoPath[repoPath] = id
	r.mu.Unlock()

	r.log.Info("project opened", zap.String("project_id", id), zap.String("repo_path", repoPath))
	return p, nil
}

// Get looks up an already-open project by id.
func (r *Registry) Get(projectID string) (*Project, error) {
	r.mu.Lock()
	p, ok := r.byID[projectID]
	r.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "project "+projectID)
	}
	return p, nil
}

// List returns every currently open project.
func (r *Registry) List() []*Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Project, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// Shutdown closes every open project within deadline, cancelling
// in-flight executions, stopping wakeup timers, flushing stores and
// closing the entity store for each (core §4.9). A project whose own
// shutdown does not complete within the deadline is reported but does
// not block the others.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	projects := make([]*Project, 0, len(r.byID))
	for _, p := range r.byID {
		projects = append(projects, p)
	}
	r.byID = make(map[string]*Project)
	r.byRepoPath = make(map[string]string)
	r.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, defaultShutdownDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range projects {
		wg.Add(1)
		go func(p *Project) {
			defer wg.Done()
			if err := p.shutdown(deadlineCtx); err != nil {
				r.log.Warn("project shutdown reported an error", zap.String("project_id", p.ID), zap.Error(err))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-deadlineCtx.Done():
		r.log.Warn("registry shutdown exceeded its deadline with projects still outstanding")
		return errs.Timeout(errs.TimeoutShutdown, "registry shutdown deadline exceeded")
	}
}
