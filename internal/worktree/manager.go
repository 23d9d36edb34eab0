package worktree

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/gitrepo"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// Manager implements the Worktree Manager (C2). Grounded on the teacher's
// internal/agent/worktree.Manager: per-repo locking, reuse-if-valid,
// rollback-on-persistence-failure, orphan reconciliation.
type Manager struct {
	cfg    Config
	git    *gitrepo.Git
	store  Store
	logger *logger.Logger

	mu        sync.RWMutex
	cache     map[string]*Worktree // executionID -> worktree
	repoLocks map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

func NewManager(cfg Config, store Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		git:       gitrepo.New(),
		store:     store,
		logger:    log,
		cache:     make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) IsEnabled() bool { return m.cfg.Enabled }

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	l, ok := m.repoLocks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoPath] = l
	}
	return l
}

// uniqueBranchName returns base if no branch by that name exists in
// repoPath yet, otherwise appends "-2", "-3", ... until an unused name is
// found. Per core §4.2/§5: on branch name collision the implementation
// must append a numeric suffix, never clobber an existing branch.
func (m *Manager) uniqueBranchName(ctx context.Context, repoPath, base string) (string, error) {
	exists, err := m.git.BranchExists(ctx, repoPath, base)
	if err != nil {
		return "", errs.Wrap(errs.KindBranchNotFound, "checking branch collision", err)
	}
	if !exists {
		return base, nil
	}
	for n := 2; n < 1000; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		exists, err := m.git.BranchExists(ctx, repoPath, candidate)
		if err != nil {
			return "", errs.Wrap(errs.KindBranchNotFound, "checking branch collision", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", errs.New(errs.KindConflict, "no available branch name for "+base)
}

// Create provisions a worktree for req.ExecutionID, reusing an existing
// valid one and recreating an invalid one. Per core §4.2: atomic with
// respect to the repository; rolls back partial state on error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lock := m.repoLock(req.RepositoryPath)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.GetByExecutionID(ctx, req.ExecutionID); err == nil && existing != nil {
		if m.IsValid(ctx, existing.Path) {
			return existing, nil
		}
		if err := m.recreate(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	if !req.CreateBranch {
		ok, err := m.git.BranchExists(ctx, req.RepositoryPath, req.BranchName)
		if err != nil {
			return nil, errs.Wrap(errs.KindBranchNotFound, "checking branch", err)
		}
		if !ok {
			return nil, errs.New(errs.KindBranchNotFound, req.BranchName)
		}
	}
	if req.BaseBranch != "" {
		ok, err := m.git.BranchExists(ctx, req.RepositoryPath, req.BaseBranch)
		if err != nil || !ok {
			return nil, errs.New(errs.KindTargetBranchMissing, req.BaseBranch)
		}
	}

	active, err := m.store.GetWorktreesByRepositoryPath(ctx, req.RepositoryPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "listing repo worktrees", err)
	}
	liveCount := 0
	for _, w := range active {
		if w.Status == StatusActive {
			liveCount++
		}
	}
	if liveCount >= m.cfg.MaxPerRepo {
		return nil, errs.New(errs.KindConflict, "per-repository worktree limit reached")
	}

	branch := req.BranchName
	if branch == "" {
		branch = m.cfg.BranchName(req.ExecutionID)
	}
	path := m.cfg.WorktreePath(req.RepositoryPath, req.ExecutionID)

	if err := os.MkdirAll(m.cfg.ExpandedBasePath(req.RepositoryPath), 0755); err != nil {
		return nil, errs.Wrap(errs.KindAgentSpawnFailure, "creating worktree base dir", err)
	}

	createBranch := req.CreateBranch
	if createBranch {
		unique, err := m.uniqueBranchName(ctx, req.RepositoryPath, branch)
		if err != nil {
			return nil, err
		}
		branch = unique
	}

	if err := m.git.CreateWorktree(ctx, req.RepositoryPath, gitrepo.CreateWorktreeOpts{
		WorktreePath:   path,
		BranchName:     branch,
		BaseBranch:     req.BaseBranch,
		CreateBranch:   createBranch,
		SparsePatterns: req.SparsePatterns,
	}); err != nil {
		return nil, errs.Wrap(errs.KindAgentSpawnFailure, "git worktree add", err)
	}

	w := &Worktree{
		ID:             uuid.NewString(),
		ExecutionID:    req.ExecutionID,
		RepositoryPath: req.RepositoryPath,
		Path:           path,
		Branch:         branch,
		BaseBranch:     req.BaseBranch,
		Status:         StatusActive,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := m.store.CreateWorktree(ctx, w); err != nil {
		// roll back the filesystem/git state so a retry starts clean
		_ = m.git.RemoveWorktree(ctx, req.RepositoryPath, path)
		return nil, errs.Wrap(errs.KindStorageFailure, "persisting worktree", err)
	}

	m.mu.Lock()
	m.cache[req.ExecutionID] = w
	m.mu.Unlock()

	m.logger.Info("worktree created", zap.String("execution_id", w.ExecutionID), zap.String("path", w.Path))
	return w, nil
}

// GetByExecutionID returns the cached or persisted worktree for executionID.
func (m *Manager) GetByExecutionID(ctx context.Context, executionID string) (*Worktree, error) {
	m.mu.RLock()
	if w, ok := m.cache[executionID]; ok {
		m.mu.RUnlock()
		return w, nil
	}
	m.mu.RUnlock()

	w, err := m.store.GetWorktreeByExecutionID(ctx, executionID)
	if err != nil || w == nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[executionID] = w
	m.mu.Unlock()
	return w, nil
}

// IsValid reports whether git still recognizes path as a registered
// worktree and the directory exists.
func (m *Manager) IsValid(ctx context.Context, path string) bool {
	if !dirExists(path) {
		return false
	}
	gitFile := path + "/.git"
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return len(data) > 0 && string(data[:7]) == "gitdir:"
}

func (m *Manager) recreate(ctx context.Context, w *Worktree) error {
	_ = m.git.RemoveWorktree(ctx, w.RepositoryPath, w.Path)
	if err := m.git.CreateWorktree(ctx, w.RepositoryPath, gitrepo.CreateWorktreeOpts{
		WorktreePath: w.Path,
		BranchName:   w.Branch,
		CreateBranch: false,
	}); err != nil {
		return errs.Wrap(errs.KindAgentSpawnFailure, "recreating worktree", err)
	}
	w.Status = StatusActive
	return m.store.UpdateWorktree(ctx, w)
}

// Remove tears down a worktree; idempotent on a missing directory.
func (m *Manager) Remove(ctx context.Context, executionID string, deleteBranch bool) error {
	w, err := m.GetByExecutionID(ctx, executionID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	if err := m.git.RemoveWorktree(ctx, w.RepositoryPath, w.Path); err != nil {
		return errs.Wrap(errs.KindStorageFailure, "removing worktree", err)
	}
	if deleteBranch {
		_ = m.git.DeleteBranch(ctx, w.RepositoryPath, w.Branch)
	}
	now := time.Now()
	w.Status = StatusDeleted
	w.DeletedAt = &now
	if err := m.store.UpdateWorktree(ctx, w); err != nil {
		return errs.Wrap(errs.KindStorageFailure, "persisting worktree removal", err)
	}
	m.mu.Lock()
	delete(m.cache, executionID)
	m.mu.Unlock()
	return nil
}

// Reassign moves a worktree's owning execution id without recreating the
// directory (decided Open Question: follow-ups reuse the parent worktree).
func (m *Manager) Reassign(ctx context.Context, oldExecutionID, newExecutionID string) (*Worktree, error) {
	w, err := m.GetByExecutionID(ctx, oldExecutionID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.New(errs.KindNotFound, "worktree for "+oldExecutionID)
	}
	m.mu.Lock()
	delete(m.cache, oldExecutionID)
	w.ExecutionID = newExecutionID
	m.cache[newExecutionID] = w
	m.mu.Unlock()
	// the store's unique index is on execution_id: update in place.
	if err := m.store.UpdateWorktree(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// List enumerates registered worktrees for repoPath.
func (m *Manager) List(ctx context.Context, repoPath string) ([]*Worktree, error) {
	return m.store.GetWorktreesByRepositoryPath(ctx, repoPath)
}

// CleanupOrphans removes any registered, active worktree whose execution
// id is not in liveExecutionIDs.
func (m *Manager) CleanupOrphans(ctx context.Context, repoPath string, liveExecutionIDs map[string]bool) error {
	all, err := m.store.GetWorktreesByRepositoryPath(ctx, repoPath)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "listing worktrees for cleanup", err)
	}
	for _, w := range all {
		if w.Status != StatusActive {
			continue
		}
		if liveExecutionIDs[w.ExecutionID] {
			continue
		}
		if err := m.Remove(ctx, w.ExecutionID, false); err != nil {
			m.logger.Warn("orphan worktree cleanup failed", zap.String("execution_id", w.ExecutionID), zap.Error(err))
		}
	}
	return nil
}

// Reconcile scans the store and filesystem for entries whose directory no
// longer exists, marking them deleted without attempting git removal.
func (m *Manager) Reconcile(ctx context.Context, repoPath string) error {
	all, err := m.store.GetWorktreesByRepositoryPath(ctx, repoPath)
	if err != nil {
		return err
	}
	for _, w := range all {
		if w.Status == StatusActive && !dirExists(w.Path) {
			now := time.Now()
			w.Status = StatusDeleted
			w.DeletedAt = &now
			_ = m.store.UpdateWorktree(ctx, w)
			m.mu.Lock()
			delete(m.cache, w.ExecutionID)
			m.mu.Unlock()
		}
	}
	return nil
}

