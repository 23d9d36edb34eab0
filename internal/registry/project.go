package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/entitystore"
	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	execstore "github.com/sudocode-ai/execweave/internal/execution/store"
	"github.com/sudocode-ai/execweave/internal/gitrepo"
	"github.com/sudocode-ai/execweave/internal/logstore"
	"github.com/sudocode-ai/execweave/internal/obs/config"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/process"
	wfengine "github.com/sudocode-ai/execweave/internal/workflow/engine"
	wfstore "github.com/sudocode-ai/execweave/internal/workflow/store"
	"github.com/sudocode-ai/execweave/internal/worktree"
	"github.com/sudocode-ai/execweave/internal/workflow/orchestrator"
)

// Project is one open repository's full collaborator set (core §4.9):
// its own entity store, worktree manager, execution engine, both workflow
// engine variants, and bus, isolated from every other open project.
type Project struct {
	ID       string
	RepoPath string
	DataDir  string

	Entities        entitystore.Store
	Worktrees       *worktree.Manager
	Processes       *process.Manager
	Bus             bus.Bus
	Logs            logstore.Store
	Executions      *execengine.Engine
	Workflows       *wfengine.Engine
	Orchestrator    *orchestrator.Engine
	OrchestratorMCP *orchestrator.Server

	config config.Config
	log    *logger.Logger

	dbs []*sqlx.DB // every opened sqlite handle, for Shutdown to close
}

// openProject constructs every per-project collaborator and wires them the
// same way a sequential pipeline would (core §2 data flow): entity store
// first, then worktree/process/bus/logs, then C6, then both C7 variants on
// top of C6.
func openProject(id, repoPath, dataDir string, cfg config.Config, agentBinaries map[string]execengine.AgentBinary, log *logger.Logger) (*Project, error) {
	log = log.WithFields(zap.String("project_id", id), zap.String("repo_path", repoPath))

	p := &Project{ID: id, RepoPath: repoPath, DataDir: dataDir, config: cfg, log: log}

	entDB, err := openSQLite(filepath.Join(dataDir, "entities.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: opening entity store: %w", err)
	}
	p.dbs = append(p.dbs, entDB)
	p.Entities, err = entitystore.NewSQLiteStore(entDB)
	if err != nil {
		return nil, fmt.Errorf("registry: initializing entity store: %w", err)
	}

	wtDB, err := openSQLite(filepath.Join(dataDir, "worktrees.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: opening worktree store: %w", err)
	}
	p.dbs = append(p.dbs, wtDB)
	wtStore, err := worktree.NewSQLiteStore(wtDB)
	if err != nil {
		return nil, fmt.Errorf("registry: initializing worktree store: %w", err)
	}

	wtCfg := worktree.Config{
		Enabled:          true,
		BasePath:         cfg.WorktreeStoragePath,
		MaxPerRepo:       20,
		BranchPrefix:     cfg.BranchPrefix,
		AutoDeleteBranch: cfg.AutoDeleteBranches,
	}
	if wtCfg.BasePath == "" {
		wtCfg = worktree.DefaultConfig()
		wtCfg.BranchPrefix = cfg.BranchPrefix
	}
	p.Worktrees = worktree.NewManager(wtCfg, wtStore, log)

	p.Processes = process.NewManager(log)
	p.Bus = bus.NewMemoryBus(log)

	logDB, err := openSQLite(filepath.Join(dataDir, "logs.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: opening log store: %w", err)
	}
	p.dbs = append(p.dbs, logDB)
	p.Logs, err = logstore.NewSQLiteStore(logDB)
	if err != nil {
		return nil, fmt.Errorf("registry: initializing log store: %w", err)
	}

	exDB, err := openSQLite(filepath.Join(dataDir, "executions.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: opening execution store: %w", err)
	}
	p.dbs = append(p.dbs, exDB)
	execStore, err := execstore.NewSQLiteStore(exDB)
	if err != nil {
		return nil, fmt.Errorf("registry: initializing execution store: %w", err)
	}

	p.Executions = execengine.New(execengine.Dependencies{
		ProjectID:     id,
		RepoPath:      repoPath,
		Entities:      p.Entities,
		Executions:    execStore,
		Worktrees:     p.Worktrees,
		Processes:     p.Processes,
		Bus:           p.Bus,
		Logs:          p.Logs,
		Git:           gitrepo.New(),
		Config:        cfg,
		AgentBinaries: agentBinaries,
		Logger:        log,
	})

	wfDB, err := openSQLite(filepath.Join(dataDir, "workflows.db"))
	if err != nil {
		return nil, fmt.Errorf("registry: opening workflow store: %w", err)
	}
	p.dbs = append(p.dbs, wfDB)
	wfStore, err := wfstore.NewSQLiteStore(wfDB)
	if err != nil {
		return nil, fmt.Errorf("registry: initializing workflow store: %w", err)
	}

	p.Workflows = wfengine.New(wfengine.Dependencies{
		ProjectID:  id,
		Executions: p.Executions,
		Workflows:  wfStore,
		Bus:        p.Bus,
		Logger:     log,
	})

	p.Orchestrator = orchestrator.New(orchestrator.Dependencies{
		ProjectID:  id,
		Executions: p.Executions,
		Workflows:  wfStore,
		Bus:        p.Bus,
		Logs:       p.Logs,
		Logger:     log,
	}, wfStore)

	if err := p.Workflows.Recover(context.Background()); err != nil {
		log.Warn("recovering sequential workflows failed", zap.Error(err))
	}
	if err := p.Orchestrator.Recover(context.Background()); err != nil {
		log.Warn("recovering orchestrator workflows failed", zap.Error(err))
	}

	p.OrchestratorMCP = orchestrator.NewServer(orchestrator.ServerConfig{Port: cfg.OrchestratorMCPPort}, log)
	if err := p.OrchestratorMCP.Start(context.Background(), p.Orchestrator); err != nil {
		log.Warn("starting orchestrator MCP server failed", zap.Error(err))
	}

	if cfg.CleanupOrphanedWorktreesOnStartup {
		if err := p.cleanupOrphans(context.Background()); err != nil {
			log.Warn("cleaning up orphaned worktrees failed", zap.Error(err))
		}
	}

	return p, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	return sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
}

// cleanupOrphans removes any worktree the store still lists as active
// whose owning execution is no longer live (core §4.9's
// cleanupOrphanedWorktreesOnStartup, run at open()).
func (p *Project) cleanupOrphans(ctx context.Context) error {
	live, err := p.Executions.List(ctx, execstore.Filters{})
	if err != nil {
		return err
	}
	liveIDs := make(map[string]bool, len(live))
	for _, ex := range live {
		if !ex.Status.Terminal() {
			liveIDs[ex.ID] = true
		}
	}
	return p.Worktrees.CleanupOrphans(ctx, p.RepoPath, liveIDs)
}

// shutdown cancels every in-flight execution and workflow, stops wakeup
// timers, terminates tracked subprocesses, and closes every sqlite handle
// this project opened (core §4.9 shutdown()).
func (p *Project) shutdown(ctx context.Context) error {
	if err := p.OrchestratorMCP.Stop(ctx); err != nil {
		p.log.Warn("stopping orchestrator MCP server failed", zap.Error(err))
	}
	if err := p.Workflows.Shutdown(ctx); err != nil {
		p.log.Warn("sequential workflow shutdown reported an error", zap.Error(err))
	}
	if err := p.Orchestrator.Shutdown(ctx); err != nil {
		p.log.Warn("orchestrator shutdown reported an error", zap.Error(err))
	}
	if err := p.Executions.Shutdown(ctx); err != nil {
		p.log.Warn("execution shutdown reported an error", zap.Error(err))
	}
	p.Processes.Shutdown(ctx)
	p.Bus.Close()

	if err := p.Entities.Close(); err != nil {
		p.log.Warn("closing entity store failed", zap.Error(err))
	}
	for _, db := range p.dbs {
		if err := db.Close(); err != nil {
			p.log.Warn("closing a project sqlite handle failed", zap.Error(err))
		}
	}
	return nil
}
