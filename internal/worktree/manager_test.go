package worktree

import (
	"context"
	"os/exec"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// newTestRepo initializes a throwaway git repository with one commit on
// its default branch, returning its path.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := DefaultConfig()
	cfg.BasePath = t.TempDir()
	return NewManager(cfg, store, logger.Default())
}

// TestCreateAppendsNumericSuffixOnBranchCollision exercises core §4.2/§5:
// on branch name collision the implementation must append a numeric
// suffix, not clobber the existing branch or attach a second worktree
// to it.
func TestCreateAppendsNumericSuffixOnBranchCollision(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	const collidingBranch = "execweave/shared"

	first, err := mgr.Create(ctx, CreateRequest{
		ExecutionID:    "exec-1",
		RepositoryPath: repo,
		BranchName:     collidingBranch,
		CreateBranch:   true,
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Branch != collidingBranch {
		t.Fatalf("expected first branch %q, got %q", collidingBranch, first.Branch)
	}

	second, err := mgr.Create(ctx, CreateRequest{
		ExecutionID:    "exec-2",
		RepositoryPath: repo,
		BranchName:     collidingBranch,
		CreateBranch:   true,
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Branch == collidingBranch {
		t.Fatalf("expected second branch to get a numeric suffix, still %q", second.Branch)
	}
	if second.Branch != collidingBranch+"-2" {
		t.Fatalf("expected suffixed branch %q, got %q", collidingBranch+"-2", second.Branch)
	}
	if second.Path == first.Path {
		t.Fatalf("expected distinct worktree paths")
	}

	third, err := mgr.Create(ctx, CreateRequest{
		ExecutionID:    "exec-3",
		RepositoryPath: repo,
		BranchName:     collidingBranch,
		CreateBranch:   true,
	})
	if err != nil {
		t.Fatalf("create third: %v", err)
	}
	if third.Branch != collidingBranch+"-3" {
		t.Fatalf("expected suffixed branch %q, got %q", collidingBranch+"-3", third.Branch)
	}
}

// TestUniqueBranchNameNoCollision exercises the no-collision fast path.
func TestUniqueBranchNameNoCollision(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	name, err := mgr.uniqueBranchName(ctx, repo, "execweave/fresh")
	if err != nil {
		t.Fatalf("uniqueBranchName: %v", err)
	}
	if name != "execweave/fresh" {
		t.Fatalf("expected unchanged name, got %q", name)
	}
}
