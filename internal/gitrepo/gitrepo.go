// Package gitrepo is the narrow git interface the core consumes (core §6):
// createWorktree, removeWorktree, listWorktrees, revParseHead, diffNames,
// branchExists, createBranch, deleteBranch, listBranches. It shells out to
// the git CLI, following the teacher's worktree manager convention.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git shells out to a git binary rooted at a repository.
type Git struct {
	Bin string // defaults to "git"
}

func New() *Git { return &Git{Bin: "git"} }

func (g *Git) bin() string {
	if g.Bin == "" {
		return "git"
	}
	return g.Bin
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin(), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// BranchExists reports whether branch exists in repoPath.
func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	_, err := g.run(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// CreateBranch creates branch at base (or HEAD if base is empty).
func (g *Git) CreateBranch(ctx context.Context, repoPath, branch, base string) error {
	args := []string{"branch", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// DeleteBranch force-deletes branch.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "branch", "-D", branch)
	return err
}

// ListBranches returns local branch names.
func (g *Git) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CreateWorktreeOpts configures CreateWorktree.
type CreateWorktreeOpts struct {
	WorktreePath  string
	BranchName    string
	BaseBranch    string
	CreateBranch  bool
	SparsePatterns []string
}

// CreateWorktree registers a new worktree at opts.WorktreePath.
func (g *Git) CreateWorktree(ctx context.Context, repoPath string, opts CreateWorktreeOpts) error {
	var args []string
	if opts.CreateBranch {
		args = []string{"worktree", "add", "-b", opts.BranchName, opts.WorktreePath}
		if opts.BaseBranch != "" {
			args = append(args, opts.BaseBranch)
		}
	} else {
		args = []string{"worktree", "add", opts.WorktreePath, opts.BranchName}
	}
	if _, err := g.run(ctx, repoPath, args...); err != nil {
		return err
	}
	if len(opts.SparsePatterns) > 0 {
		if err := g.applySparseCheckout(ctx, opts.WorktreePath, opts.SparsePatterns); err != nil {
			return err
		}
	}
	return nil
}

func (g *Git) applySparseCheckout(ctx context.Context, worktreePath string, patterns []string) error {
	if _, err := g.run(ctx, worktreePath, "sparse-checkout", "init", "--no-cone"); err != nil {
		return err
	}
	args := append([]string{"sparse-checkout", "set", "--no-cone"}, patterns...)
	_, err := g.run(ctx, worktreePath, args...)
	return err
}

// RemoveWorktree removes the worktree registration and directory.
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := g.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		// idempotent on an already-gone directory/registration
		if strings.Contains(err.Error(), "is not a working tree") || strings.Contains(err.Error(), "No such file") {
			_, _ = g.run(ctx, repoPath, "worktree", "prune")
			return nil
		}
		return err
	}
	return nil
}

// WorktreeEntry is one row of `git worktree list`.
type WorktreeEntry struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees enumerates registered worktrees for repoPath.
func (g *Git) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeEntry, error) {
	out, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []WorktreeEntry
	var cur WorktreeEntry
	for _, line := range splitLines(out) {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				entries = append(entries, cur)
			}
			cur = WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// RevParseHead returns the current HEAD commit of dir.
func (g *Git) RevParseHead(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffNames returns the changed file paths between two refs in dir.
func (g *Git) DiffNames(ctx context.Context, dir, baseRef, headRef string) ([]string, error) {
	if baseRef == headRef {
		return nil, nil
	}
	out, err := g.run(ctx, dir, "diff", "--name-only", baseRef, headRef)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
