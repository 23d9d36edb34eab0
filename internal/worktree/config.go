package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config mirrors the core's worktree-related configuration keys (§6).
type Config struct {
	Enabled        bool
	BasePath       string // worktreeStoragePath, relative to repo root
	MaxPerRepo     int
	BranchPrefix   string
	AutoDeleteBranch bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BasePath:     ".execweave/worktrees",
		MaxPerRepo:   20,
		BranchPrefix: "execweave/",
	}
}

func (c Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("worktree: base path must not be empty")
	}
	if c.MaxPerRepo <= 0 {
		return fmt.Errorf("worktree: max per repo must be positive")
	}
	return nil
}

// ExpandedBasePath resolves repoPath-relative BasePath to an absolute path.
func (c Config) ExpandedBasePath(repoPath string) string {
	if filepath.IsAbs(c.BasePath) {
		return c.BasePath
	}
	return filepath.Join(repoPath, c.BasePath)
}

// WorktreePath returns the stable path for an execution's worktree.
func (c Config) WorktreePath(repoPath, executionID string) string {
	return filepath.Join(c.ExpandedBasePath(repoPath), executionID)
}

// BranchName returns the default branch name for an execution.
func (c Config) BranchName(issueOrExecID string) string {
	return c.BranchPrefix + issueOrExecID
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
var repeatHyphen = regexp.MustCompile(`-+`)

// SanitizeForBranch converts an arbitrary title into a branch-safe slug.
func SanitizeForBranch(title string, maxLen int) string {
	s := strings.ToLower(title)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = repeatHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
