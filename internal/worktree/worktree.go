// Package worktree implements the Worktree Manager (C2): creating and
// destroying git worktrees/branches, validity checks and orphan cleanup.
// Grounded on the teacher's internal/agent/worktree package.
package worktree

import (
	"time"

	"github.com/sudocode-ai/execweave/internal/errs"
)

// Status is a Worktree's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusMerged  Status = "merged"
	StatusDeleted Status = "deleted"
)

// Worktree is the persisted record of one isolated checkout.
type Worktree struct {
	ID             string
	ExecutionID    string
	RepositoryPath string
	Path           string
	Branch         string
	BaseBranch     string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// CreateRequest is the input to Manager.Create.
type CreateRequest struct {
	ExecutionID    string
	RepositoryPath string
	BaseBranch     string
	BranchName     string // explicit override; derived from ExecutionID if empty
	CreateBranch   bool
	SparsePatterns []string
}

func (r CreateRequest) Validate() error {
	if r.ExecutionID == "" {
		return errs.New(errs.KindConflict, "execution_id is required")
	}
	if r.RepositoryPath == "" {
		return errs.New(errs.KindConflict, "repository_path is required")
	}
	return nil
}
