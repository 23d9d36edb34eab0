// Package config loads the execweave core's recognized configuration keys.
//
// Only the keys the core itself consumes (§6 of the specification) live
// here. Everything about how a config file is laid out, merged or
// front-matter-parsed belongs to a surrounding collaborator and is out of
// scope; this package is a thin mapstructure target for whatever viper
// source the embedder wires up (file, env, flags, remote provider).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ExecutionMode selects the process variant the Execution Engine uses.
type ExecutionMode string

const (
	ExecutionModeStructured  ExecutionMode = "structured" // stdio pipes
	ExecutionModeInteractive ExecutionMode = "interactive" // PTY
)

// PermissionMode controls how C3 permission prompts are resolved.
type PermissionMode string

const (
	PermissionModeInteractive  PermissionMode = "interactive"
	PermissionModeAutoApprove  PermissionMode = "auto-approve"
)

// OnFailurePolicy controls workflow reaction to a failed step.
type OnFailurePolicy string

const (
	OnFailurePause    OnFailurePolicy = "pause"
	OnFailureContinue OnFailurePolicy = "continue"
	OnFailureAbort    OnFailurePolicy = "abort"
)

// AutonomyLevel controls whether the orchestrator may auto-resolve escalations.
type AutonomyLevel string

const (
	AutonomyHumanInTheLoop AutonomyLevel = "human_in_the_loop"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

// TerminalConfig describes the PTY dimensions for the interactive variant.
type TerminalConfig struct {
	Cols int    `mapstructure:"cols"`
	Rows int    `mapstructure:"rows"`
	Name string `mapstructure:"name"`
}

// WorkflowConfig is the workflow.* config subtree.
type WorkflowConfig struct {
	Parallelism      string          `mapstructure:"parallelism"` // "sequential" or "parallel(N)"
	OnFailure        OnFailurePolicy `mapstructure:"on_failure"`
	DefaultAgentType string          `mapstructure:"default_agent_type"`
	AutonomyLevel    AutonomyLevel   `mapstructure:"autonomy_level"`
}

// Config is the full set of core-recognized configuration.
type Config struct {
	WorktreeStoragePath               string         `mapstructure:"worktree_storage_path"`
	AutoCreateBranches                bool           `mapstructure:"auto_create_branches"`
	AutoDeleteBranches                bool           `mapstructure:"auto_delete_branches"`
	EnableSparseCheckout              bool           `mapstructure:"enable_sparse_checkout"`
	SparseCheckoutPatterns            []string       `mapstructure:"sparse_checkout_patterns"`
	BranchPrefix                      string         `mapstructure:"branch_prefix"`
	CleanupOrphanedWorktreesOnStartup bool           `mapstructure:"cleanup_orphaned_worktrees_on_startup"`
	ExecutionMode                     ExecutionMode  `mapstructure:"execution_mode"`
	Terminal                         TerminalConfig `mapstructure:"terminal"`
	IdleTimeoutMs                    int            `mapstructure:"idle_timeout_ms"`
	HardTimeoutMs                    int            `mapstructure:"hard_timeout_ms"`
	PermissionMode                   PermissionMode `mapstructure:"permission_mode"`
	Workflow                         WorkflowConfig `mapstructure:"workflow"`
	// OrchestratorMCPPort is the port the orchestrator's MCP tool server
	// binds to; 0 picks an ephemeral port (the default, since most
	// embedders run one execweave process per repo and don't need a
	// fixed address).
	OrchestratorMCPPort int `mapstructure:"orchestrator_mcp_port"`
}

// Default returns the configuration's baseline values.
func Default() Config {
	return Config{
		WorktreeStoragePath:               ".execweave/worktrees",
		AutoCreateBranches:                true,
		AutoDeleteBranches:                false,
		EnableSparseCheckout:              false,
		BranchPrefix:                      "execweave/",
		CleanupOrphanedWorktreesOnStartup: true,
		ExecutionMode:                     ExecutionModeStructured,
		Terminal:                          TerminalConfig{Cols: 120, Rows: 40, Name: "xterm-256color"},
		IdleTimeoutMs:                     5 * 60 * 1000,
		HardTimeoutMs:                     60 * 60 * 1000,
		PermissionMode:                    PermissionModeInteractive,
		Workflow: WorkflowConfig{
			Parallelism:      "sequential",
			OnFailure:        OnFailurePause,
			DefaultAgentType: "stub-agent",
			AutonomyLevel:    AutonomyHumanInTheLoop,
		},
	}
}

// Load populates Config from a pre-configured viper instance (the caller
// owns file discovery, env binding and flag binding).
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func (c Config) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutMs) * time.Millisecond }
func (c Config) HardTimeout() time.Duration { return time.Duration(c.HardTimeoutMs) * time.Millisecond }
