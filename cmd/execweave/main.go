// Package main is execweave's single-binary entry point: it opens one
// project against a repository path and serves it until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	execengine "github.com/sudocode-ai/execweave/internal/execution/engine"
	"github.com/sudocode-ai/execweave/internal/obs/config"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/registry"
)

func main() {
	repoPath := flag.String("repo", ".", "path to the git repository to open")
	dataDir := flag.String("data-dir", "", "directory for sqlite stores (default <repo>/.execweave/data)")
	configFile := flag.String("config", "", "path to a config file (yaml/json/toml, viper-detected)")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("EXECWEAVE")
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "execweave: reading config file: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execweave: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: "info", Format: "", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "execweave: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	agentBinaries := map[string]execengine.AgentBinary{}
	if cmd := os.Getenv("EXECWEAVE_ACP_AGENT_COMMAND"); cmd != "" {
		agentBinaries["acp"] = execengine.AgentBinary{Command: cmd}
	}

	reg := registry.New(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proj, err := reg.Open(ctx, registry.OpenConfig{
		RepoPath:      *repoPath,
		DataDir:       *dataDir,
		Config:        cfg,
		AgentBinaries: agentBinaries,
	})
	if err != nil {
		log.Fatal("opening project failed", zap.Error(err))
	}
	log.Info("project opened",
		zap.String("project_id", proj.ID),
		zap.String("repo_path", proj.RepoPath),
	)
	if addr := proj.OrchestratorMCP.Addr(); addr != nil {
		log.Info("orchestrator MCP tool server listening", zap.String("addr", addr.String()))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down execweave...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Error("registry shutdown reported an error", zap.Error(err))
	}
	log.Info("execweave stopped")
}
