package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/config"
	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/notify"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

// loadedConfig returns the configuration loaded by initApp.
func loadedConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "configuration not loaded", fmt.Errorf("run through the root command"))
	}
	return cfg, nil
}

// openStore opens the configured job store.
func openStore(ctx context.Context, cfg *config.Config) (jobregistry.Store, error) {
	switch cfg.Jobs.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Jobs.SQLitePath), 0o755); err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "create job store directory", err)
		}
		store, err := jobregistry.OpenSQLStore(ctx, cfg.Jobs.SQLitePath)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "open job store", err)
		}
		return store, nil
	default:
		return jobregistry.NewFileStore(cfg.Jobs.Dir), nil
	}
}

// openArtifacts opens the configured artifact backend.
func openArtifacts(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch artifact.Backend(cfg.Artifacts.Backend) {
	case artifact.BackendS3:
		store, err := artifact.NewS3Store(ctx, cfg.Artifacts.S3)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "open s3 artifact store", err)
		}
		return store, nil
	default:
		store, err := artifact.NewFileStore(artifactsDir(cfg))
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "open artifact directory", err)
		}
		return store, nil
	}
}

func artifactsDir(cfg *config.Config) string {
	dir := cfg.Artifacts.Dir
	if dir == "" {
		dir = "models"
	}
	if !filepath.IsAbs(dir) {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	return dir
}

// buildResolver turns worker.candidates into strategies tried in order:
// the first is the primary worker, the second the simulation fallback.
// The builtin simulator goes last when enabled.
func buildResolver(cfg *config.Config) *orchestrator.Resolver {
	strategies := make([]orchestrator.Strategy, 0, len(cfg.Worker.Candidates)+1)
	for i, pattern := range cfg.Worker.Candidates {
		label := fmt.Sprintf("candidate-%d", i+1)
		switch i {
		case 0:
			label = "primary"
		case 1:
			label = "simulation"
		}
		strategies = append(strategies, orchestrator.ScriptStrategy{
			Label:       label,
			Pattern:     pattern,
			Interpreter: cfg.Worker.Interpreter,
			BaseDir:     cfg.Worker.WorkDir,
		})
	}
	if cfg.Worker.BuiltinSimulation {
		if exe, err := os.Executable(); err == nil {
			strategies = append(strategies, orchestrator.ExecutableStrategy{
				Label: "builtin-simulation",
				Path:  exe,
				Args:  []string{"worker", "simulate"},
				Dir:   cfg.Worker.WorkDir,
			})
		}
	}
	return orchestrator.NewResolver(strategies...)
}

// workerEnv is the environment added to every worker.
func workerEnv(cfg *config.Config) []string {
	env := []string{
		"GOTRAINER_STATUS_URL=" + cfg.Server.BaseURL() + "/internal/jobs",
		"GOTRAINER_ARTIFACTS_BACKEND=" + cfg.Artifacts.Backend,
	}
	if artifact.Backend(cfg.Artifacts.Backend) == artifact.BackendFile {
		env = append(env, "GOTRAINER_ARTIFACTS_DIR="+artifactsDir(cfg))
	}
	return env
}

type managerDeps struct {
	store     jobregistry.Store
	artifacts artifact.Store
	publisher notify.Publisher
	logger    *zap.Logger
}

// newManager builds a lifecycle manager over cfg. CLI commands that only
// read or prune records pass a zero managerDeps besides the store.
func newManager(cfg *config.Config, deps managerDeps) (*orchestrator.Manager, error) {
	return orchestrator.New(orchestrator.Options{
		Store:      deps.store,
		Supervisor: supervisor.New(supervisor.Config{PollInterval: cfg.Jobs.PollInterval, Logger: deps.logger}),
		Resolver:   buildResolver(cfg),
		Publisher:  deps.publisher,
		Artifacts:  deps.artifacts,
		Naming:     artifact.Naming{Template: cfg.Artifacts.NameTemplate},
		LogRoot:    cfg.Jobs.Dir,
		LogLines:   cfg.Jobs.LogLines,
		Env:        workerEnv(cfg),
		WorkDir:    cfg.Worker.WorkDir,
		Logger:     deps.logger,
	})
}
