package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/config"
	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/internal/server"
	"github.com/3leaps/gotrainer/internal/server/handlers"
	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/notify"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the training job server",
	Long: `Start the HTTP server that accepts training jobs, launches workers and
pushes status updates to WebSocket subscribers.

Workers are started as detached processes. Stopping the server does not
stop running workers; their records are reconciled on the next start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
		srvOverrides := map[string]any{}
		if cmd.Flags().Changed("host") {
			srvOverrides["host"] = serveHost
		}
		if cmd.Flags().Changed("port") {
			srvOverrides["port"] = servePort
		}
		overrides := cliOverrides(cmd)
		overrides["server"] = srvOverrides
		if cfg, err = config.Load(ctx, overrides); err != nil {
			return exitError(foundry.ExitInvalidArgument, "apply server flags", err)
		}
	}

	identity := GetAppIdentity()
	service := "gotrainer"
	if identity != nil && identity.BinaryName != "" {
		service = identity.BinaryName
	}
	logger, err := observability.NewLogger(observability.LoggerOptions{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
		Service: service,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	artifacts, err := openArtifacts(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = artifacts.Close() }()

	hub := notify.NewHub(notify.HubConfig{Buffer: cfg.Notify.Buffer, Logger: logger})
	publishers := []notify.Publisher{hub}
	if cfg.Notify.Redis.URL != "" {
		client, err := notify.DialRedis(ctx, cfg.Notify.Redis.URL)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "connect to redis", err)
		}
		relay := notify.NewRedisRelay(client, cfg.Notify.Redis.ChannelPrefix, cfg.Notify.Buffer, logger)
		defer func() {
			relay.Close()
			_ = client.Close()
		}()
		publishers = append(publishers, relay)
		logger.Info("Relaying job events to Redis", zap.String("channel_prefix", relay.Channel("")))
	}

	mgr, err := newManager(cfg, managerDeps{
		store:     store,
		artifacts: artifacts,
		publisher: notify.Multi(publishers...),
		logger:    logger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "create job manager", err)
	}

	if cfg.Jobs.ReconcileOnStart {
		report, err := mgr.Reconcile(ctx)
		if err != nil {
			logger.Warn("Startup reconciliation failed", zap.Error(err))
		} else if len(report.Orphaned) > 0 {
			logger.Warn("Jobs still running without a supervisor; stop them with 'jobs stop'",
				zap.Strings("job_ids", report.Orphaned))
		}
	}

	tokens, err := cfg.Auth.Users()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "parse auth tokens", err)
	}
	if len(tokens) == 0 {
		logger.Warn("Authentication disabled: no auth.tokens configured")
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("signals", signalHealthChecker{})
		if identity != nil {
			health.RegisterChecker("identity", identityHealthChecker{
				binaryName: identity.BinaryName,
				envPrefix:  identity.EnvPrefix,
				configName: identity.ConfigName,
			})
		}
		health.RegisterChecker("job_store", storeHealthChecker{store: store})
		health.RegisterChecker("worker", workerHealthChecker{resolver: buildResolver(cfg)})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(mgr),
		server.WithHub(hub),
		server.WithAuthTokens(tokens),
		server.WithIngestLimiter(middleware.NewLimiter(cfg.Ingest.Rate, cfg.Ingest.Burst)),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("Training server started",
		zap.String("addr", srv.Addr()),
		zap.String("jobs_dir", cfg.Jobs.Dir),
		zap.String("store", cfg.Jobs.Store),
		zap.String("artifacts", cfg.Artifacts.Backend),
		zap.String("version", versionInfo.Version))

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "http server", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down")
	health.SetReady(false)
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
	logger.Info("Server stopped; running workers continue detached")
	return nil
}

// signalHealthChecker reports the process is handling signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

// storeHealthChecker probes the job store with a lookup that is expected to
// miss.
type storeHealthChecker struct {
	store jobregistry.Store
}

const healthProbeJobID = "job_0_healthcheck"

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not configured")
	}
	_, err := c.store.Get(ctx, healthProbeJobID)
	if err == nil || jobregistry.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("job store: %w", err)
}

type workerHealthChecker struct {
	resolver *orchestrator.Resolver
}

func (c workerHealthChecker) CheckHealth(context.Context) error {
	if c.resolver == nil {
		return orchestrator.ErrWorkerUnavailable
	}
	_, err := c.resolver.Resolve()
	return err
}
