// Package cmd implements the gotrainer command line.
package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/config"
	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/internal/server/handlers"
)

var (
	cfgFile     string
	envFile     string
	logLevel    string
	appIdentity *config.Identity
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "gotrainer",
	Short: "Run and supervise model training jobs",
	Long: `gotrainer launches training workers as child processes, tracks their
progress from log output, and serves job status over HTTP and WebSocket.

Job records live under the jobs directory and survive restarts; the
'jobs' commands read them directly, so they work with or without a
running server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $GOTRAINER_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default: .env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// SetVersionInfo records build metadata for the version command and endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved during startup, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if loggerReady {
		observability.CLILogger.Error(err.Error())
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

// loggerReady is set once initApp has configured the CLI logger.
var loggerReady bool

func initApp(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return exitError(foundry.ExitFileNotFound, "load env file", err)
		}
	} else {
		// Existing environment variables win over .env entries.
		_ = godotenv.Load(".env")
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), cliOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "load configuration", err)
	}

	appIdentity = config.GetIdentity()
	observability.InitCLILogger(cfg.Logging.Level)
	loggerReady = true
	return nil
}

// cliOverrides maps persistent flags onto config keys.
func cliOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	return overrides
}

// cliExitError carries a process exit code.
type cliExitError struct {
	code    int
	message string
	err     error
}

func (e *cliExitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliExitError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliExitError{code: code, message: message, err: err}
}

func exitCode(err error) int {
	var ce *cliExitError
	if stderrors.As(err, &ce) {
		return ce.code
	}
	if strings.Contains(err.Error(), "unknown command") || strings.Contains(err.Error(), "unknown flag") {
		return foundry.ExitInvalidArgument
	}
	return 1
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	os.Exit(code)
}
