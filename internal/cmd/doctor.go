package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/config"
	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/pkg/artifact"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  gotrainer doctor                 # Full environment check
  gotrainer doctor --provider s3   # Also check AWS credentials for S3 artifacts`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorReport counts numbered checks and remembers whether any failed.
type doctorReport struct {
	num   int
	total int
	ok    bool
}

func (r *doctorReport) pass(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] %s... ✅ %s", r.num, r.total, label, detail), fields...)
	r.num++
}

func (r *doctorReport) warn(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] %s... ⚠️  %s", r.num, r.total, label, detail), fields...)
	r.ok = false
	r.num++
}

func (r *doctorReport) fail(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] %s... ❌ %s", r.num, r.total, label, detail), fields...)
	r.ok = false
	r.num++
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	s3Checks := doctorProvider == "s3" || artifact.Backend(cfg.Artifacts.Backend) == artifact.BackendS3
	report := &doctorReport{num: 1, total: 7, ok: true}
	if s3Checks {
		report.total = 9
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		report.pass("Checking Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		report.warn("Checking Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		report.pass("Checking Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		report.fail("Checking Crucible access", "Cannot access Crucible")
	}
	if version.Gofulmen != "" {
		report.pass("Checking Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		report.fail("Checking Gofulmen access", "Cannot access Gofulmen")
	}

	if configDir, err := os.UserConfigDir(); err != nil {
		report.fail("Checking config directory", "Cannot find config directory", zap.Error(err))
	} else {
		report.pass("Checking config directory", configDir, zap.String("config_dir", configDir))
	}

	if err := checkWritableDir(cfg.Jobs.Dir); err != nil {
		report.fail("Checking jobs directory", cfg.Jobs.Dir+" is not writable", zap.Error(err))
	} else {
		report.pass("Checking jobs directory", cfg.Jobs.Dir, zap.String("jobs_dir", cfg.Jobs.Dir), zap.String("store", cfg.Jobs.Store))
	}

	checkWorker(report, cfg)

	report.pass("Checking environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if s3Checks {
		runS3Checks(cmd.Context(), report)
	}

	observability.CLILogger.Info("")
	if report.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
	return nil
}

// checkWritableDir creates dir if needed and probes it with a temp file.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkWorker(report *doctorReport, cfg *config.Config) {
	worker, err := buildResolver(cfg).Resolve()
	if err != nil {
		report.fail("Checking training worker", "No worker found", zap.Strings("candidates", cfg.Worker.Candidates), zap.Error(err))
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Set worker.candidates to the training script path, or enable")
		observability.CLILogger.Info("worker.builtin_simulation to use the built-in simulator.")
		observability.CLILogger.Info("")
		return
	}
	detail := worker.Name
	if len(worker.Args) > 0 {
		detail = fmt.Sprintf("%s (%s)", worker.Name, filepath.Base(worker.Args[0]))
	}
	report.pass("Checking training worker", detail,
		zap.String("worker", worker.Name),
		zap.String("program", worker.Program))
}

// runS3Checks verifies AWS credentials for the S3 artifact backend.
func runS3Checks(ctx context.Context, report *doctorReport) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Artifact Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		report.fail("Checking AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		report.fail("Checking AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	report.pass("Checking AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	report.pass("Checking credential source", source, zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - artifacts.s3.endpoint in the config file")
	observability.CLILogger.Info("")
}
