package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotrainer/internal/config"
	"github.com/3leaps/gotrainer/internal/observability"
)

// loadTestConfig isolates config discovery and loads a configuration whose
// jobs and artifacts live under a temp directory.
func loadTestConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv("GOTRAINER_CONFIG", "")
	config.SetConfigFile("")

	base := map[string]any{
		"jobs":      map[string]any{"dir": filepath.Join(home, "jobs")},
		"artifacts": map[string]any{"dir": filepath.Join(home, "models")},
	}
	cfg, err := config.Load(context.Background(), base, overrides)
	require.NoError(t, err)
	observability.InitCLILogger("error")
	return cfg
}

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after set", func(t *testing.T) {
		orig := appIdentity
		defer func() { appIdentity = orig }()

		id := config.DefaultIdentity()
		appIdentity = &id
		got := GetAppIdentity()
		require.NotNil(t, got)
		assert.Equal(t, "gotrainer", got.BinaryName)
		assert.Equal(t, "GOTRAINER", got.EnvPrefix)
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "exit error carries its code",
			err:  exitError(foundry.ExitFileNotFound, "job not found", errors.New("job_1")),
			want: foundry.ExitFileNotFound,
		},
		{
			name: "wrapped exit error",
			err:  fmt.Errorf("outer: %w", exitError(foundry.ExitInvalidArgument, "bad flag", nil)),
			want: foundry.ExitInvalidArgument,
		},
		{
			name: "unknown flag",
			err:  errors.New("unknown flag: --nope"),
			want: foundry.ExitInvalidArgument,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := exitError(foundry.ExitFileReadError, "read job", errors.New("permission denied"))
	assert.Contains(t, err.Error(), "read job: permission denied")
	assert.Contains(t, err.Error(), fmt.Sprintf("exit code %d", foundry.ExitFileReadError))

	bare := exitError(foundry.ExitInvalidArgument, "missing job id", nil)
	assert.Equal(t, fmt.Sprintf("missing job id (exit code %d)", foundry.ExitInvalidArgument), bare.Error())
}

func TestCLIOverrides(t *testing.T) {
	orig := logLevel
	defer func() { logLevel = orig }()

	t.Run("unchanged flag adds nothing", func(t *testing.T) {
		c := &cobra.Command{Use: "x"}
		c.Flags().StringVar(&logLevel, "log-level", "", "")
		assert.Empty(t, cliOverrides(c))
	})

	t.Run("log level maps to logging.level", func(t *testing.T) {
		c := &cobra.Command{Use: "x"}
		c.Flags().StringVar(&logLevel, "log-level", "", "")
		require.NoError(t, c.Flags().Set("log-level", "debug"))

		got := cliOverrides(c)
		assert.Equal(t, map[string]any{"logging": map[string]any{"level": "debug"}}, got)
	})
}

func TestLoadedConfig(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	got, err := loadedConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Jobs.Dir, got.Jobs.Dir)
}

func TestRootCommandTree(t *testing.T) {
	want := map[string]bool{"serve": false, "jobs": false, "worker": false, "doctor": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "missing command %q", name)
	}
}
