package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

const (
	stopPollInterval = 250 * time.Millisecond
	stopKillGrace    = 2 * time.Second
)

// runJobsStop writes STOPPED first and signals second, so a worker that
// exits in between cannot overwrite the operator's decision.
func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return exitError(foundry.ExitInvalidArgument, "invalid --signal", fmt.Errorf("%q (expected term or kill)", sigStr))
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	resolvedID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}

	var pid int
	rec, err := store.Update(ctx, resolvedID, func(r *jobregistry.JobRecord) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w (status=%s)", jobregistry.ErrTerminal, r.Status)
		}
		pid = r.PID
		now := time.Now().UTC()
		r.Status = jobregistry.StatusStopped
		r.StoppedAt = &now
		r.Message = "Training job stopped"
		return nil
	})
	if err != nil {
		if errors.Is(err, jobregistry.ErrTerminal) {
			return exitError(foundry.ExitInvalidArgument, "job is not running", err)
		}
		return exitError(foundry.ExitFileWriteError, "update job", err)
	}
	if pid <= 0 {
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nstatus=%s\nsent=none\n", rec.JobID, rec.Status)
		return nil
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}
	if err := supervisor.SignalPID(pid, sig); err != nil {
		if errors.Is(err, supervisor.ErrProcessGone) {
			clearStoppedPID(ctx, store, rec.JobID, pid)
			_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nstatus=%s\nsent=none;process=gone\n", rec.JobID, rec.Status)
			return nil
		}
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	sent := sigStr
	if sig == syscall.SIGTERM && !waitForExit(ctx, pid, wait) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = supervisor.SignalPID(pid, syscall.SIGKILL)
		sent = "term;forced=kill"
	}
	// A killed process is gone once the kernel reaps it; give it a moment.
	if supervisor.Alive(pid) {
		waitForExit(ctx, pid, stopKillGrace)
	}
	if !supervisor.Alive(pid) {
		clearStoppedPID(ctx, store, rec.JobID, pid)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nstatus=%s\nsent=%s\n", rec.JobID, rec.Status, sent)
	return nil
}

// waitForExit polls until pid is gone, wait elapses or ctx is done. It
// reports whether the process exited.
func waitForExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if !supervisor.Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(stopPollInterval):
		}
	}
}

// clearStoppedPID drops the pid of an exited worker from its stopped record.
// No server reaper does this for a job the CLI stopped.
func clearStoppedPID(ctx context.Context, store jobregistry.Store, jobID string, pid int) {
	_, err := store.Update(ctx, jobID, func(r *jobregistry.JobRecord) error {
		if r.PID != pid {
			return jobregistry.ErrNoChange
		}
		r.PID = 0
		return nil
	})
	if err != nil && !errors.Is(err, jobregistry.ErrNoChange) {
		observability.CLILogger.Warn("Failed to clear pid of stopped job",
			zap.String("job_id", jobID),
			zap.Int("pid", pid),
			zap.Error(err))
	}
}
