package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

const followPollInterval = 250 * time.Millisecond

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}

	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	follow, _ := cmd.Flags().GetBool("follow")

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
	rec, err := store.Get(ctx, resolvedID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read job", err)
	}

	stdoutPath, stderrPath := logPaths(cfg.Jobs.Dir, rec)
	out := cmd.OutOrStdout()

	switch stream {
	case "stdout":
		if follow {
			return followLog(ctx, out, stdoutPath, tailN)
		}
		return printLogTail(out, stdoutPath, tailN)
	case "stderr":
		if follow {
			return followLog(ctx, out, stderrPath, tailN)
		}
		return printLogTail(out, stderrPath, tailN)
	case "both":
		if follow {
			return exitError(foundry.ExitInvalidArgument, "--follow needs a single stream", fmt.Errorf("use --stream stdout or stderr"))
		}
		if err := printLogTail(out, stdoutPath, tailN); err != nil {
			return err
		}
		return printLogTail(out, stderrPath, tailN)
	default:
		return exitError(foundry.ExitInvalidArgument, "invalid --stream", fmt.Errorf("%q (expected stdout, stderr, or both)", stream))
	}
}

// logPaths returns the recorded log files, falling back to the standard
// layout under the jobs directory.
func logPaths(jobsDir string, rec *jobregistry.JobRecord) (string, string) {
	stdoutPath := rec.StdoutPath
	stderrPath := rec.StderrPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(jobsDir, rec.JobID, "stdout.log")
	}
	if stderrPath == "" {
		stderrPath = filepath.Join(jobsDir, rec.JobID, "stderr.log")
	}
	return stdoutPath, stderrPath
}

func printLogTail(out io.Writer, path string, tailN int) error {
	lines, err := supervisor.TailFile(path, tailN)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return exitError(foundry.ExitFileReadError, "read log", err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

// followLog prints the tail of path, then polls for appended output until
// ctx is cancelled.
func followLog(ctx context.Context, out io.Writer, path string, tailN int) error {
	if err := printLogTail(out, path, tailN); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "open log", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			partial.WriteString(line)
		}
		if err == nil {
			_, _ = fmt.Fprint(out, partial.String())
			partial.Reset()
			continue
		}
		if err != io.EOF {
			return err
		}
		select {
		case <-ctx.Done():
			if partial.Len() > 0 {
				_, _ = fmt.Fprintln(out, partial.String())
			}
			return nil
		case <-time.After(followPollInterval):
		}
	}
}
