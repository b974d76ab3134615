package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

// Logs returns the last tail lines of a job's stdout, stderr, or both
// (stdout first). tail <= 0 returns everything.
func (m *Manager) Logs(ctx context.Context, jobID, stream string, tail int) ([]string, error) {
	rec, err := m.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}

	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(m.LogDir(rec.JobID), "stdout.log")
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(m.LogDir(rec.JobID), "stderr.log")
	}

	read := func(path string) ([]string, error) {
		lines, err := supervisor.TailFile(path, tail)
		if os.IsNotExist(err) {
			return nil, nil
		}
		return lines, err
	}

	switch strings.ToLower(strings.TrimSpace(stream)) {
	case "", "stdout":
		return read(stdoutPath)
	case "stderr":
		return read(stderrPath)
	case "both":
		out, err := read(stdoutPath)
		if err != nil {
			return nil, err
		}
		errLines, err := read(stderrPath)
		if err != nil {
			return nil, err
		}
		return append(out, errLines...), nil
	default:
		return nil, fmt.Errorf("%w: invalid stream %q (expected stdout, stderr, or both)", ErrInvalidParams, stream)
	}
}

// ArtifactKey returns the deterministic artifact key for a job.
func (m *Manager) ArtifactKey(jobID string) string {
	return m.naming.Key(jobID)
}

// Artifact opens the output of a COMPLETED job. Jobs in any other state
// yield a *NotCompleteError carrying the current status.
func (m *Manager) Artifact(ctx context.Context, jobID string) (*jobregistry.JobRecord, *artifact.Object, error) {
	rec, err := m.Query(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != jobregistry.StatusCompleted {
		return rec, nil, &NotCompleteError{JobID: rec.JobID, Status: rec.Status}
	}
	if m.artifacts == nil {
		return rec, nil, ErrArtifactsDisabled
	}
	obj, err := m.artifacts.Open(ctx, m.ArtifactKey(rec.JobID))
	if err != nil {
		if artifact.IsNotFound(err) {
			return rec, nil, fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
		}
		return rec, nil, err
	}
	return rec, obj, nil
}
