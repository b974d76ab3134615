package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/progress"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

const stderrPrefix = "[stderr] "

// handleLine folds one worker output line into the job record.
func (m *Manager) handleLine(jobID string, line supervisor.Line) {
	ctx := context.Background()
	logLine := line.Text
	if line.Stream == supervisor.Stderr {
		logLine = stderrPrefix + line.Text
	}

	var notable bool
	_, err := m.update(ctx, jobID, func(r *jobregistry.JobRecord) error {
		notable = false
		// Late output after a terminal write is dropped.
		if r.Status.Terminal() {
			return jobregistry.ErrNoChange
		}
		r.AppendLog(logLine, m.logLines)

		before := r.Metrics
		r.Metrics = progress.Extract(line.Text, r.Metrics)
		if !reflect.DeepEqual(before, r.Metrics) {
			notable = true
		}
		if p, ok := progress.Percent(r.Metrics); ok && p > r.Progress {
			r.Progress = p
			notable = true
		}
		if r.Status == jobregistry.StatusQueued {
			now := m.now()
			r.Status = jobregistry.StatusRunning
			r.StartedAt = &now
			r.Message = MsgRunning
			notable = true
		}
		return nil
	}, func(*jobregistry.JobRecord) bool { return notable })
	if err != nil && !errors.Is(err, jobregistry.ErrNoChange) {
		m.logger.Warn("Failed to record worker output",
			zap.String("job_id", jobID),
			zap.String("stream", string(line.Stream)),
			zap.Error(err))
	}
}

// handleExit finalizes the record once the worker has been reaped. A record
// that is already terminal is left as it is: the first terminal write wins.
// Write failures are logged and not retried.
func (m *Manager) handleExit(jobID string, exit supervisor.ExitInfo) {
	ctx := context.Background()
	now := m.now()

	rec, err := m.update(ctx, jobID, func(r *jobregistry.JobRecord) error {
		if r.Status.Terminal() {
			if r.PID == 0 {
				return jobregistry.ErrNoChange
			}
			r.PID = 0
			return nil
		}
		code := exit.Code
		r.PID = 0
		r.ExitCode = &code

		switch {
		case exit.StopRequested:
			r.Status = jobregistry.StatusStopped
			r.StoppedAt = &now
			r.Message = MsgStopped
		case exit.Success():
			r.Status = jobregistry.StatusCompleted
			r.Progress = 100
			r.CompletedAt = &now
			r.Message = MsgCompleted
		default:
			r.Status = jobregistry.StatusFailed
			r.CompletedAt = &now
			r.Error = exitMessage(exit)
			r.Message = r.Error
		}
		return nil
	}, nil)
	switch {
	case errors.Is(err, jobregistry.ErrNoChange):
		m.logger.Debug("Worker exit after terminal status", zap.String("job_id", jobID))
		return
	case err != nil:
		m.logger.Error("Failed to record worker exit",
			zap.String("job_id", jobID),
			zap.Int("exit_code", exit.Code),
			zap.Error(err))
		return
	}

	m.logger.Info("Training job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(rec.Status)),
		zap.Int("exit_code", exit.Code))
}

func exitMessage(exit supervisor.ExitInfo) string {
	switch {
	case exit.Signal != "":
		return fmt.Sprintf("Training process terminated by signal %s", exit.Signal)
	case exit.Err != nil:
		return fmt.Sprintf("Training process could not be waited on: %v", exit.Err)
	default:
		return fmt.Sprintf("Training process exited with code %d", exit.Code)
	}
}
