package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/progress"
)

// StatusUpdate is a status report pushed by a worker over the internal
// channel instead of stdout.
type StatusUpdate struct {
	Status   string            `json:"status,omitempty"`
	Progress *int              `json:"progress,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metrics  *progress.Metrics `json:"metrics,omitempty"`
	Logs     []string          `json:"logs,omitempty"`
}

// IngestStatus merges a worker-pushed update into the job record and fans it
// out. The job must exist.
//
// Workers may move a job from QUEUED to RUNNING and advance progress. They
// cannot finish a job: terminal statuses are decided by the process exit
// code (or Cancel), so a terminal status in the update is kept only as a
// message. Updates to a job that is already terminal are ignored.
func (m *Manager) IngestStatus(ctx context.Context, jobID string, upd StatusUpdate) (*jobregistry.JobRecord, error) {
	current, err := m.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var status jobregistry.Status
	if raw := strings.TrimSpace(upd.Status); raw != "" {
		s, ok := jobregistry.ParseStatus(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidParams, upd.Status)
		}
		status = s
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return nil, fmt.Errorf("%w: progress must be within 0..100", ErrInvalidParams)
	}

	rec, err := m.update(ctx, jobID, func(r *jobregistry.JobRecord) error {
		if r.Status.Terminal() {
			return jobregistry.ErrNoChange
		}
		now := m.now()
		switch {
		case status == jobregistry.StatusRunning && r.Status == jobregistry.StatusQueued:
			r.Status = jobregistry.StatusRunning
			r.StartedAt = &now
			r.Message = MsgRunning
		case status.Terminal():
			r.Message = fmt.Sprintf("Worker reported %s", status)
		}
		if upd.Progress != nil && *upd.Progress > r.Progress {
			r.Progress = *upd.Progress
		}
		if msg := strings.TrimSpace(upd.Message); msg != "" {
			r.Message = msg
		}
		if upd.Metrics != nil {
			r.Metrics = mergeMetrics(r.Metrics, *upd.Metrics)
		}
		for _, l := range upd.Logs {
			r.AppendLog(l, m.logLines)
		}
		return nil
	}, nil)
	switch {
	case errors.Is(err, jobregistry.ErrNoChange):
		return rec, nil
	case jobregistry.IsNotFound(err):
		// Live worker whose initial record is not readable yet: nothing to
		// merge into, but observers still get the synthesized view.
		m.publishLocked(current)
		return current, nil
	case err != nil:
		return nil, err
	}

	m.logger.Debug("Ingested worker status",
		zap.String("job_id", jobID),
		zap.String("status", string(rec.Status)),
		zap.Int("progress", rec.Progress))
	return rec, nil
}

func mergeMetrics(cur, upd progress.Metrics) progress.Metrics {
	if upd.Epoch > 0 {
		cur.Epoch = upd.Epoch
	}
	if upd.TotalEpochs > 0 {
		cur.TotalEpochs = upd.TotalEpochs
	}
	if upd.Step > 0 {
		cur.Step = upd.Step
	}
	if upd.TotalSteps > 0 {
		cur.TotalSteps = upd.TotalSteps
	}
	if upd.Loss != nil {
		cur.Loss = upd.Loss
	}
	if upd.ValLoss != nil {
		cur.ValLoss = upd.ValLoss
	}
	if upd.Accuracy != nil {
		cur.Accuracy = upd.Accuracy
	}
	if upd.LearningRate != nil {
		cur.LearningRate = upd.LearningRate
	}
	return cur
}
