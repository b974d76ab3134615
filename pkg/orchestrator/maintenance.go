package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

// ReconcileReport summarizes a startup sweep.
type ReconcileReport struct {
	Interrupted []string `json:"interrupted"`
	Orphaned    []string `json:"orphaned"`
}

// Reconcile resolves non-terminal records that have no live worker handle,
// which happens after a server restart.
//
// A record whose pid no longer exists becomes FAILED with an interrupted
// message. A record whose pid is still alive stays RUNNING and is annotated
// as orphaned; it can be stopped with the operator CLI.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	records, err := m.store.List(ctx)
	if err != nil {
		return report, err
	}

	for _, r := range records {
		if r.Status.Terminal() {
			continue
		}
		if _, live := m.sup.Lookup(r.JobID); live {
			continue
		}

		alive := supervisor.Alive(r.PID)
		_, err := m.update(ctx, r.JobID, func(cur *jobregistry.JobRecord) error {
			if cur.Status.Terminal() {
				return jobregistry.ErrNoChange
			}
			if alive {
				if cur.Message == MsgOrphaned {
					return jobregistry.ErrNoChange
				}
				cur.Message = MsgOrphaned
				return nil
			}
			now := m.now()
			cur.Status = jobregistry.StatusFailed
			cur.CompletedAt = &now
			cur.PID = 0
			cur.Error = MsgInterrupted
			cur.Message = MsgInterrupted
			return nil
		}, nil)
		if errors.Is(err, jobregistry.ErrNoChange) {
			continue
		}
		if err != nil {
			m.logger.Warn("Failed to reconcile job", zap.String("job_id", r.JobID), zap.Error(err))
			continue
		}
		if alive {
			report.Orphaned = append(report.Orphaned, r.JobID)
		} else {
			report.Interrupted = append(report.Interrupted, r.JobID)
		}
	}

	if len(report.Interrupted)+len(report.Orphaned) > 0 {
		m.logger.Info("Reconciled jobs without a supervisor",
			zap.Int("interrupted", len(report.Interrupted)),
			zap.Int("orphaned", len(report.Orphaned)))
	}
	return report, nil
}

// Expired returns the terminal records that ended more than maxAge ago.
func (m *Manager) Expired(ctx context.Context, maxAge time.Duration) ([]jobregistry.JobRecord, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: max age must be positive", ErrInvalidParams)
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-maxAge)

	var out []jobregistry.JobRecord
	for _, r := range records {
		if !r.Status.Terminal() {
			continue
		}
		ended := r.CreatedAt
		if t := r.EndedAt(); t != nil {
			ended = *t
		}
		if ended.After(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GC deletes terminal job records (and their log directories) that ended
// more than maxAge ago. It returns the deleted ids.
func (m *Manager) GC(ctx context.Context, maxAge time.Duration) ([]string, error) {
	expired, err := m.Expired(ctx, maxAge)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, r := range expired {
		if err := m.store.Delete(ctx, r.JobID); err != nil && !jobregistry.IsNotFound(err) {
			return deleted, fmt.Errorf("delete job %s: %w", r.JobID, err)
		}
		if err := os.RemoveAll(m.LogDir(r.JobID)); err != nil {
			m.logger.Warn("Failed to remove job logs", zap.String("job_id", r.JobID), zap.Error(err))
		}
		deleted = append(deleted, r.JobID)
	}
	return deleted, nil
}
