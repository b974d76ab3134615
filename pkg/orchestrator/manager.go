// Package orchestrator runs training jobs as detached worker processes and
// keeps their durable status records consistent with the process table.
//
// Three sources of state are reconciled here: the OS process (through the
// supervisor), the durable job record (through the job registry store) and
// the observers (through the notification publisher). The durable record is
// authoritative; the supervisor's live table is a cache that may be empty
// after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/notify"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

// Status messages written into job records.
const (
	MsgQueued        = "Training job queued"
	MsgStatusPending = "Job running but status file not yet available"
	MsgRunning       = "Training in progress"
	MsgStopped       = "Training stopped by user"
	MsgCompleted     = "Training completed successfully"
	MsgInterrupted   = "Interrupted: worker exited while no supervisor was attached"
	MsgOrphaned      = "Orphaned: worker is still running but is not supervised by this server"
)

// DefaultLogLines bounds the log tail kept inside each job record. The
// complete output stays in the per-job log files.
const DefaultLogLines = 500

// Options wires a Manager to its collaborators.
type Options struct {
	Store      jobregistry.Store
	Supervisor *supervisor.Supervisor
	Resolver   *Resolver

	// Publisher receives a snapshot after every persisted change, in commit
	// order per job. It is called with the job's lock held and must not
	// block. Nil disables notifications.
	Publisher notify.Publisher

	// Artifacts serves completed job outputs. Nil disables Artifact.
	Artifacts artifact.Store
	Naming    artifact.Naming

	// LogRoot holds per-job log directories (<LogRoot>/<job_id>/).
	LogRoot string

	// LogLines bounds Job.Logs. Zero uses DefaultLogLines; negative keeps
	// every line.
	LogLines int

	// Env is appended to every worker's environment.
	Env []string

	// WorkDir is used when the resolved worker does not set one.
	WorkDir string

	Logger *zap.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager is the job lifecycle state machine.
type Manager struct {
	store     jobregistry.Store
	sup       *supervisor.Supervisor
	resolver  *Resolver
	pub       notify.Publisher
	artifacts artifact.Store
	naming    artifact.Naming
	logRoot   string
	logLines  int
	env       []string
	workDir   string
	logger    *zap.Logger
	now       func() time.Time

	// locks orders each job's store commits with their notifications.
	locks jobLocks
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("orchestrator: supervisor is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("orchestrator: resolver is required")
	}
	if strings.TrimSpace(opts.LogRoot) == "" {
		return nil, errors.New("orchestrator: log root is required")
	}
	m := &Manager{
		store:     opts.Store,
		sup:       opts.Supervisor,
		resolver:  opts.Resolver,
		pub:       opts.Publisher,
		artifacts: opts.Artifacts,
		naming:    opts.Naming,
		logRoot:   opts.LogRoot,
		logLines:  opts.LogLines,
		env:       opts.Env,
		workDir:   opts.WorkDir,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.pub == nil {
		m.pub = notify.Discard
	}
	if m.logLines == 0 {
		m.logLines = DefaultLogLines
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// SubmitRequest is a new training job.
type SubmitRequest struct {
	Params jobregistry.Params
	UserID string
}

// Submit validates the request, launches a worker and writes the initial
// QUEUED record. It returns as soon as the worker has started.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*jobregistry.JobRecord, error) {
	params, err := ValidateParams(req.Params)
	if err != nil {
		return nil, err
	}
	worker, err := m.resolver.Resolve()
	if err != nil {
		return nil, err
	}

	now := m.now()
	jobID := NewJobID(now)
	dir := worker.Dir
	if dir == "" {
		dir = m.workDir
	}

	h, err := m.sup.Spawn(supervisor.Spec{
		JobID:   jobID,
		Program: worker.Program,
		Args:    append(append([]string(nil), worker.Args...), WorkerArgs(jobID, params)...),
		Dir:     dir,
		Env:     append(append([]string(nil), m.env...), "GOTRAINER_JOB_ID="+jobID, "GOTRAINER_ARTIFACT_KEY="+m.ArtifactKey(jobID)),
		LogDir:  m.LogDir(jobID),
		OnLine:  func(l supervisor.Line) { m.handleLine(jobID, l) },
		OnExit:  func(e supervisor.ExitInfo) { m.handleExit(jobID, e) },
	})
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	rec := &jobregistry.JobRecord{
		JobID:      jobID,
		Status:     jobregistry.StatusQueued,
		Progress:   0,
		PID:        h.PID,
		Params:     params,
		UserID:     req.UserID,
		Worker:     worker.Name,
		Message:    MsgQueued,
		CreatedAt:  now,
		StdoutPath: h.StdoutPath,
		StderrPath: h.StderrPath,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		// Without a durable record the job would be invisible; do not leave
		// the worker running.
		m.sup.Forget(jobID)
		_ = supervisor.SignalPID(h.PID, syscall.SIGKILL)
		h.Discard()
		return nil, fmt.Errorf("write initial job record: %w", err)
	}
	m.logger.Info("Training job submitted",
		zap.String("job_id", jobID),
		zap.Int("pid", h.PID),
		zap.String("worker", worker.Name),
		zap.String("dataset", params.Dataset))

	// The QUEUED event goes out before any output callback can publish a
	// newer snapshot.
	m.publishLocked(rec)
	h.Release()
	return rec, nil
}

// Query returns the durable record, or a synthesized RUNNING record when the
// worker is live but no readable record exists yet.
func (m *Manager) Query(ctx context.Context, jobID string) (*jobregistry.JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrJobNotFound)
	}
	rec, err := m.store.Get(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	if !jobregistry.IsNotFound(err) {
		return nil, err
	}
	if h, ok := m.sup.Lookup(jobID); ok {
		return &jobregistry.JobRecord{
			JobID:      jobID,
			Status:     jobregistry.StatusRunning,
			PID:        h.PID,
			Worker:     h.Program,
			Message:    MsgStatusPending,
			CreatedAt:  h.StartedAt,
			StdoutPath: h.StdoutPath,
			StderrPath: h.StderrPath,
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID string
	Status jobregistry.Status
}

// List returns every readable job record, newest first. Callers must not
// depend on the order.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]jobregistry.JobRecord, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if filter.UserID == "" && filter.Status == "" {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Cancel asks the live worker to stop and records STOPPED immediately,
// without waiting for the process to exit.
//
// A failed signal (the process already vanished) does not fail the call; it
// is noted in the record message. The later exit notification never moves
// the record away from STOPPED.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*jobregistry.JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	h, ok := m.sup.MarkStopping(jobID)
	if !ok {
		if _, err := m.store.Get(ctx, jobID); err != nil {
			if jobregistry.IsNotFound(err) {
				return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotRunning)
	}
	defer m.sup.Forget(jobID)

	sigErr := supervisor.SignalPID(h.PID, syscall.SIGTERM)
	if sigErr != nil {
		m.logger.Warn("Failed to signal worker",
			zap.String("job_id", jobID),
			zap.Int("pid", h.PID),
			zap.Error(sigErr))
	}

	now := m.now()
	rec, err := m.update(ctx, jobID, func(r *jobregistry.JobRecord) error {
		if r.Status.Terminal() {
			return jobregistry.ErrNoChange
		}
		r.Status = jobregistry.StatusStopped
		r.StoppedAt = &now
		r.PID = 0
		r.Message = MsgStopped
		if sigErr != nil {
			r.Message = fmt.Sprintf("%s (signal not delivered: %v)", MsgStopped, sigErr)
		}
		return nil
	}, nil)
	switch {
	case errors.Is(err, jobregistry.ErrNoChange):
		// The exit handler already recorded the stop.
		return rec, nil
	case jobregistry.IsNotFound(err):
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	case err != nil:
		return nil, fmt.Errorf("record stop: %w", err)
	}

	m.logger.Info("Training job stopped", zap.String("job_id", jobID), zap.Int("pid", h.PID))
	return rec, nil
}

// LogDir returns the directory holding a job's stdout.log and stderr.log.
func (m *Manager) LogDir(jobID string) string {
	return filepath.Join(m.logRoot, jobID)
}

func (m *Manager) publish(rec *jobregistry.JobRecord) {
	if rec == nil {
		return
	}
	m.pub.Publish(context.Background(), notify.NewJobEvent(*rec))
}
