package jobregistry

import (
	"strings"
	"time"

	"github.com/3leaps/gotrainer/pkg/progress"
)

// Status is the lifecycle state of a training job.
//
// NOTE: These values are persisted in job records and read directly by
// external tooling (UI polling, dashboards). They are part of the stable
// on-disk contract.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ParseStatus accepts any casing ("running", "Running") and returns the
// canonical status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// CanTransition reports whether a record in state from may be rewritten with
// state to. Rewrites that keep the state are always allowed for non-terminal
// records. Terminal states are final, and RUNNING never returns to QUEUED.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return from == to
	}
	if from == StatusRunning && to == StatusQueued {
		return false
	}
	return to.Valid()
}

// Params is the caller-supplied training configuration. It is echoed into the
// job record and into the worker argument list.
type Params struct {
	Dataset      string            `json:"dataset"`
	Epochs       int               `json:"epochs"`
	BatchSize    int               `json:"batch_size"`
	LearningRate float64           `json:"lr"`
	Extra        map[string]string `json:"extra,omitempty"`
}

const (
	DefaultEpochs       = 3
	DefaultBatchSize    = 16
	DefaultLearningRate = 0.01
)

// WithDefaults fills zero hyperparameters with the documented defaults.
func (p Params) WithDefaults() Params {
	p.Dataset = strings.TrimSpace(p.Dataset)
	if p.Epochs <= 0 {
		p.Epochs = DefaultEpochs
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.LearningRate <= 0 {
		p.LearningRate = DefaultLearningRate
	}
	return p
}

// JobRecord is the durable status document for one job.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID    string   `json:"job_id"`
	Status   Status   `json:"status"`
	Progress int      `json:"progress"`
	PID      int      `json:"pid,omitempty"`
	Params   Params   `json:"params"`
	UserID   string   `json:"user_id,omitempty"`
	Worker   string   `json:"worker,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Logs     []string `json:"logs,omitempty"`

	Metrics progress.Metrics `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// AppendLog appends line and keeps at most max trailing lines. max <= 0
// disables bounding.
func (r *JobRecord) AppendLog(line string, max int) {
	r.Logs = append(r.Logs, line)
	if max > 0 && len(r.Logs) > max {
		trimmed := make([]string, max)
		copy(trimmed, r.Logs[len(r.Logs)-max:])
		r.Logs = trimmed
	}
}

// EndedAt returns the terminal timestamp, if any.
func (r *JobRecord) EndedAt() *time.Time {
	if r.StoppedAt != nil {
		return r.StoppedAt
	}
	return r.CompletedAt
}
