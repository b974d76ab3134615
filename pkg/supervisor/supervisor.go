// Package supervisor launches detached worker processes and follows their
// output.
//
// Each worker writes stdout and stderr to per-job log files. The supervisor
// tails those files line by line and reaps the process, invoking the exit
// handler exactly once after both streams are drained. Because the worker
// never writes into a pipe owned by this process, it keeps running if the
// server restarts.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Spawn when a live handle exists for the id.
	ErrAlreadyRunning = errors.New("job already has a live worker")

	// ErrNotTracked is returned when no live handle exists for the id.
	ErrNotTracked = errors.New("job has no live worker")

	// ErrProcessGone indicates the OS process no longer exists.
	ErrProcessGone = errors.New("process already exited")
)

// Stream names one of the worker's output streams.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of worker output.
type Line struct {
	JobID  string
	Stream Stream
	Text   string
}

// ExitInfo describes how a worker terminated.
type ExitInfo struct {
	// Code is the exit status, or -1 when the process was killed by a signal
	// or could not be waited on.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
	// Err is set when waiting on the process failed for reasons other than a
	// nonzero exit.
	Err error
	// StopRequested is true when MarkStopping was called before the handle
	// was retired.
	StopRequested bool
}

func (e ExitInfo) Success() bool {
	return e.Code == 0 && e.Signal == "" && e.Err == nil
}

func (e ExitInfo) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("terminated by signal %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("wait failed: %v", e.Err)
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Spec describes a worker launch.
type Spec struct {
	JobID   string
	Program string
	Args    []string
	Dir     string
	Env     []string

	// LogDir receives stdout.log and stderr.log.
	LogDir string

	// OnLine is called for every complete output line. Calls for stdout and
	// stderr may run concurrently.
	OnLine func(Line)

	// OnExit is called exactly once, after both streams have been drained.
	// The handle is no longer live when OnExit runs.
	OnExit func(ExitInfo)
}

// Config configures a Supervisor.
type Config struct {
	// PollInterval controls how often log files are checked for new output.
	PollInterval time.Duration

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{PollInterval: 250 * time.Millisecond}
}

// Supervisor owns the table of live worker handles for this server process.
// It starts empty; handles never survive a restart.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	live map[string]*Handle
}

func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, logger: logger, live: make(map[string]*Handle)}
}

// Handle is a live worker process.
type Handle struct {
	JobID      string
	PID        int
	Program    string
	StdoutPath string
	StderrPath string
	StartedAt  time.Time

	cmd     *exec.Cmd
	stop    bool // guarded by Supervisor.mu
	release chan struct{}
	once    sync.Once
	discard atomic.Bool
	done    chan struct{}
	exit    ExitInfo
}

// Release starts delivering output lines and the exit notification. Callers
// use it to finish their own bookkeeping for the job (such as writing its
// first durable record) before any callback can observe it.
func (h *Handle) Release() {
	h.once.Do(func() { close(h.release) })
}

// Discard releases the handle with all callbacks suppressed.
func (h *Handle) Discard() {
	h.discard.Store(true)
	h.Release()
}

// Done is closed once the process has been reaped and the streams drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit information. It is only meaningful after Done.
func (h *Handle) Exit() ExitInfo {
	<-h.done
	return h.exit
}

// Spawn starts a detached worker. Callbacks are held until Release is called
// on the returned handle.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	jobID := strings.TrimSpace(spec.JobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(spec.Program) == "" {
		return nil, fmt.Errorf("program is required")
	}
	if strings.TrimSpace(spec.LogDir) == "" {
		return nil, fmt.Errorf("log dir is required")
	}

	h := &Handle{
		JobID:      jobID,
		Program:    spec.Program,
		StdoutPath: filepath.Join(spec.LogDir, "stdout.log"),
		StderrPath: filepath.Join(spec.LogDir, "stderr.log"),
		release:    make(chan struct{}),
		done:       make(chan struct{}),
	}

	// Reserve the id before starting so two spawns cannot race.
	s.mu.Lock()
	if _, exists := s.live[jobID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", jobID, ErrAlreadyRunning)
	}
	s.live[jobID] = h
	s.mu.Unlock()

	if err := s.start(h, spec); err != nil {
		s.forget(jobID, h)
		return nil, err
	}

	s.logger.Info("Worker started",
		zap.String("job_id", jobID),
		zap.Int("pid", h.PID),
		zap.String("program", spec.Program))

	go s.supervise(h, spec)
	return h, nil
}

func (s *Supervisor) start(h *Handle, spec Spec) error {
	if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	stdoutFile, err := os.Create(h.StdoutPath)
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(h.StderrPath)
	if err != nil {
		return fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = detachedAttrs()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", spec.Program, err)
	}
	h.cmd = cmd
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now().UTC()
	return nil
}

func (s *Supervisor) supervise(h *Handle, spec Spec) {
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = h.cmd.Wait()
		close(exited)
	}()

	<-h.release

	emit := func(l Line) {
		if h.discard.Load() || spec.OnLine == nil {
			return
		}
		spec.OnLine(l)
	}

	var wg sync.WaitGroup
	for _, t := range []*tailer{
		{jobID: h.JobID, path: h.StdoutPath, stream: Stdout, interval: s.cfg.PollInterval, emit: emit},
		{jobID: h.JobID, path: h.StderrPath, stream: Stderr, interval: s.cfg.PollInterval, emit: emit},
	} {
		wg.Add(1)
		go func(t *tailer) {
			defer wg.Done()
			if err := t.run(exited); err != nil {
				s.logger.Warn("Log tail failed",
					zap.String("job_id", h.JobID),
					zap.String("stream", string(t.stream)),
					zap.Error(err))
			}
		}(t)
	}
	wg.Wait()
	<-exited

	h.exit = exitInfo(h.cmd, waitErr)
	h.exit.StopRequested = s.retire(h)
	close(h.done)

	s.logger.Info("Worker exited",
		zap.String("job_id", h.JobID),
		zap.Int("pid", h.PID),
		zap.Int("exit_code", h.exit.Code),
		zap.String("signal", h.exit.Signal))

	if !h.discard.Load() && spec.OnExit != nil {
		spec.OnExit(h.exit)
	}
}

func exitInfo(cmd *exec.Cmd, waitErr error) ExitInfo {
	ps := cmd.ProcessState
	if ps == nil {
		return ExitInfo{Code: -1, Err: waitErr}
	}
	info := ExitInfo{Code: ps.ExitCode(), Signal: exitSignal(ps)}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		info.Err = waitErr
	}
	return info
}

// Lookup returns the live handle for jobID.
func (s *Supervisor) Lookup(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[jobID]
	return h, ok
}

// Forget drops the live handle for jobID without touching the process. It
// reports whether a handle was removed.
func (s *Supervisor) Forget(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[jobID]; !ok {
		return false
	}
	delete(s.live, jobID)
	return true
}

// MarkStopping atomically records a stop request on the live handle for
// jobID and returns it. Once a handle has been retired by the reaper it can
// no longer be marked, so a caller either sees the handle and its request is
// reflected in ExitInfo.StopRequested, or sees no handle at all.
func (s *Supervisor) MarkStopping(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[jobID]
	if !ok {
		return nil, false
	}
	h.stop = true
	return h, true
}

// retire removes h from the live table and reports whether a stop was
// requested.
func (s *Supervisor) retire(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.live[h.JobID]; ok && cur == h {
		delete(s.live, h.JobID)
	}
	return h.stop
}

func (s *Supervisor) forget(jobID string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.live[jobID]; ok && cur == h {
		delete(s.live, jobID)
	}
}

// Live returns the ids of all jobs with a live handle.
func (s *Supervisor) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}

// Signal delivers sig to the live worker for jobID. It does not wait for the
// process to exit.
func (s *Supervisor) Signal(jobID string, sig os.Signal) error {
	h, ok := s.Lookup(jobID)
	if !ok {
		return fmt.Errorf("%s: %w", jobID, ErrNotTracked)
	}
	return SignalPID(h.PID, sig)
}

// SignalPID delivers sig to the worker process (and its process group where
// supported). A vanished process yields an error wrapping ErrProcessGone.
func SignalPID(pid int, sig os.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return signalPID(pid, sig)
}

// Alive reports whether pid refers to an existing process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}
