package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts require /bin/sh")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

type recorder struct {
	mu    sync.Mutex
	lines map[Stream][]string
	exits atomic.Int32
	exit  chan ExitInfo
}

func newRecorder() *recorder {
	return &recorder{lines: make(map[Stream][]string), exit: make(chan ExitInfo, 4)}
}

func (r *recorder) onLine(l Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[l.Stream] = append(r.lines[l.Stream], l.Text)
}

func (r *recorder) onExit(e ExitInfo) {
	r.exits.Add(1)
	r.exit <- e
}

func (r *recorder) get(s Stream) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines[s]...)
}

func waitExit(t *testing.T, r *recorder) ExitInfo {
	t.Helper()
	select {
	case e := <-r.exit:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return ExitInfo{}
	}
}

func testSupervisor() *Supervisor {
	return New(Config{PollInterval: 10 * time.Millisecond})
}

func TestSpawn_DeliversLinesThenExit(t *testing.T) {
	requireShell(t)
	script := writeScript(t, `echo "Epoch 1/2"
echo "oops" 1>&2
echo "Epoch 2/2"
printf "no newline"
exit 0
`)
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{
		JobID:   "job-1",
		Program: "/bin/sh",
		Args:    []string{script},
		LogDir:  filepath.Join(t.TempDir(), "job-1"),
		OnLine:  rec.onLine,
		OnExit:  rec.onExit,
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	h.Release()

	exit := waitExit(t, rec)
	assert.True(t, exit.Success(), exit.String())
	assert.Equal(t, []string{"Epoch 1/2", "Epoch 2/2", "no newline"}, rec.get(Stdout))
	assert.Equal(t, []string{"oops"}, rec.get(Stderr))

	_, live := s.Lookup("job-1")
	assert.False(t, live, "handle should be gone once exited")

	<-h.Done()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), rec.exits.Load())
}

func TestSpawn_NonzeroExit(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "exit 3\n")
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-2", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir(), OnExit: rec.onExit})
	require.NoError(t, err)
	h.Release()

	exit := waitExit(t, rec)
	assert.False(t, exit.Success())
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "exit code 3", exit.String())
}

func TestSpawn_HoldsCallbacksUntilRelease(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "echo hello\n")
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-3", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir(), OnLine: rec.onLine, OnExit: rec.onExit})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.get(Stdout))
	assert.Equal(t, int32(0), rec.exits.Load())

	h.Release()
	waitExit(t, rec)
	assert.Equal(t, []string{"hello"}, rec.get(Stdout))
}

func TestSpawn_DiscardSuppressesCallbacks(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "echo hello\n")
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-4", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir(), OnLine: rec.onLine, OnExit: rec.onExit})
	require.NoError(t, err)
	h.Discard()

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reap")
	}
	assert.Empty(t, rec.get(Stdout))
	assert.Equal(t, int32(0), rec.exits.Load())
}

func TestSpawn_RejectsDuplicateLiveID(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "sleep 5\n")
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "dup", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = SignalPID(h.PID, syscall.SIGKILL); h.Release() })

	_, err = s.Spawn(Spec{JobID: "dup", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir()})
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)
}

func TestSpawn_MissingProgramReleasesID(t *testing.T) {
	s := testSupervisor()
	_, err := s.Spawn(Spec{JobID: "ghost", Program: filepath.Join(t.TempDir(), "nope"), LogDir: t.TempDir()})
	require.Error(t, err)
	_, live := s.Lookup("ghost")
	assert.False(t, live)
}

func TestSignal_TerminatesWorker(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "echo started\nexec sleep 30\n")
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-5", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir(), OnExit: rec.onExit})
	require.NoError(t, err)
	h.Release()

	require.NoError(t, s.Signal("job-5", syscall.SIGTERM))
	exit := waitExit(t, rec)
	assert.False(t, exit.Success())
	assert.NotEmpty(t, exit.Signal)
	assert.Equal(t, -1, exit.Code)
}

func TestSignal_Errors(t *testing.T) {
	requireShell(t)
	s := testSupervisor()
	assert.ErrorIs(t, s.Signal("unknown", syscall.SIGTERM), ErrNotTracked)

	script := writeScript(t, "exit 0\n")
	h, err := s.Spawn(Spec{JobID: "job-6", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir()})
	require.NoError(t, err)
	h.Release()
	<-h.Done()

	assert.False(t, Alive(h.PID))
	assert.ErrorIs(t, SignalPID(h.PID, syscall.SIGTERM), ErrProcessGone)
}

func TestForget(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "sleep 5\n")
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-7", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = SignalPID(h.PID, syscall.SIGKILL); h.Release() })

	assert.Equal(t, []string{"job-7"}, s.Live())
	assert.True(t, s.Forget("job-7"))
	assert.False(t, s.Forget("job-7"))
	assert.Empty(t, s.Live())
	assert.True(t, Alive(h.PID))
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0644))

	got, err := TailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, got)

	got, err = TailFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMarkStopping_ReflectedInExit(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n")
	rec := newRecorder()
	s := testSupervisor()

	h, err := s.Spawn(Spec{JobID: "job-8", Program: "/bin/sh", Args: []string{script}, LogDir: t.TempDir(), OnExit: rec.onExit})
	require.NoError(t, err)
	h.Release()

	marked, ok := s.MarkStopping("job-8")
	require.True(t, ok)
	assert.Same(t, h, marked)
	assert.True(t, s.Forget("job-8"))
	require.NoError(t, SignalPID(h.PID, syscall.SIGTERM))

	exit := waitExit(t, rec)
	assert.True(t, exit.StopRequested)

	_, ok = s.MarkStopping("job-8")
	assert.False(t, ok)
}
