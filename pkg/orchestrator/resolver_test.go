package orchestrator

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode))
}

func TestResolver_FallsBackInOrder(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scripts", "train_simulation_fallback.py"), 0644)

	r := NewResolver(
		ScriptStrategy{Label: "minimal", Pattern: "scripts/train_minimal_job.py", Interpreter: "sh", BaseDir: dir},
		ScriptStrategy{Label: "simulation", Pattern: "scripts/train_simulation_fallback.py", Interpreter: "sh", BaseDir: dir},
	)
	w, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "simulation", w.Name)
	assert.Equal(t, []string{filepath.Join(dir, "scripts", "train_simulation_fallback.py")}, w.Args)
	assert.Equal(t, dir, w.Dir)

	writeFile(t, filepath.Join(dir, "scripts", "train_minimal_job.py"), 0644)
	w, err = r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "minimal", w.Name)
}

func TestResolver_GlobPicksFirstMatch(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "workers", "b", "train.py"), 0644)
	writeFile(t, filepath.Join(dir, "workers", "a", "train.py"), 0644)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "workers", "0", "train.py"), 0755))

	w, ok := ScriptStrategy{Pattern: "workers/**/train.py", Interpreter: "sh", BaseDir: dir}.Resolve()
	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join(dir, "workers", "a", "train.py")}, w.Args)
}

func TestResolver_MissingInterpreterSkipsStrategy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "train.py"), 0644)

	r := NewResolver(ScriptStrategy{Label: "py", Pattern: filepath.Join(dir, "train.py"), Interpreter: "definitely-not-an-interpreter-xyz"})
	_, err := r.Resolve()
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Contains(t, err.Error(), "py")
}

func TestResolver_DirectScriptMustBeExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is not meaningful on windows")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "train.sh")
	writeFile(t, script, 0644)

	_, ok := ScriptStrategy{Pattern: script}.Resolve()
	assert.False(t, ok)

	require.NoError(t, os.Chmod(script, 0755))
	w, ok := ScriptStrategy{Pattern: script}.Resolve()
	require.True(t, ok)
	assert.Equal(t, script, w.Program)
	assert.Empty(t, w.Args)
}

func TestExecutableStrategy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is not meaningful on windows")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "gotrainer")
	writeFile(t, bin, 0755)

	w, ok := ExecutableStrategy{Label: "builtin", Path: bin, Args: []string{"worker", "simulate"}}.Resolve()
	require.True(t, ok)
	assert.Equal(t, "builtin", w.Name)
	assert.Equal(t, bin, w.Program)
	assert.Equal(t, []string{"worker", "simulate"}, w.Args)

	_, ok = ExecutableStrategy{Path: filepath.Join(dir, "missing")}.Resolve()
	assert.False(t, ok)
}

func TestResolver_NoStrategies(t *testing.T) {
	_, err := NewResolver(nil).Resolve()
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Contains(t, err.Error(), "no strategies configured")
}
