package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Worker is a resolved, launchable worker program.
type Worker struct {
	// Name is the label of the strategy that produced it.
	Name string

	Program string

	// Args precede the per-job arguments (for example the script path).
	Args []string

	Dir string
}

// Strategy is one way of locating a worker program.
type Strategy interface {
	Name() string
	Resolve() (Worker, bool)
}

// Resolver evaluates strategies in order and returns the first hit.
type Resolver struct {
	strategies []Strategy
}

func NewResolver(strategies ...Strategy) *Resolver {
	out := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Resolver{strategies: out}
}

// Resolve returns the first available worker or ErrWorkerUnavailable.
func (r *Resolver) Resolve() (Worker, error) {
	tried := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		if w, ok := s.Resolve(); ok {
			if w.Name == "" {
				w.Name = s.Name()
			}
			return w, nil
		}
		tried = append(tried, s.Name())
	}
	if len(tried) == 0 {
		return Worker{}, fmt.Errorf("%w: no strategies configured", ErrWorkerUnavailable)
	}
	return Worker{}, fmt.Errorf("%w: tried %s", ErrWorkerUnavailable, strings.Join(tried, ", "))
}

// ScriptStrategy runs a script through an interpreter.
//
// Pattern is a file path or a doublestar glob; relative patterns are resolved
// against BaseDir. When several files match, the lexically first wins. An
// empty Interpreter executes the script directly.
type ScriptStrategy struct {
	Label       string
	Pattern     string
	Interpreter string
	BaseDir     string
}

func (s ScriptStrategy) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Pattern
}

func (s ScriptStrategy) Resolve() (Worker, bool) {
	script, ok := s.findScript()
	if !ok {
		return Worker{}, false
	}

	if strings.TrimSpace(s.Interpreter) == "" {
		if !isExecutable(script) {
			return Worker{}, false
		}
		return Worker{Name: s.Name(), Program: script, Dir: s.BaseDir}, true
	}

	interp, err := exec.LookPath(s.Interpreter)
	if err != nil {
		return Worker{}, false
	}
	return Worker{Name: s.Name(), Program: interp, Args: []string{script}, Dir: s.BaseDir}, true
}

func (s ScriptStrategy) findScript() (string, bool) {
	pattern := strings.TrimSpace(s.Pattern)
	if pattern == "" {
		return "", false
	}
	if !filepath.IsAbs(pattern) && s.BaseDir != "" {
		pattern = filepath.Join(s.BaseDir, pattern)
	}

	if !strings.ContainsAny(pattern, "*?[{") {
		if isRegularFile(pattern) {
			return absPath(pattern), true
		}
		return "", false
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	for _, m := range matches {
		if isRegularFile(m) {
			return absPath(m), true
		}
	}
	return "", false
}

// ExecutableStrategy launches a binary with fixed leading arguments, such
// as this program's own "worker simulate" subcommand.
type ExecutableStrategy struct {
	Label string
	Path  string
	Args  []string
	Dir   string
}

func (e ExecutableStrategy) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return e.Path
}

func (e ExecutableStrategy) Resolve() (Worker, bool) {
	if !isExecutable(e.Path) {
		return Worker{}, false
	}
	return Worker{Name: e.Name(), Program: e.Path, Args: append([]string(nil), e.Args...), Dir: e.Dir}, true
}

func isRegularFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Mode().Perm()&0111 != 0 || filepath.Ext(path) == ".exe"
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
