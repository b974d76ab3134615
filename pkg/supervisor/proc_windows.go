//go:build windows

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalPID terminates the process; Windows has no SIGTERM equivalent for
// console-less workers.
func signalPID(pid int, _ os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func exitSignal(*os.ProcessState) string { return "" }
