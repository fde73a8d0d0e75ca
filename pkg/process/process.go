package process

import (
	"os"
	"syscall"
)

// IsProcessAlive checks if a process with the given PID is still running.
// The probe has no observable side effect on the probed process: it sends
// signal 0, which performs the existence check without delivering anything.
func IsProcessAlive(pid int) bool {
	// PID 0 or less is invalid.
	if pid <= 0 {
		return false
	}

	// Find the process. This doesn't fail on Unix if the process doesn't exist.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false // Should not happen on Unix-like systems.
	}

	// If the process exists and we have permission, err is nil.
	// If the process exists but we lack permission, err is EPERM: still alive.
	// If the process does not exist, err is ESRCH.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
