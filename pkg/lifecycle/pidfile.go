// Package lifecycle implements the advisory handshake between a worker and
// its observers: a published PID file plus a user-signal milestone marking
// "unsafe operation about to begin". The protocol is best-effort; neither
// side owns the other's lifetime, and a missed milestone or missing PID
// file is a valid state, not an error.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PublishPID writes the current process ID to path, overwriting any prior
// stale content. Calling it twice leaves only the latest PID readable.
func PublishPID(path string) error {
	return WritePIDFile(path, os.Getpid())
}

// WritePIDFile writes the given PID to the specified file path.
func WritePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from the given file path. Callers
// treat a missing file as "not yet available", never as a hard failure.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the harness
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. It is idempotent: no error if the
// file does not exist.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID exists using
// signal 0 (existence probe, nothing is delivered).
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
