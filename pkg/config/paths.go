package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// ProbeHome returns the harness state directory: FORKPROBE_HOME if set,
// otherwise ~/.forkprobe.
func ProbeHome() (string, error) {
	if v := os.Getenv("FORKPROBE_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ProbeDir), nil
}

// RunPaths holds the per-invocation file layout under one run directory.
// Use NewRunPaths to populate it.
type RunPaths struct {
	RunDir       string // <probe home>/runs/<run id> or FORKPROBE_RUN_DIR
	PIDFile      string // worker's published PID
	SnapshotFile string // store capability snapshot handed to the duplicate
	StackDump    string // fault handler output, append-opened
	CrashDir     string // debugger and core artifacts
	WorkerLog    string // duplicated worker's combined log
}

// NewRunPaths lays out the files for one run. FORKPROBE_RUN_DIR overrides
// the computed run directory (useful for tests and manual attach sessions).
func NewRunPaths(runID string) (*RunPaths, error) {
	runDir := os.Getenv("FORKPROBE_RUN_DIR")
	if runDir == "" {
		home, err := ProbeHome()
		if err != nil {
			return nil, err
		}
		runDir = filepath.Join(home, "runs", runID)
	}
	return RunPathsIn(runDir), nil
}

// RunPathsIn lays out the standard file set inside an existing run
// directory. Duplicated workers and manual attach sessions use it to
// reconstruct the layout from an explicit --run-dir.
func RunPathsIn(runDir string) *RunPaths {
	return &RunPaths{
		RunDir:       runDir,
		PIDFile:      filepath.Join(runDir, protocol.PIDFileName),
		SnapshotFile: filepath.Join(runDir, protocol.SnapshotFileName),
		StackDump:    filepath.Join(runDir, protocol.StackDumpFileName),
		CrashDir:     filepath.Join(runDir, protocol.CrashDirName),
		WorkerLog:    filepath.Join(runDir, "worker.log"),
	}
}

// Ensure creates the run directory tree, including the crash directory.
// The crash directory must exist before any worker is duplicated so the
// child never races its creation.
func (p *RunPaths) Ensure() error {
	for _, dir := range []string{p.RunDir, p.CrashDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ArtifactDBPath returns the run-history database location, respecting
// FORKPROBE_DB_PATH.
func ArtifactDBPath() (string, error) {
	if v := os.Getenv("FORKPROBE_DB_PATH"); v != "" {
		return v, nil
	}
	home, err := ProbeHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "history.db"), nil
}
