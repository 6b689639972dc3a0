// Package attach locates a live duplicated worker from outside the
// supervisor's process tree and drives a batch-mode debugger against it.
// Discovery runs two independent strategies (pid file, process-table
// walk) under one bounded loop; the debugger side hides gdb and lldb
// behind one profile shape. Attach failures degrade to a best-effort
// artifact: they never abort a diagnostic run.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/lifecycle"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Outcome strings recorded on the crash artifact.
const (
	// OutcomeCaptured means the scripted attach ran to completion.
	OutcomeCaptured = "captured"
	// OutcomeAttachTimeout means the scripted attach stalled past the
	// attach timeout, itself evidence the target is wedged in an
	// uninterruptible wait.
	OutcomeAttachTimeout = "attach-timeout (deadlock corroborated)"
)

// Options configures an attach session.
type Options struct {
	// PID pins the target explicitly, skipping discovery.
	PID int
	// PIDFile enables the pid-file discovery strategy.
	PIDFile string
	// AncestorPID enables the process-tree strategy and, when the pid file
	// is also in play, verifies discovered pids against it.
	AncestorPID int

	// WaitMilestone, when set, waits for the worker's operation-start
	// signal before attaching, so the debugger lands on the interesting
	// window instead of startup code.
	WaitMilestone bool
	MilestoneWait time.Duration
	MilestonePoll time.Duration

	DiscoveryTimeout time.Duration
	DiscoveryPoll    time.Duration

	AttachTimeout time.Duration
	QuickTimeout  time.Duration

	Profile Profile
	// CrashDir, when set, receives the debugger transcript as a file.
	CrashDir string
	// StackDump is recorded on the artifact when the file exists.
	StackDump string

	Logger *slog.Logger
}

// commandRunner abstracts debugger execution for tests.
type commandRunner func(ctx context.Context, command string, argv []string) ([]byte, error)

func execRunner(ctx context.Context, command string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, argv...) //nolint:gosec // command and argv come from a vetted debugger profile
	return cmd.CombinedOutput()
}

// Session is one attach attempt against one worker.
type Session struct {
	opts   Options
	logger *slog.Logger
	runner commandRunner
}

// NewSession applies defaults and builds a session.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 2 * time.Second
	}
	if opts.DiscoveryPoll <= 0 {
		opts.DiscoveryPoll = 5 * time.Millisecond
	}
	if opts.MilestoneWait <= 0 {
		opts.MilestoneWait = 30 * time.Second
	}
	if opts.MilestonePoll <= 0 {
		opts.MilestonePoll = 100 * time.Millisecond
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 15 * time.Second
	}
	if opts.QuickTimeout <= 0 {
		opts.QuickTimeout = 10 * time.Second
	}
	if opts.Profile.Name == "" {
		opts.Profile = gdbProfile
	}
	return &Session{opts: opts, logger: opts.Logger, runner: execRunner}
}

// Run locates the worker, optionally waits for its operation milestone,
// and captures debugger output into a crash artifact.
func (s *Session) Run(ctx context.Context) (*protocol.CrashArtifact, error) {
	// Arm the milestone observer before discovery so a signal arriving
	// mid-search cannot be missed.
	var observer *lifecycle.Observer
	if s.opts.WaitMilestone {
		observer = lifecycle.NewObserver()
		defer observer.Close()
	}

	pid, err := s.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("attach target resolved", "pid", pid, "debugger", s.opts.Profile.Name)

	if observer != nil {
		result := observer.Await(ctx, s.opts.MilestoneWait, s.opts.MilestonePoll)
		if result == lifecycle.MilestoneReceived {
			s.logger.Info("operation milestone observed, attaching", "pid", pid)
		} else {
			s.logger.Warn("milestone never arrived, attaching anyway", "pid", pid, "waited", s.opts.MilestoneWait)
		}
	}

	artifact := &protocol.CrashArtifact{
		WorkerPID: pid,
		CreatedAt: time.Now().UTC(),
	}
	if s.opts.StackDump != "" {
		if _, err := os.Stat(s.opts.StackDump); err == nil {
			artifact.StackDumpPath = s.opts.StackDump
		}
	}

	text, outcome := s.capture(ctx, pid)
	artifact.DebuggerText = text
	artifact.DebuggerOutcome = outcome

	if s.opts.CrashDir != "" && text != "" {
		path := filepath.Join(s.opts.CrashDir, fmt.Sprintf("debugger-%d.txt", pid))
		if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
			s.logger.Warn("write debugger transcript failed", "path", path, "error", err)
		} else {
			s.logger.Info("debugger transcript written", "path", path)
		}
	}
	if core := s.findCore(); core != "" {
		artifact.CoreDumpPath = core
	}

	return artifact, nil
}

// resolveTarget picks the worker pid: explicit pin first, then discovery
// over whichever strategies the options enable.
func (s *Session) resolveTarget(ctx context.Context) (int, error) {
	if s.opts.PID > 0 {
		if !lifecycle.IsProcessAlive(s.opts.PID) {
			return 0, fmt.Errorf("target pid %d is not alive", s.opts.PID)
		}
		return s.opts.PID, nil
	}

	var strategies []Strategy
	if s.opts.PIDFile != "" {
		pf := NewPIDFileStrategy(s.opts.PIDFile, s.opts.AncestorPID, s.logger)
		defer func() { _ = pf.Close() }()
		strategies = append(strategies, pf)
	}
	if s.opts.AncestorPID > 0 {
		strategies = append(strategies, &ProcTreeStrategy{AncestorPID: s.opts.AncestorPID, Logger: s.logger})
	}
	if len(strategies) == 0 {
		return 0, errors.New("no target: pass a pid, a pid file, or an ancestor pid")
	}

	return Discover(ctx, strategies, s.opts.DiscoveryTimeout, s.opts.DiscoveryPoll, s.logger)
}

// capture runs the profile's scripted attach, falling back to the quick
// inline form when the script stalls past the attach timeout.
func (s *Session) capture(ctx context.Context, pid int) (text, outcome string) {
	scriptFile, err := os.CreateTemp("", "forkprobe-"+s.opts.Profile.Name+"-*.script")
	if err != nil {
		return "", fmt.Sprintf("prepare debugger script: %v", err)
	}
	scriptPath := scriptFile.Name()
	defer func() { _ = os.Remove(scriptPath) }()

	script := expandPlaceholders(s.opts.Profile.Script, pid, "")
	if _, err := scriptFile.WriteString(script); err != nil {
		_ = scriptFile.Close()
		return "", fmt.Sprintf("write debugger script: %v", err)
	}
	if err := scriptFile.Close(); err != nil {
		return "", fmt.Sprintf("close debugger script: %v", err)
	}

	argv := expandArgv(s.opts.Profile.Argv, pid, scriptPath)
	attachCtx, cancel := context.WithTimeout(ctx, s.opts.AttachTimeout)
	defer cancel()

	s.logger.Debug("running debugger", "command", s.opts.Profile.Command, "argv", argv)
	out, err := s.runner(attachCtx, s.opts.Profile.Command, argv)

	switch {
	case err == nil:
		return string(out), OutcomeCaptured
	case errors.Is(attachCtx.Err(), context.DeadlineExceeded):
		s.logger.Warn("scripted attach timed out; target likely deadlocked", "pid", pid, "timeout", s.opts.AttachTimeout)
		text := string(out)
		if quick := s.quickCapture(ctx, pid); quick != "" {
			text += "\n=== quick fallback ===\n" + quick
		}
		return text, OutcomeAttachTimeout
	case errors.Is(err, exec.ErrNotFound):
		return "", fmt.Sprintf("debugger %q not installed", s.opts.Profile.Command)
	default:
		// A nonzero debugger exit usually still carries useful output.
		return string(out), fmt.Sprintf("captured with error: %v", err)
	}
}

// quickCapture runs the profile's inline fallback under its own timeout.
func (s *Session) quickCapture(ctx context.Context, pid int) string {
	if len(s.opts.Profile.QuickArgv) == 0 {
		return ""
	}
	qctx, cancel := context.WithTimeout(ctx, s.opts.QuickTimeout)
	defer cancel()

	argv := expandArgv(s.opts.Profile.QuickArgv, pid, "")
	out, err := s.runner(qctx, s.opts.Profile.Command, argv)
	if err != nil {
		s.logger.Warn("quick fallback capture failed", "error", err)
	}
	return string(out)
}

// findCore looks for a core file dropped in the crash directory.
func (s *Session) findCore() string {
	if s.opts.CrashDir == "" {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(s.opts.CrashDir, "core*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}
