package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/lifecycle"
)

// Strategy is one way of locating the worker's pid. A Probe is a single
// attempt; the discovery loop owns retry cadence and bounding, so either
// strategy alone is sufficient when the other is disabled.
type Strategy interface {
	Name() string
	Probe() (pid int, ok bool)
}

// hinter is implemented by strategies that can signal "probe now" between
// poll ticks, such as a file watcher.
type hinter interface {
	Hints() <-chan struct{}
}

// Discover polls the strategies until one yields a live pid or timeout
// elapses. First hit wins. Strategies exposing hints trigger an immediate
// re-probe when a hint lands, so a watched pid file is read the moment it
// appears rather than on the next tick.
func Discover(ctx context.Context, strategies []Strategy, timeout, poll time.Duration, logger *slog.Logger) (int, error) {
	if len(strategies) == 0 {
		return 0, errors.New("no discovery strategies configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan struct{}, 1)
	for _, s := range strategies {
		h, ok := s.(hinter)
		if !ok {
			continue
		}
		go func(hints <-chan struct{}) {
			for {
				select {
				case <-dctx.Done():
					return
				case _, open := <-hints:
					if !open {
						return
					}
					select {
					case merged <- struct{}{}:
					default:
					}
				}
			}
		}(h.Hints())
	}

	probe := func() (int, bool) {
		for _, s := range strategies {
			if pid, ok := s.Probe(); ok {
				logger.Debug("worker located", "strategy", s.Name(), "pid", pid)
				return pid, true
			}
		}
		return 0, false
	}

	if pid, ok := probe(); ok {
		return pid, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("worker not found within %s", timeout)
		case <-ticker.C:
		case <-merged:
		}
		if pid, ok := probe(); ok {
			return pid, nil
		}
	}
}

// PIDFileStrategy reads the worker's published pid file and verifies the
// process is alive. When the file's directory is watchable it hints the
// discovery loop on creation events; when the watcher cannot start, the
// strategy degrades to pure polling and keeps working.
type PIDFileStrategy struct {
	path string
	// verifyParent, when nonzero, requires the discovered pid's parent to
	// match, rejecting stale files from earlier runs.
	verifyParent int
	logger       *slog.Logger

	hints   chan struct{}
	watcher *fsnotify.Watcher
}

// NewPIDFileStrategy builds the pid-file strategy for path.
func NewPIDFileStrategy(path string, verifyParent int, logger *slog.Logger) *PIDFileStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PIDFileStrategy{
		path:         path,
		verifyParent: verifyParent,
		logger:       logger,
		hints:        make(chan struct{}, 1),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("pid-file watcher unavailable, polling only", "error", err)
		return s
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Debug("pid-file dir not watchable, polling only", "dir", filepath.Dir(path), "error", err)
		_ = watcher.Close()
		return s
	}
	s.watcher = watcher
	go s.watchLoop()
	return s
}

func (s *PIDFileStrategy) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == s.path {
				select {
				case s.hints <- struct{}{}:
				default:
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("pid-file watcher error", "error", err)
		}
	}
}

// Name identifies the strategy in logs.
func (s *PIDFileStrategy) Name() string { return "pid-file" }

// Hints exposes watcher-driven probe triggers.
func (s *PIDFileStrategy) Hints() <-chan struct{} { return s.hints }

// Probe reads the pid file once.
func (s *PIDFileStrategy) Probe() (int, bool) {
	pid, err := lifecycle.ReadPIDFile(s.path)
	if err != nil {
		return 0, false
	}
	if !lifecycle.IsProcessAlive(pid) {
		return 0, false
	}
	if s.verifyParent > 0 {
		ppid, err := ParentPID(pid)
		if err != nil || ppid != s.verifyParent {
			return 0, false
		}
	}
	return pid, true
}

// Close stops the file watcher, if one is running.
func (s *PIDFileStrategy) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// ProcessEntry is one row of the process table.
type ProcessEntry struct {
	PID     int
	PPID    int
	Command string
}

// ProcessLister enumerates the process table.
type ProcessLister func() ([]ProcessEntry, error)

// ProcTreeStrategy walks the process table looking for a live child of
// the ancestor pid. It reads /proc directly and falls back to ps when
// /proc is unavailable; tests and exotic platforms may inject a lister.
type ProcTreeStrategy struct {
	// AncestorPID is the supervising process whose child we want.
	AncestorPID int
	// List overrides process-table enumeration.
	List   ProcessLister
	Logger *slog.Logger
}

// Name identifies the strategy in logs.
func (s *ProcTreeStrategy) Name() string { return "proc-tree" }

// Probe scans the process table once.
func (s *ProcTreeStrategy) Probe() (int, bool) {
	entries, err := s.list()
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("process table scan failed", "error", err)
		}
		return 0, false
	}
	for _, e := range entries {
		if e.PPID == s.AncestorPID && e.PID != os.Getpid() {
			return e.PID, true
		}
	}
	return 0, false
}

func (s *ProcTreeStrategy) list() ([]ProcessEntry, error) {
	if s.List != nil {
		return s.List()
	}
	if entries, err := listProcFS(); err == nil {
		return entries, nil
	}
	return listPS()
}

// listProcFS enumerates processes from /proc.
func listProcFS() ([]ProcessEntry, error) {
	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var out []ProcessEntry
	for _, d := range dirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		entry, err := readProcStat(pid)
		if err != nil {
			continue // the process may have exited mid-scan
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, errors.New("no process entries under /proc")
	}
	return out, nil
}

// readProcStat parses /proc/<pid>/stat. The comm field is parenthesized
// and may itself contain spaces or parens, so fields are taken relative
// to the last ')'.
func readProcStat(pid int) (ProcessEntry, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcessEntry{}, err
	}
	stat := string(data)
	open := strings.IndexByte(stat, '(')
	closing := strings.LastIndexByte(stat, ')')
	if open < 0 || closing < open {
		return ProcessEntry{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(stat[closing+1:])
	if len(fields) < 2 {
		return ProcessEntry{}, fmt.Errorf("truncated stat for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1]) // fields[0] is state, fields[1] is ppid
	if err != nil {
		return ProcessEntry{}, fmt.Errorf("parse ppid for pid %d: %w", pid, err)
	}
	return ProcessEntry{PID: pid, PPID: ppid, Command: stat[open+1 : closing]}, nil
}

// listPS shells out to ps for platforms without /proc.
func listPS() ([]ProcessEntry, error) {
	out, err := exec.Command("ps", "-eo", "pid=,ppid=,comm=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps fallback: %w", err)
	}
	var entries []ProcessEntry
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		entries = append(entries, ProcessEntry{PID: pid, PPID: ppid, Command: fields[2]})
	}
	if len(entries) == 0 {
		return nil, errors.New("ps produced no process entries")
	}
	return entries, nil
}

// ParentPID reports the parent of pid from the process table.
func ParentPID(pid int) (int, error) {
	entry, err := readProcStat(pid)
	if err == nil {
		return entry.PPID, nil
	}
	entries, perr := listPS()
	if perr != nil {
		return 0, fmt.Errorf("parent of %d: %w", pid, errors.Join(err, perr))
	}
	for _, e := range entries {
		if e.PID == pid {
			return e.PPID, nil
		}
	}
	return 0, fmt.Errorf("pid %d not found in process table", pid)
}
