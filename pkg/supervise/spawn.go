package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// SignalName renders a signal as its conventional name (e.g. SIGTRAP),
// falling back to the numeric form for unnamed signals. The stdlib String
// method yields descriptions like "trace/breakpoint trap", which read
// poorly in reports and expectation tables.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}

// SpawnSpec describes one worker subprocess launch.
type SpawnSpec struct {
	// Args is the argv passed to the worker binary.
	Args []string
	// LogPath receives the worker's combined output. Report lines are
	// captured in the parent before being forwarded to the log.
	LogPath string
	// Env entries are appended to the inherited environment.
	Env []string
}

// ExitState describes how a worker process ended.
type ExitState struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

func (e ExitState) String() string {
	if e.Signaled {
		return fmt.Sprintf("killed by %s", SignalName(e.Signal))
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Proc is one live worker process.
type Proc interface {
	// PID returns the worker's process id.
	PID() int
	// Wait blocks until the process exits and its output is drained.
	// The error covers wait-machinery failures only; a nonzero exit or
	// signal death is reported through ExitState.
	Wait() (ExitState, error)
	// SignalGroup delivers sig to the worker's whole process group.
	SignalGroup(sig syscall.Signal) error
	// Report returns the worker's report once its stdout report line has
	// been observed.
	Report() (*protocol.WorkerReport, bool)
}

// Spawner launches worker processes. Faked in tests so the supervisor's
// classification can be exercised without real child processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Proc, error)
}

// ExecSpawner re-executes the current binary as a worker subprocess. The
// child is placed in its own process group so that kill escalation reaches
// any grandchildren it may create.
type ExecSpawner struct {
	// Binary overrides the worker executable; defaults to os.Args[0].
	Binary string
	Logger *slog.Logger
}

var _ Spawner = (*ExecSpawner)(nil)

// Spawn starts the worker and begins scanning its stdout for the report
// line. Worker output is appended to spec.LogPath.
func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Proc, error) {
	binary := s.Binary
	if binary == "" {
		binary = os.Args[0]
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var logSink io.WriteCloser
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is within the probe's own run dir
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", spec.LogPath, err)
		}
		logSink = f
	} else {
		logSink = nopWriteCloser{io.Discard}
	}

	cmd := exec.Command(binary, spec.Args...) //nolint:gosec // binary is our own executable path
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stderr = logSink

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = logSink.Close()
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = logSink.Close()
		return nil, fmt.Errorf("start worker %s: %w", binary, err)
	}

	p := &execProc{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		scanDone: make(chan struct{}),
	}
	go p.scanOutput(stdout, logSink, logger)

	logger.Debug("worker process started", "pid", p.pid, "binary", binary, "args", spec.Args)
	return p, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// execProc wraps a live exec.Cmd worker.
type execProc struct {
	cmd      *exec.Cmd
	pid      int
	scanDone chan struct{}

	mu     sync.Mutex
	report *protocol.WorkerReport
}

func (p *execProc) PID() int { return p.pid }

// scanOutput forwards worker stdout to the log sink, capturing the report
// line on the way past. Runs until the worker closes its end of the pipe.
func (p *execProc) scanOutput(r io.Reader, sink io.WriteCloser, logger *slog.Logger) {
	defer close(p.scanDone)
	defer func() { _ = sink.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if report, ok := protocol.ParseReportLine(line); ok {
			p.mu.Lock()
			p.report = report
			p.mu.Unlock()
			logger.Debug("worker report line captured", "pid", p.pid, "status", report.Status)
		}
		fmt.Fprintln(sink, line)
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("worker output scan ended", "pid", p.pid, "error", err)
	}
}

// Wait drains the output scanner, then reaps the process.
func (p *execProc) Wait() (ExitState, error) {
	// cmd.Wait closes the stdout pipe; the scanner must finish first.
	<-p.scanDone

	err := p.cmd.Wait()
	var state ExitState
	if ps := p.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			state.Signaled = true
			state.Signal = ws.Signal()
			state.Code = -1
		} else {
			state.Code = ps.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Nonzero exits and signal deaths are carried in ExitState.
			err = nil
		}
	}
	if err != nil {
		return state, fmt.Errorf("wait for worker %d: %w", p.pid, err)
	}
	return state, nil
}

// SignalGroup signals the worker's process group (negative pid form).
func (p *execProc) SignalGroup(sig syscall.Signal) error {
	if err := syscall.Kill(-p.pid, sig); err != nil {
		return fmt.Errorf("signal group %d with %s: %w", p.pid, sig, err)
	}
	return nil
}

// Report returns the captured report line, if any arrived.
func (p *execProc) Report() (*protocol.WorkerReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report, p.report != nil
}
