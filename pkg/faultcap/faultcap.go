// Package faultcap installs in-process capture for one designated fault
// signal. On delivery it appends every goroutine stack to a dump file and
// then re-raises the signal under its default disposition, so the process
// still terminates abnormally. The handler augments termination; it never
// suppresses it.
package faultcap

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
)

// maxStackBuf caps the dump buffer growth at 16 MiB.
const maxStackBuf = 1 << 24

// defaultReraise restores default disposition and re-delivers the signal,
// letting the process terminate abnormally. Swapped out in tests, where
// actually dying is unhelpful. Install captures the current value, so a
// test must set it before installing.
var defaultReraise = func(s syscall.Signal) { //nolint:gochecknoglobals // test seam
	signal.Reset(s)
	_ = syscall.Kill(os.Getpid(), s)
}

// Handle owns one installed fault capture. Close restores the prior signal
// disposition and closes the dump file; it is safe on every exit path.
type Handle struct {
	sig    syscall.Signal
	file   *os.File
	ch     chan os.Signal
	logger *slog.Logger

	fired  atomic.Bool // re-entrancy guard: only the first delivery dumps
	closed atomic.Bool

	reraise func(syscall.Signal)
}

// Install opens outputPath append-only (append-open-once: repeated signal
// delivery can never truncate earlier dumps) and begins capturing sig.
func Install(sig os.Signal, outputPath string, logger *slog.Logger) (*Handle, error) {
	syssig, ok := sig.(syscall.Signal)
	if !ok {
		return nil, fmt.Errorf("install fault capture: %v is not a POSIX signal", sig)
	}

	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // dump path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("open stack dump %s: %w", outputPath, err)
	}

	h := &Handle{
		sig:     syssig,
		file:    file,
		ch:      make(chan os.Signal, 1),
		logger:  logger,
		reraise: defaultReraise,
	}

	signal.Notify(h.ch, sig)
	go h.relay()

	logger.Debug("fault capture installed", "signal", syssig.String(), "dump", outputPath)
	return h, nil
}

// relay consumes signal deliveries. The signal runtime hands them to this
// goroutine, which may allocate and write freely; the atomic guard keeps
// repeated deliveries from corrupting the dump.
func (h *Handle) relay() {
	for sig := range h.ch {
		if !h.fired.CompareAndSwap(false, true) {
			continue
		}
		h.dump(sig)
		h.reraise(h.sig)
	}
}

// dump writes a header and all goroutine stacks to the dump file.
func (h *Handle) dump(sig os.Signal) {
	fmt.Fprintf(h.file, "=== fault %v pid=%d %s ===\n", sig, os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	for n == len(buf) && len(buf) < maxStackBuf {
		buf = make([]byte, len(buf)*2)
		n = runtime.Stack(buf, true)
	}
	if _, err := h.file.Write(buf[:n]); err != nil {
		h.logger.Warn("stack dump write failed", "error", err)
	}
	if err := h.file.Sync(); err != nil {
		h.logger.Warn("stack dump sync failed", "error", err)
	}
}

// Fired reports whether the fault signal was delivered at least once.
func (h *Handle) Fired() bool {
	return h.fired.Load()
}

// Close stops capturing, restores the prior disposition, and closes the
// dump file. Idempotent.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	signal.Stop(h.ch)
	signal.Reset(h.sig)
	close(h.ch)
	return h.file.Close()
}

// RaiseCoreLimit lifts RLIMIT_CORE to its hard maximum so an abnormal
// termination can leave a core dump. Best-effort: failure is logged at
// debug and swallowed, since core dumps are a diagnostic nicety rather
// than a correctness requirement.
func RaiseCoreLimit(logger *slog.Logger) {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		logger.Debug("core limit read failed", "error", err)
		return
	}
	rl.Cur = rl.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		logger.Debug("core limit raise failed", "error", err)
		return
	}
	logger.Debug("core limit raised", "max", rl.Max)
}
