package faultcap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInstall_RejectsNonPosixSignal(t *testing.T) {
	if _, err := Install(fakeSignal{}, filepath.Join(t.TempDir(), "dump.txt"), discardLogger()); err == nil {
		t.Fatal("Install accepted a non-POSIX signal")
	}
}

type fakeSignal struct{}

func (fakeSignal) String() string { return "fake" }
func (fakeSignal) Signal()        {}

func TestInstall_AppendNeverTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt")
	if err := os.WriteFile(path, []byte("earlier fault\n"), 0o600); err != nil {
		t.Fatalf("seed dump file: %v", err)
	}

	h, err := Install(syscall.SIGUSR2, path, discardLogger())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "earlier fault") {
		t.Error("install truncated prior dump content")
	}
}

func TestHandle_SignalDeliveryDumpsAndReraises(t *testing.T) {
	reraised := make(chan syscall.Signal, 1)
	restore := defaultReraise
	defaultReraise = func(s syscall.Signal) { reraised <- s }
	t.Cleanup(func() { defaultReraise = restore })

	path := filepath.Join(t.TempDir(), "dump.txt")
	h, err := Install(syscall.SIGUSR2, path, discardLogger())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	// Deliver the real signal so the notify wiring is exercised.
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill self: %v", err)
	}

	select {
	case s := <-reraised:
		if s != syscall.SIGUSR2 {
			t.Errorf("reraised %v, want SIGUSR2", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fault handler never ran")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "goroutine") {
		t.Errorf("dump missing goroutine stacks:\n%s", data)
	}
	if !strings.Contains(string(data), "=== fault") {
		t.Errorf("dump missing header:\n%s", data)
	}
	if !h.Fired() {
		t.Error("Fired() = false after delivery")
	}
}

func TestHandle_RepeatedDeliveryDumpsOnce(t *testing.T) {
	var reraises atomic.Int32
	done := make(chan struct{}, 4)
	restore := defaultReraise
	defaultReraise = func(syscall.Signal) {
		reraises.Add(1)
		done <- struct{}{}
	}
	t.Cleanup(func() { defaultReraise = restore })

	path := filepath.Join(t.TempDir(), "dump.txt")
	h, err := Install(syscall.SIGUSR2, path, discardLogger())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	// Feed deliveries straight into the relay channel; only the first may
	// dump, the guard swallows the rest.
	for range 4 {
		h.ch <- syscall.SIGUSR2
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay never processed deliveries")
	}
	// Give the relay a beat to drain the remaining deliveries.
	time.Sleep(50 * time.Millisecond)

	if got := reraises.Load(); got != 1 {
		t.Errorf("reraise count = %d, want 1", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if got := strings.Count(string(data), "=== fault"); got != 1 {
		t.Errorf("dump header count = %d, want 1", got)
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	h, err := Install(syscall.SIGUSR2, filepath.Join(t.TempDir(), "dump.txt"), discardLogger())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRaiseCoreLimit_DoesNotPanic(t *testing.T) {
	// Best-effort by contract; only the absence of a panic or error path
	// explosion is observable here.
	RaiseCoreLimit(discardLogger())

	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		t.Fatalf("Getrlimit: %v", err)
	}
	if rl.Cur != rl.Max {
		t.Logf("core limit cur=%d max=%d (raise best-effort, not asserted)", rl.Cur, rl.Max)
	}
}
