package supervise_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/supervise"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecSpawner_CapturesReportLine(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker.log")
	spawner := &supervise.ExecSpawner{Binary: "/bin/sh", Logger: discardLogger()}

	script := `echo starting up
echo 'RESULT {"status":"success","pid":42,"parent_pid":41,"documents_inserted":3}'
echo shutting down`
	proc, err := spawner.Spawn(context.Background(), supervise.SpawnSpec{
		Args:    []string{"-c", script},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if proc.PID() <= 0 {
		t.Fatalf("expected a real pid, got %d", proc.PID())
	}

	state, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state.Signaled || state.Code != 0 {
		t.Fatalf("expected clean exit, got %s", state)
	}

	report, ok := proc.Report()
	if !ok {
		t.Fatal("report line was not captured")
	}
	if report.Status != "success" || report.DocumentsInserted != 3 {
		t.Errorf("unexpected report: %+v", report)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read worker log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"starting up", "RESULT ", "shutting down"} {
		if !strings.Contains(log, want) {
			t.Errorf("worker log missing %q:\n%s", want, log)
		}
	}
}

func TestExecSpawner_ExitCodeWithoutReport(t *testing.T) {
	spawner := &supervise.ExecSpawner{Binary: "/bin/sh", Logger: discardLogger()}

	proc, err := spawner.Spawn(context.Background(), supervise.SpawnSpec{
		Args: []string{"-c", "echo no report here; exit 3"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	state, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state.Signaled {
		t.Fatalf("expected plain exit, got %s", state)
	}
	if state.Code != 3 {
		t.Errorf("exit code = %d, want 3", state.Code)
	}
	if _, ok := proc.Report(); ok {
		t.Error("no report line was printed, but one was captured")
	}
}

func TestExecSpawner_SignalGroupKillsWorker(t *testing.T) {
	spawner := &supervise.ExecSpawner{Binary: "/bin/sh", Logger: discardLogger()}

	proc, err := spawner.Spawn(context.Background(), supervise.SpawnSpec{
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan supervise.ExitState, 1)
	go func() {
		state, _ := proc.Wait()
		done <- state
	}()

	// Give the shell a moment to start, then kill the whole group.
	time.Sleep(50 * time.Millisecond)
	if err := proc.SignalGroup(syscall.SIGKILL); err != nil {
		t.Fatalf("SignalGroup: %v", err)
	}

	select {
	case state := <-done:
		if !state.Signaled || state.Signal != syscall.SIGKILL {
			t.Errorf("expected SIGKILL death, got %s", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived SIGKILL to its process group")
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  syscall.Signal
		want string
	}{
		{sig: syscall.SIGTRAP, want: "SIGTRAP"},
		{sig: syscall.SIGTERM, want: "SIGTERM"},
		{sig: syscall.SIGKILL, want: "SIGKILL"},
	}
	for _, tt := range tests {
		if got := supervise.SignalName(tt.sig); got != tt.want {
			t.Errorf("SignalName(%d) = %q, want %q", int(tt.sig), got, tt.want)
		}
	}
}
