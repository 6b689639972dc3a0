package vecstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, guard GuardMode) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:      t.TempDir(),
		Guard:    guard,
		Embedder: NewMockEmbedder(8),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_SecondOwnerRefused(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(Options{Dir: dir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer func() { _ = s1.Close() }()

	if _, err := Open(Options{Dir: dir, Logger: testLogger()}); err == nil {
		t.Fatal("expected second Open on the same dir to be refused while the lock is held")
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{Logger: testLogger()})
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "dir" {
		t.Errorf("expected field dir, got %q", verr.Field)
	}
}

func TestStore_InsertAndCount(t *testing.T) {
	s := openTestStore(t, GuardTrap)
	ctx := context.Background()

	docs := []protocol.Document{
		{Content: "first document", Metadata: map[string]string{"idx": "0"}},
		{Content: "second document"},
		{Content: "third document"},
	}
	n, err := s.Insert(ctx, docs)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 inserted, got %d", n)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}

	vec, err := s.StoredVector(ctx, "first document")
	if err != nil {
		t.Fatalf("StoredVector: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("expected 8 dims, got %d", len(vec))
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Errorf("stored vector should round-trip as a unit vector, norm = %v", math.Sqrt(norm))
	}
}

func TestStore_Insert_EmptyBatch(t *testing.T) {
	s := openTestStore(t, GuardTrap)

	n, err := s.Insert(context.Background(), nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 inserted, got %d", n)
	}
}

func TestSnapshotRehydrate_MarksInherited(t *testing.T) {
	s := openTestStore(t, GuardHang)
	snapPath := filepath.Join(t.TempDir(), "snap.json")

	if err := s.Snapshot(snapPath); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	child, err := Rehydrate(snapPath, testLogger())
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	defer func() { _ = child.Close() }()

	if !child.Inherited() {
		t.Error("rehydrated handle should be marked inherited")
	}
	if child.OwnerPID() != os.Getpid() {
		t.Errorf("owner pid should survive the snapshot: got %d, want %d", child.OwnerPID(), os.Getpid())
	}
	if child.Guard() != GuardHang {
		t.Errorf("guard mode should survive the snapshot: got %q", child.Guard())
	}

	// Same pid as the owner: the guard must stay quiet.
	if _, err := child.Insert(context.Background(), []protocol.Document{{Content: "same process"}}); err != nil {
		t.Fatalf("Insert on same-pid inherited handle: %v", err)
	}
}

func TestRehydrate_MissingSnapshot(t *testing.T) {
	if _, err := Rehydrate(filepath.Join(t.TempDir(), "absent.json"), testLogger()); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestStore_GuardTrap_RaisesFaultSignal(t *testing.T) {
	s := openTestStore(t, GuardTrap)
	snapPath := filepath.Join(t.TempDir(), "snap.json")
	if err := s.Snapshot(snapPath); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	child, err := Rehydrate(snapPath, testLogger())
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	defer func() { _ = child.Close() }()
	// Simulate the handle landing in a different process.
	child.ownerPID = os.Getpid() + 1

	var raised syscall.Signal
	orig := raiseTrap
	raiseTrap = func(sig syscall.Signal) { raised = sig }
	t.Cleanup(func() { raiseTrap = orig })

	_, err = child.Insert(context.Background(), []protocol.Document{{Content: "doomed"}})

	if raised != TrapSignal {
		t.Fatalf("expected %v to be raised, got %v", TrapSignal, raised)
	}
	var werr *protocol.WorkloadError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WorkloadError after trap seam returned, got %v", err)
	}

	// The owner's database must be untouched.
	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("guard fired after a write: count = %d", count)
	}
}

func TestStore_GuardHang_BlocksUntilOwnerReleases(t *testing.T) {
	s := openTestStore(t, GuardHang)
	snapPath := filepath.Join(t.TempDir(), "snap.json")
	if err := s.Snapshot(snapPath); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	child, err := Rehydrate(snapPath, testLogger())
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	defer func() { _ = child.Close() }()
	child.ownerPID = os.Getpid() + 1

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := child.Insert(context.Background(), []protocol.Document{{Content: "waiting"}})
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("insert returned while the owner held the lock: %+v", r)
	case <-time.After(150 * time.Millisecond):
		// Still blocked on the owner's flock, as it should be.
	}

	// Owner releases the lock; the modeled wait unblocks and the insert
	// completes.
	if err := s.Close(); err != nil {
		t.Fatalf("owner Close: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("insert after lock release: %v", r.err)
		}
		if r.n != 1 {
			t.Errorf("expected 1 inserted, got %d", r.n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("insert stayed blocked after the owner released the lock")
	}
}

func TestParseGuardMode(t *testing.T) {
	tests := []struct {
		in      string
		want    GuardMode
		wantErr bool
	}{
		{in: "trap", want: GuardTrap},
		{in: "hang", want: GuardHang},
		{in: "", want: GuardTrap},
		{in: "explode", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("mode "+tt.in, func(t *testing.T) {
			got, err := ParseGuardMode(tt.in)
			if tt.wantErr {
				var verr *protocol.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGuardMode(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseGuardMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeVector(t *testing.T) {
	in := []float64{0.5, -0.25, 1.75, 0}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("expected %d values, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("value %d: %v != %v", i, in[i], out[i])
		}
	}
}
