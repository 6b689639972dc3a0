// Package artifact persists run history: one row per diagnostic run, one
// row per model verdict, and the crash evidence collected along the way.
// The history lives in its own SQLite database, separate from the vector
// store the workers exercise, so a crashing worker can never touch it.
package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// schemaDDL defines the run-history schema. Executed on every Open; all
// statements are idempotent.
const schemaDDL = `
-- One row per diagnostic run (a full suite or a single model)
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    guard_mode TEXT NOT NULL,
    embedder TEXT NOT NULL,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    finished_at TEXT,
    verdict TEXT
);

-- Supervisor classification of each model invocation within a run
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    model TEXT NOT NULL,
    dispatch TEXT NOT NULL,
    kind TEXT NOT NULL,
    signal TEXT,
    message TEXT,
    passed INTEGER NOT NULL,
    expected_pass INTEGER NOT NULL,
    matched INTEGER NOT NULL,
    documents_inserted INTEGER NOT NULL DEFAULT 0,
    worker_pid INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);

-- Crash evidence bundles (stack dumps, debugger transcripts, cores)
CREATE TABLE IF NOT EXISTS crash_artifacts (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    model TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    stack_dump_path TEXT,
    core_dump_path TEXT,
    debugger_outcome TEXT,
    debugger_text TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_crash_artifacts_run ON crash_artifacts(run_id);
`

// Run kinds.
const (
	RunKindSuite  = "suite"
	RunKindSingle = "single"
)

// Run verdicts.
const (
	VerdictMatch    = "match"
	VerdictMismatch = "mismatch"
	VerdictAborted  = "aborted"
)

// Store is the read-write run-history handle, owned by the driver.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the history database at path, creating it and its parent
// directory if needed, and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// BeginRun opens a new run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, kind, guardMode, embedder string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, guard_mode, embedder) VALUES (?, ?, ?, ?)`,
		id, kind, guardMode, embedder)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	s.logger.Debug("run opened", "run_id", id, "kind", kind)
	return id, nil
}

// FinishRun stamps the run's verdict and finish time.
func (s *Store) FinishRun(ctx context.Context, runID, verdict string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET verdict=?, finished_at=datetime('now') WHERE id=?`,
		verdict, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: %w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Outcome is one persisted model verdict within a run.
type Outcome struct {
	RunID             string
	Model             string
	Dispatch          string
	Kind              string
	Signal            string
	Message           string
	Passed            bool
	ExpectedPass      bool
	Matched           bool
	DocumentsInserted int
	WorkerPID         int
	Duration          time.Duration
	CreatedAt         time.Time
}

// OutcomeFromResult flattens a supervisor classification into its
// persisted form.
func OutcomeFromResult(runID string, spec protocol.ModelSpec, outcome protocol.WorkerOutcome, matched bool, duration time.Duration) Outcome {
	o := Outcome{
		RunID:        runID,
		Model:        string(spec.Model),
		Dispatch:     string(spec.Dispatch),
		Kind:         string(outcome.Kind),
		Signal:       outcome.Signal,
		Message:      outcome.Message,
		Passed:       outcome.Passed(),
		ExpectedPass: spec.ExpectPass,
		Matched:      matched,
		Duration:     duration,
	}
	if outcome.Report != nil {
		o.DocumentsInserted = outcome.Report.DocumentsInserted
		o.WorkerPID = outcome.Report.PID
	}
	return o
}

// RecordOutcome appends one model verdict to its run.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, model, dispatch, kind, signal, message,
		    passed, expected_pass, matched, documents_inserted, worker_pid, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.Model, o.Dispatch, o.Kind, o.Signal, o.Message,
		boolInt(o.Passed), boolInt(o.ExpectedPass), boolInt(o.Matched),
		o.DocumentsInserted, o.WorkerPID, o.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecordCrashArtifact stores crash evidence attached to a run and model.
func (s *Store) RecordCrashArtifact(ctx context.Context, runID, model string, a *protocol.CrashArtifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crash_artifacts (run_id, model, worker_pid,
		    stack_dump_path, core_dump_path, debugger_outcome, debugger_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, model, a.WorkerPID,
		a.StackDumpPath, a.CoreDumpPath, a.DebuggerOutcome, a.DebuggerText)
	if err != nil {
		return fmt.Errorf("record crash artifact: %w", err)
	}
	return nil
}

// RecentRuns lists the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	return queryRecentRuns(ctx, s.db, limit)
}

// RunDetail loads one run with its outcomes and crash evidence.
func (s *Store) RunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	return queryRunDetail(ctx, s.db, runID)
}

// boolInt stores booleans the SQLite way.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
