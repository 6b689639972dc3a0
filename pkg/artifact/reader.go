package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrRunNotFound marks lookups of run ids the history has never seen.
var ErrRunNotFound = errors.New("run not found")

// Reader provides read-only access to the run history for dashboards and
// reporting tools.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the history database in read-only mode with WAL, so a
// dashboard never blocks a live driver. Returns an error if the database
// does not exist yet.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// RecentRuns lists the newest runs first.
func (r *Reader) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	return queryRecentRuns(ctx, r.db, limit)
}

// RunDetail loads one run with its outcomes and crash evidence.
func (r *Reader) RunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	return queryRunDetail(ctx, r.db, runID)
}

// RunSummary is one row of the run list.
type RunSummary struct {
	ID         string
	Kind       string
	GuardMode  string
	Embedder   string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is still open
	Verdict    string    // empty while the run is still open
	Models     int
	Mismatches int
}

// RunDetail is one run with everything recorded under it.
type RunDetail struct {
	Run       RunSummary
	Outcomes  []Outcome
	Artifacts []CrashRecord
}

// CrashRecord is one persisted crash evidence bundle.
type CrashRecord struct {
	RunID           string
	Model           string
	WorkerPID       int
	StackDumpPath   string
	CoreDumpPath    string
	DebuggerOutcome string
	DebuggerText    string
	CreatedAt       time.Time
}

const runSummarySelect = `
SELECT r.id, r.kind, r.guard_mode, r.embedder,
       r.started_at, COALESCE(r.finished_at, ''), COALESCE(r.verdict, ''),
       COUNT(o.id), COALESCE(SUM(1 - o.matched), 0)
FROM runs r
LEFT JOIN outcomes o ON o.run_id = r.id
`

func queryRecentRuns(ctx context.Context, db *sql.DB, limit int) ([]RunSummary, error) {
	query := runSummarySelect + "GROUP BY r.id ORDER BY r.rowid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		summary, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func queryRunDetail(ctx context.Context, db *sql.DB, runID string) (*RunDetail, error) {
	rows, err := db.QueryContext(ctx, runSummarySelect+"WHERE r.id = ? GROUP BY r.id", runID)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query run: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	summary, err := scanRunSummary(rows)
	if err != nil {
		return nil, err
	}
	_ = rows.Close()

	outcomes, err := queryOutcomes(ctx, db, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := queryCrashRecords(ctx, db, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: summary, Outcomes: outcomes, Artifacts: artifacts}, nil
}

func scanRunSummary(rows *sql.Rows) (RunSummary, error) {
	var s RunSummary
	var started, finished string
	if err := rows.Scan(&s.ID, &s.Kind, &s.GuardMode, &s.Embedder,
		&started, &finished, &s.Verdict, &s.Models, &s.Mismatches); err != nil {
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if s.StartedAt, err = parseSQLiteTime(started); err != nil {
		return RunSummary{}, err
	}
	if finished != "" {
		if s.FinishedAt, err = parseSQLiteTime(finished); err != nil {
			return RunSummary{}, err
		}
	}
	return s, nil
}

func queryOutcomes(ctx context.Context, db *sql.DB, runID string) ([]Outcome, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, model, dispatch, kind, COALESCE(signal, ''), COALESCE(message, ''),
		        passed, expected_pass, matched, documents_inserted, worker_pid, duration_ms, created_at
		 FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var passed, expected, matched, durationMS int64
		var created string
		if err := rows.Scan(&o.RunID, &o.Model, &o.Dispatch, &o.Kind, &o.Signal, &o.Message,
			&passed, &expected, &matched, &o.DocumentsInserted, &o.WorkerPID, &durationMS, &created); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Passed = passed != 0
		o.ExpectedPass = expected != 0
		o.Matched = matched != 0
		o.Duration = time.Duration(durationMS) * time.Millisecond
		if o.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

func queryCrashRecords(ctx context.Context, db *sql.DB, runID string) ([]CrashRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, model, worker_pid, COALESCE(stack_dump_path, ''), COALESCE(core_dump_path, ''),
		        COALESCE(debugger_outcome, ''), COALESCE(debugger_text, ''), created_at
		 FROM crash_artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query crash artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CrashRecord
	for rows.Next() {
		var c CrashRecord
		var created string
		if err := rows.Scan(&c.RunID, &c.Model, &c.WorkerPID, &c.StackDumpPath, &c.CoreDumpPath,
			&c.DebuggerOutcome, &c.DebuggerText, &created); err != nil {
			return nil, fmt.Errorf("scan crash artifact: %w", err)
		}
		if c.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crash artifacts: %w", err)
	}
	return out, nil
}

// parseSQLiteTime reads the TEXT timestamps datetime('now') produces, with
// an RFC3339 fallback for rows written by other tools.
func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
