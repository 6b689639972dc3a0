// Package vecstore implements the embedded document+vector store whose
// handle is deliberately unsafe to share across process duplication.
//
// A Store owns two pieces of per-process state that do not survive
// duplication: the SQLite connection and an exclusive advisory lock on a
// sidecar lock file. Snapshot and Rehydrate model the duplication: a
// rehydrated handle points at the same files but is marked inherited, and
// any mutating call from a process other than the recorded owner trips an
// ownership guard instead of silently corrupting the database.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// TrapSignal is the fault signal the trap guard raises. SIGTRAP keeps an
// attached debugger in control of the worker when the guard fires.
const TrapSignal = syscall.SIGTRAP

// GuardMode selects how an inherited handle fails when used.
type GuardMode string

const (
	// GuardTrap raises TrapSignal at the calling process: deterministic,
	// debuggable, classified as Crashed by the supervisor.
	GuardTrap GuardMode = "trap"
	// GuardHang blocks on the owner's exclusive lock: a real cross-process
	// deadlock, classified as Deadlocked once the supervisor's timeout
	// escalation kills the worker.
	GuardHang GuardMode = "hang"
)

// ParseGuardMode validates a guard mode string.
func ParseGuardMode(s string) (GuardMode, error) {
	switch GuardMode(s) {
	case GuardTrap, GuardHang:
		return GuardMode(s), nil
	case "":
		return GuardTrap, nil
	default:
		return "", &protocol.ValidationError{Field: "guard-mode", Reason: fmt.Sprintf("must be %q or %q, got %q", GuardTrap, GuardHang, s)}
	}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

CREATE TABLE IF NOT EXISTS vectors (
    document_id TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
    dims        INTEGER NOT NULL,
    embedding   BLOB NOT NULL
);
`

// Options configures Open.
type Options struct {
	// Dir is the directory holding the database and its lock file.
	Dir string
	// Collection namespaces documents; defaults to "probe".
	Collection string
	// Guard selects the inherited-handle failure mode; defaults to GuardTrap.
	Guard GuardMode
	// Embedder converts document text to vectors; defaults to a MockEmbedder.
	Embedder Embedder
	Logger   *slog.Logger
}

// Store is a single-process handle on the document+vector database.
type Store struct {
	db         *sql.DB
	dbPath     string
	lockPath   string
	lockFile   *os.File
	collection string
	guard      GuardMode
	embedder   Embedder
	ownerPID   int
	inherited  bool
	logger     *slog.Logger
}

// Open creates or opens the store under opts.Dir and acquires the owner
// lock. The calling process becomes the handle's owner: only it may
// mutate the store without tripping the guard.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, &protocol.ValidationError{Field: "dir", Reason: "store directory is required"}
	}
	guard, err := ParseGuardMode(string(opts.Guard))
	if err != nil {
		return nil, err
	}
	collection := opts.Collection
	if collection == "" {
		collection = "probe"
	}
	embedder := opts.Embedder
	if embedder == nil {
		embedder = NewMockEmbedder(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", opts.Dir, err)
	}

	dbPath := filepath.Join(opts.Dir, "vectors.db")
	lockPath := dbPath + ".lock"

	lockFile, err := acquireOwnerLock(lockPath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(dbPath)
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}

	s := &Store{
		db:         db,
		dbPath:     dbPath,
		lockPath:   lockPath,
		lockFile:   lockFile,
		collection: collection,
		guard:      guard,
		embedder:   embedder,
		ownerPID:   os.Getpid(),
		logger:     logger,
	}
	logger.Debug("store opened",
		"path", dbPath,
		"collection", collection,
		"owner_pid", s.ownerPID,
		"guard", string(guard))
	return s, nil
}

// openDB opens the SQLite database with WAL journaling and a busy timeout,
// then ensures the schema exists.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply store schema on %s: %w", path, err)
	}
	return db, nil
}

// acquireOwnerLock takes the store's exclusive advisory lock without
// blocking. A second owner in any process is refused.
func acquireOwnerLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path is within the probe's own run dir
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("store %s is locked by another process: %w", path, err)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// raiseTrap delivers the fault signal to this process, then parks the
// calling goroutine: the restored default disposition terminates the
// process, and the insert must never proceed past the guard. Swapped in
// tests so the test binary survives.
var raiseTrap = func(sig syscall.Signal) { //nolint:gochecknoglobals // test seam
	_ = syscall.Kill(os.Getpid(), sig)
	for {
		time.Sleep(time.Hour)
	}
}

// guardInherited detects use of a handle that crossed a process boundary.
// The connection and advisory lock belong to the owner process; a
// duplicated handle anywhere else is invalid, and the guard makes that
// failure observable instead of letting it corrupt state:
//
//   - GuardTrap: raise TrapSignal at this process. The in-process fault
//     handler dumps goroutine stacks and the process dies with the signal.
//   - GuardHang: block on the owner's exclusive lock. The call stays
//     blocked for as long as the owner holds the lock; if the owner ever
//     releases it, the modeled wait unblocks and the insert proceeds.
func (s *Store) guardInherited() error {
	if !s.inherited || os.Getpid() == s.ownerPID {
		return nil
	}

	switch s.guard {
	case GuardHang:
		s.logger.Warn("inherited store handle: blocking on owner lock",
			"owner_pid", s.ownerPID, "pid", os.Getpid(), "lock", s.lockPath)
		if err := blockOnOwnerLock(s.lockPath); err != nil {
			return err
		}
		s.logger.Warn("owner lock released, resuming insert", "pid", os.Getpid())
		return nil
	default:
		s.logger.Warn("inherited store handle: raising fault signal",
			"owner_pid", s.ownerPID, "pid", os.Getpid(), "signal", TrapSignal.String())
		raiseTrap(TrapSignal)
		return &protocol.WorkloadError{
			Message: fmt.Sprintf("store handle owned by pid %d used in pid %d", s.ownerPID, os.Getpid()),
		}
	}
}

// blockOnOwnerLock takes a blocking exclusive flock on the store's lock
// file, waiting on whichever process holds it.
func blockOnOwnerLock(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path is within the probe's own run dir
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// Insert embeds the documents and stores them in one transaction,
// returning the number inserted. On an inherited handle the ownership
// guard fires before any database work.
func (s *Store) Insert(ctx context.Context, docs []protocol.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if err := s.guardInherited(); err != nil {
		return 0, err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(docs) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, d := range docs {
		id := uuid.NewString()
		meta, err := metadataJSON(d.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata for document %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, collection, content, metadata) VALUES (?, ?, ?, ?)`,
			id, s.collection, d.Content, meta,
		); err != nil {
			return 0, fmt.Errorf("insert document %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vectors (document_id, dims, embedding) VALUES (?, ?, ?)`,
			id, len(vecs[i]), encodeVector(vecs[i]),
		); err != nil {
			return 0, fmt.Errorf("insert vector %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert tx: %w", err)
	}

	s.logger.Debug("documents inserted", "count", len(docs), "collection", s.collection, "pid", os.Getpid())
	return len(docs), nil
}

// Count reports how many documents the collection holds.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, s.collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// StoredVector returns the embedding stored for a document's content,
// looked up by exact content match within the collection.
func (s *Store) StoredVector(ctx context.Context, content string) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v.embedding FROM vectors v
		 JOIN documents d ON d.id = v.document_id
		 WHERE d.collection = ? AND d.content = ?
		 LIMIT 1`, s.collection, content,
	).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("load vector: %w", err)
	}
	return decodeVector(blob), nil
}

// OwnerPID reports the process that owns this handle.
func (s *Store) OwnerPID() int { return s.ownerPID }

// Inherited reports whether the handle crossed a process boundary.
func (s *Store) Inherited() bool { return s.inherited }

// Guard reports the configured inherited-handle failure mode.
func (s *Store) Guard() GuardMode { return s.guard }

// DBPath reports the database file path.
func (s *Store) DBPath() string { return s.dbPath }

// Close releases the connection and, on an owner handle, the advisory
// lock. Inherited handles never touch the owner's lock.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = fmt.Errorf("close sqlite: %w", err)
		}
		s.db = nil
	}
	if s.lockFile != nil {
		releaseLock(s.lockFile)
		s.lockFile = nil
	}
	return firstErr
}

// metadataJSON renders document metadata as a JSON object string.
func metadataJSON(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// encodeVector packs a float64 slice as little-endian bytes.
func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float64 blob.
func decodeVector(buf []byte) []float64 {
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
