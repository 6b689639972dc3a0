package vecstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// snapshotFile is the serialized capability set of an owner handle. It
// captures everything about the handle that plain memory copying would
// carry across a process duplication: paths, collection, guard mode,
// embedder parameters, and the owner's pid. It deliberately cannot carry
// the two things that make the handle safe: the live connection and the
// held advisory lock.
type snapshotFile struct {
	DBPath     string       `json:"db_path"`
	LockPath   string       `json:"lock_path"`
	Collection string       `json:"collection"`
	Guard      GuardMode    `json:"guard"`
	OwnerPID   int          `json:"owner_pid"`
	Embedder   EmbedderSpec `json:"embedder"`
	CreatedAt  time.Time    `json:"created_at"`
}

// specProvider is implemented by embedders that can describe themselves
// for snapshot transport.
type specProvider interface {
	Spec() EmbedderSpec
}

// Snapshot writes the handle's capability set to path. A child process
// started from this snapshot holds, in effect, the same handle this
// process holds now.
func (s *Store) Snapshot(path string) error {
	sp, ok := s.embedder.(specProvider)
	if !ok {
		return fmt.Errorf("embedder %T cannot be carried in a snapshot", s.embedder)
	}

	snap := snapshotFile{
		DBPath:     s.dbPath,
		LockPath:   s.lockPath,
		Collection: s.collection,
		Guard:      s.guard,
		OwnerPID:   s.ownerPID,
		Embedder:   sp.Spec(),
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write store snapshot %s: %w", path, err)
	}
	s.logger.Debug("store snapshot written", "path", path, "owner_pid", s.ownerPID)
	return nil
}

// Rehydrate loads a snapshot and opens the store it describes as an
// inherited handle. The handle gets a fresh connection to the same
// database file but keeps the snapshot's owner pid and takes no lock:
// exactly the broken shape a duplicated in-memory handle would have.
// Any Insert from a pid other than the owner trips the guard.
func Rehydrate(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path) //nolint:gosec // snapshot path comes from our own run dir
	if err != nil {
		return nil, fmt.Errorf("read store snapshot %s: %w", path, err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse store snapshot %s: %w", path, err)
	}
	if snap.DBPath == "" || snap.OwnerPID == 0 {
		return nil, &protocol.ValidationError{Field: "snapshot", Reason: "missing db path or owner pid"}
	}

	embedder, err := NewEmbedder(snap.Embedder)
	if err != nil {
		return nil, err
	}

	db, err := openDB(snap.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		dbPath:     snap.DBPath,
		lockPath:   snap.LockPath,
		collection: snap.Collection,
		guard:      snap.Guard,
		embedder:   embedder,
		ownerPID:   snap.OwnerPID,
		inherited:  true,
		logger:     logger,
	}
	logger.Debug("store handle rehydrated",
		"path", snap.DBPath,
		"owner_pid", snap.OwnerPID,
		"pid", os.Getpid(),
		"guard", string(snap.Guard))
	return s, nil
}
