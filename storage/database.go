package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "journal.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultEventRetention controls automatic discovery event pruning.
	DefaultEventRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS discovery_events (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id    TEXT NOT NULL,
  kind      TEXT NOT NULL CHECK(kind IN ('peer_discovered','exchange_started','exchange_complete','ranging_started','ranging_update','error')),
  peer_id   TEXT,
  message   TEXT NOT NULL,
  timestamp INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_discovery_events_time
ON discovery_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_discovery_events_peer
ON discovery_events (peer_id, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_discovery_events_run
ON discovery_events (run_id, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection. Each Store has its own
// run id so events of one process lifetime can be told apart.
type Store struct {
	db    *sql.DB
	runID string

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	eventRetention        time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) journal.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, multierr.Append(fmt.Errorf("ping sqlite database: %w", err), db.Close())
	}

	store := &Store{
		db:                    db,
		runID:                 uuid.NewString(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		eventRetention:        DefaultEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	if err := store.applyMigrations(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	if err := store.checkpointWAL(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// RunID identifies the events written through this Store.
func (s *Store) RunID() string {
	return s.runID
}

// Close checkpoints the WAL and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = multierr.Combine(s.checkpointWAL(), s.db.Close())
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
