package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "filerelay.db"
	// DefaultMaintenanceInterval controls periodic WAL truncation and history pruning.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultHistoryRetention controls automatic pruning of finished transfers.
	DefaultHistoryRetention = 180 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id   TEXT NOT NULL,
  direction     TEXT NOT NULL CHECK(direction IN ('send','receive')),
  name          TEXT NOT NULL,
  mime          TEXT NOT NULL DEFAULT '',
  size          INTEGER NOT NULL DEFAULT 0,
  total_chunks  INTEGER NOT NULL DEFAULT 0,
  peer          TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL CHECK(status IN ('pending','sending','receiving','complete','cancelled','failed')) DEFAULT 'pending',
  stored_path   TEXT NOT NULL DEFAULT '',
  error         TEXT NOT NULL DEFAULT '',
  updated_at    INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_direction_time
ON transfers (direction, updated_at DESC, transfer_id);
`,
	`
ALTER TABLE transfers ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0;
`,
	`
ALTER TABLE transfers ADD COLUMN fingerprint TEXT NOT NULL DEFAULT '';
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	maintenanceStop     chan struct{}
	maintenanceWG       sync.WaitGroup
	historyRetention    time.Duration
	closeOnce           sync.Once
	log                 *logrus.Entry
}

// Open opens (or creates) filerelay.db under the given data directory and runs migrations.
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
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		maintenanceStop:     make(chan struct{}),
		historyRetention:    DefaultHistoryRetention,
		log:                 logrus.WithFields(logrus.Fields{"component": "storage", "db": dbPath}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
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

// startMaintenanceLoop truncates the WAL and prunes expired history once per
// interval until Close.
func (s *Store) startMaintenanceLoop() {
	interval := s.maintenanceInterval
	if interval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.WithError(err).Warn("periodic WAL checkpoint failed")
				}
				if removed, err := s.pruneExpired(); err != nil {
					s.log.WithError(err).Warn("periodic history prune failed")
				} else if removed > 0 {
					s.log.WithField("removed", removed).Debug("pruned transfer history")
				}
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
