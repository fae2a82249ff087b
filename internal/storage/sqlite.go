// File: internal/storage/sqlite.go
package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/smartdevs17/dao-reconciler/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	sqlStore
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{sqlStore{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
		dialect: dialect{
			name:          "sqlite",
			driver:        "sqlite",
			addPending:    `INSERT OR IGNORE INTO pending_entries (kind, address, parent, created_at) VALUES (?, ?, ?, ?)`,
			removePending: `DELETE FROM pending_entries WHERE kind = ? AND address = ?`,
			listPending: `SELECT kind, address, parent, created_at FROM pending_entries
				WHERE kind = ? AND parent = ? ORDER BY created_at, address`,
			getCheckpoint: `SELECT value, updated_at FROM checkpoints WHERE kind = ? AND address = ?`,
			setCheckpoint: `
				INSERT INTO checkpoints (kind, address, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (kind, address) DO UPDATE SET
					updated_at = CASE WHEN excluded.value > checkpoints.value
						THEN excluded.updated_at ELSE checkpoints.updated_at END,
					value = max(checkpoints.value, excluded.value)
				RETURNING value, updated_at`,
			clearCheckpoint: `DELETE FROM checkpoints WHERE kind = ? AND address = ?`,
		},
	}}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	if !strings.HasPrefix(s.config.ConnectionString, "file:") && s.config.ConnectionString != ":memory:" {
		dir := filepath.Dir(s.config.ConnectionString)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to create database directory", err)
			}
		}
	}

	if err := s.open(); err != nil {
		return err
	}

	// Enable WAL mode for better concurrency
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err)
	}

	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")
	return nil
}

// GetStorageStats adds the database file size to the shared statistics
func (s *SQLiteStorage) GetStorageStats() (*StorageStats, error) {
	stats, err := s.sqlStore.GetStorageStats()
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.config.ConnectionString); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}
