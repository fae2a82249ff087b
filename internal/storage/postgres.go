package storage

import (
	"strings"

	"github.com/lib/pq"

	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// PostgreSQLStorage implements Storage using PostgreSQL
type PostgreSQLStorage struct {
	sqlStore
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{sqlStore{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
		dialect: dialect{
			name:   "postgres",
			driver: "postgres",
			addPending: `INSERT INTO pending_entries (kind, address, parent, created_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (kind, address) DO NOTHING`,
			removePending: `DELETE FROM pending_entries WHERE kind = $1 AND address = $2`,
			listPending: `SELECT kind, address, parent, created_at FROM pending_entries
				WHERE kind = $1 AND parent = $2 ORDER BY created_at, address`,
			getCheckpoint: `SELECT value, updated_at FROM checkpoints WHERE kind = $1 AND address = $2`,
			setCheckpoint: `
				INSERT INTO checkpoints (kind, address, value, updated_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (kind, address) DO UPDATE SET
					updated_at = CASE WHEN EXCLUDED.value > checkpoints.value
						THEN EXCLUDED.updated_at ELSE checkpoints.updated_at END,
					value = GREATEST(checkpoints.value, EXCLUDED.value)
				RETURNING value, updated_at`,
			clearCheckpoint: `DELETE FROM checkpoints WHERE kind = $1 AND address = $2`,
		},
	}}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	if _, err := pq.ParseURL(p.config.ConnectionString); err != nil && hasURLScheme(p.config.ConnectionString) {
		return utils.WrapAppError(utils.ErrCodeConfiguration, "Invalid PostgreSQL connection URL", err)
	}

	if err := p.open(); err != nil {
		return err
	}

	// Test connection
	if err := p.db.Ping(); err != nil {
		p.db.Close()
		p.db = nil
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err)
	}

	p.logger.Info("PostgreSQL database connected")
	return nil
}

// GetStorageStats adds the database size to the shared statistics
func (p *PostgreSQLStorage) GetStorageStats() (*StorageStats, error) {
	stats, err := p.sqlStore.GetStorageStats()
	if err != nil {
		return nil, err
	}
	var size int64
	if err := p.db.QueryRow("SELECT pg_database_size(current_database())").Scan(&size); err == nil {
		stats.DatabaseSize = size
	}
	return stats, nil
}

func hasURLScheme(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
