package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// dialect holds the statements that differ between SQL backends
type dialect struct {
	name            string
	driver          string
	addPending      string
	removePending   string
	listPending     string
	getCheckpoint   string
	setCheckpoint   string
	clearCheckpoint string
}

// sqlStore implements the Storage operations shared by the SQL backends
type sqlStore struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
	dialect    dialect
}

func (s *sqlStore) open() error {
	db, err := sql.Open(s.dialect.driver, s.config.ConnectionString)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, fmt.Sprintf("Failed to open %s database", s.dialect.name), err)
	}

	// Configure connection pool
	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
		db.SetMaxIdleConns(s.config.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	s.db = db
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.WithField("backend", s.dialect.name).Info("Database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *sqlStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.WithField("backend", s.dialect.name).Info("Starting database migrations")

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.WrapAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}

	s.logger.WithField("backend", s.dialect.name).Info("Database migrations completed")
	return nil
}

// AddPending records a locally created entity
func (s *sqlStore) AddPending(ctx context.Context, entry *models.PendingEntry) error {
	if err := validatePending(entry); err != nil {
		return err
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.dialect.addPending,
		string(entry.Kind), utils.NormalizeAddress(entry.Address), normalizeParent(entry.Parent), toMillis(createdAt))
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to add pending entry", err)
	}
	return nil
}

// RemovePending removes a pending entry, reporting whether it existed
func (s *sqlStore) RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.removePending, string(kind), utils.NormalizeAddress(address))
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to remove pending entry", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}

// ListPending lists the pending entries of one scope in creation order
func (s *sqlStore) ListPending(ctx context.Context, kind models.EntityKind, parent string) ([]*models.PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.listPending, string(kind), normalizeParent(parent))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to list pending entries", err)
	}
	defer rows.Close()

	var entries []*models.PendingEntry
	for rows.Next() {
		var (
			entry     models.PendingEntry
			kindStr   string
			createdAt int64
		)
		if err := rows.Scan(&kindStr, &entry.Address, &entry.Parent, &createdAt); err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to scan pending entry", err)
		}
		entry.Kind = models.EntityKind(kindStr)
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to iterate pending entries", err)
	}
	return entries, nil
}

// GetCheckpoint returns the stored checkpoint or nil
func (s *sqlStore) GetCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (*models.Checkpoint, error) {
	addr := utils.NormalizeAddress(address)

	var value, updatedAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.getCheckpoint, string(kind), addr).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get checkpoint", err)
	}

	return &models.Checkpoint{
		Kind:      kind,
		Address:   addr,
		Value:     uint64(value),
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// SetCheckpoint upserts a checkpoint without ever lowering its value
func (s *sqlStore) SetCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	if err := validateCheckpoint(checkpoint); err != nil {
		return nil, err
	}
	addr := utils.NormalizeAddress(checkpoint.Address)
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	var value, storedAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.setCheckpoint,
		string(checkpoint.Kind), addr, int64(checkpoint.Value), toMillis(updatedAt)).Scan(&value, &storedAt)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to set checkpoint", err)
	}

	return &models.Checkpoint{
		Kind:      checkpoint.Kind,
		Address:   addr,
		Value:     uint64(value),
		UpdatedAt: fromMillis(storedAt),
	}, nil
}

// ClearCheckpoint deletes a checkpoint, reporting whether it existed
func (s *sqlStore) ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.clearCheckpoint, string(kind), utils.NormalizeAddress(address))
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to clear checkpoint", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}

// GetStorageStats returns row counts per kind
func (s *sqlStore) GetStorageStats() (*StorageStats, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	stats := newStats(s.dialect.name)

	if err := s.countByKind("SELECT kind, COUNT(*) FROM pending_entries GROUP BY kind", stats.PendingByKind); err != nil {
		return nil, err
	}
	if err := s.countByKind("SELECT kind, COUNT(*) FROM checkpoints GROUP BY kind", stats.CheckpointsByKind); err != nil {
		return nil, err
	}

	var oldest, latest sql.NullInt64
	if err := s.db.QueryRow("SELECT MIN(created_at) FROM pending_entries").Scan(&oldest); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get oldest pending entry", err)
	}
	if err := s.db.QueryRow("SELECT MAX(updated_at) FROM checkpoints").Scan(&latest); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get latest checkpoint", err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		stats.OldestPending = &t
	}
	if latest.Valid {
		t := fromMillis(latest.Int64)
		stats.LastCheckpointSync = &t
	}

	return stats, nil
}

func (s *sqlStore) countByKind(query string, into map[string]int64) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count rows", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to scan row count", err)
		}
		into[kind] = count
	}
	return rows.Err()
}

func validatePending(entry *models.PendingEntry) error {
	if entry == nil || !entry.Kind.Valid() {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid pending entry kind", "")
	}
	if !utils.IsValidAddress(entry.Address) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid pending entry address", entry.Address)
	}
	if entry.Kind == models.KindProposal && !utils.IsValidAddress(entry.Parent) {
		return utils.NewAppError(utils.ErrCodeValidation, "Pending proposal requires its organization", entry.Address)
	}
	return nil
}

func validateCheckpoint(checkpoint *models.Checkpoint) error {
	if checkpoint == nil || !checkpoint.Kind.Valid() {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid checkpoint kind", "")
	}
	if !utils.IsValidAddress(checkpoint.Address) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid checkpoint address", checkpoint.Address)
	}
	return nil
}

func normalizeParent(parent string) string {
	if parent == "" {
		return ""
	}
	return utils.NormalizeAddress(parent)
}
