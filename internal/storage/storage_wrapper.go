package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// AddPending adds a pending entry and records metrics
func (s *StorageWithMetrics) AddPending(ctx context.Context, entry *models.PendingEntry) error {
	start := time.Now()
	err := s.Storage.AddPending(ctx, entry)
	s.record("insert", "pending_entries", start, err)
	return err
}

// RemovePending removes a pending entry and records metrics
func (s *StorageWithMetrics) RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	start := time.Now()
	removed, err := s.Storage.RemovePending(ctx, kind, address)
	s.record("delete", "pending_entries", start, err)
	return removed, err
}

// ListPending lists pending entries and records metrics
func (s *StorageWithMetrics) ListPending(ctx context.Context, kind models.EntityKind, parent string) ([]*models.PendingEntry, error) {
	start := time.Now()
	entries, err := s.Storage.ListPending(ctx, kind, parent)
	s.record("select", "pending_entries", start, err)
	return entries, err
}

// GetCheckpoint reads a checkpoint and records metrics
func (s *StorageWithMetrics) GetCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (*models.Checkpoint, error) {
	start := time.Now()
	cp, err := s.Storage.GetCheckpoint(ctx, kind, address)
	s.record("select", "checkpoints", start, err)
	return cp, err
}

// SetCheckpoint upserts a checkpoint and records metrics
func (s *StorageWithMetrics) SetCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	start := time.Now()
	cp, err := s.Storage.SetCheckpoint(ctx, checkpoint)
	s.record("upsert", "checkpoints", start, err)
	if err == nil && s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().RecordCheckpointUpdate(string(checkpoint.Kind), "set")
	}
	return cp, err
}

// ClearCheckpoint clears a checkpoint and records metrics
func (s *StorageWithMetrics) ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error) {
	start := time.Now()
	cleared, err := s.Storage.ClearCheckpoint(ctx, kind, address)
	s.record("delete", "checkpoints", start, err)
	if cleared && s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().RecordCheckpointUpdate(string(kind), "clear")
	}
	return cleared, err
}
