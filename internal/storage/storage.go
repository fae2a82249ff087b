// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/dao-reconciler/internal/models"
)

// Storage persists pending local entries and sync checkpoints
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Pending entry operations. Adding an address that is already tracked
	// is a no-op. RemovePending reports whether this call removed the entry,
	// so concurrent removers observe exactly one success.
	AddPending(ctx context.Context, entry *models.PendingEntry) error
	RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error)
	ListPending(ctx context.Context, kind models.EntityKind, parent string) ([]*models.PendingEntry, error)

	// Checkpoint operations. SetCheckpoint never moves a value backwards and
	// returns the checkpoint as stored. GetCheckpoint returns nil when none
	// is recorded.
	GetCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (*models.Checkpoint, error)
	SetCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error)

	// Statistics and monitoring
	GetStorageStats() (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	Backend            string           `json:"backend"`
	PendingByKind      map[string]int64 `json:"pending_by_kind"`
	CheckpointsByKind  map[string]int64 `json:"checkpoints_by_kind"`
	OldestPending      *time.Time       `json:"oldest_pending,omitempty"`
	LastCheckpointSync *time.Time       `json:"last_checkpoint_sync,omitempty"`
	DatabaseSize       int64            `json:"database_size_bytes,omitempty"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	KeyPrefix        string        `json:"key_prefix"`
}

func newStats(backend string) *StorageStats {
	return &StorageStats{
		Backend:           backend,
		PendingByKind:     make(map[string]int64),
		CheckpointsByKind: make(map[string]int64),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
