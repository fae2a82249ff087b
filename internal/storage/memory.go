package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

type entryKey struct {
	kind    string
	address string
}

// MemoryStorage keeps pending entries and checkpoints in process memory
type MemoryStorage struct {
	mu          sync.Mutex
	pending     map[entryKey]models.PendingEntry
	checkpoints map[entryKey]models.Checkpoint
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pending:     make(map[entryKey]models.PendingEntry),
		checkpoints: make(map[entryKey]models.Checkpoint),
	}
}

func (m *MemoryStorage) Connect() error { return nil }
func (m *MemoryStorage) Close() error   { return nil }
func (m *MemoryStorage) Ping() error    { return nil }
func (m *MemoryStorage) Migrate() error { return nil }

// AddPending records a locally created entity
func (m *MemoryStorage) AddPending(ctx context.Context, entry *models.PendingEntry) error {
	if err := validatePending(entry); err != nil {
		return err
	}
	stored := models.PendingEntry{
		Kind:      entry.Kind,
		Parent:    normalizeParent(entry.Parent),
		Address:   utils.NormalizeAddress(entry.Address),
		CreatedAt: entry.CreatedAt,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey{string(stored.Kind), stored.Address}
	if _, exists := m.pending[key]; !exists {
		m.pending[key] = stored
	}
	return nil
}

// RemovePending removes a pending entry, reporting whether it existed
func (m *MemoryStorage) RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey{string(kind), utils.NormalizeAddress(address)}
	if _, exists := m.pending[key]; !exists {
		return false, nil
	}
	delete(m.pending, key)
	return true, nil
}

// ListPending lists the pending entries of one scope in creation order
func (m *MemoryStorage) ListPending(ctx context.Context, kind models.EntityKind, parent string) ([]*models.PendingEntry, error) {
	parent = normalizeParent(parent)

	m.mu.Lock()
	var entries []*models.PendingEntry
	for _, entry := range m.pending {
		if entry.Kind == kind && entry.Parent == parent {
			e := entry
			entries = append(entries, &e)
		}
	}
	m.mu.Unlock()

	sortPending(entries)
	return entries, nil
}

func sortPending(entries []*models.PendingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Address < entries[j].Address
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// GetCheckpoint returns the stored checkpoint or nil
func (m *MemoryStorage) GetCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[entryKey{string(kind), utils.NormalizeAddress(address)}]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// SetCheckpoint upserts a checkpoint without ever lowering its value
func (m *MemoryStorage) SetCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	if err := validateCheckpoint(checkpoint); err != nil {
		return nil, err
	}
	next := *checkpoint
	next.Address = utils.NormalizeAddress(next.Address)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey{string(next.Kind), next.Address}
	if current, ok := m.checkpoints[key]; ok && current.Value >= next.Value {
		return &current, nil
	}
	m.checkpoints[key] = next
	return &next, nil
}

// ClearCheckpoint deletes a checkpoint, reporting whether it existed
func (m *MemoryStorage) ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey{string(kind), utils.NormalizeAddress(address)}
	if _, ok := m.checkpoints[key]; !ok {
		return false, nil
	}
	delete(m.checkpoints, key)
	return true, nil
}

// GetStorageStats returns counts per kind
func (m *MemoryStorage) GetStorageStats() (*StorageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := newStats("memory")
	for _, entry := range m.pending {
		stats.PendingByKind[string(entry.Kind)]++
		if stats.OldestPending == nil || entry.CreatedAt.Before(*stats.OldestPending) {
			t := entry.CreatedAt
			stats.OldestPending = &t
		}
	}
	for _, cp := range m.checkpoints {
		stats.CheckpointsByKind[string(cp.Kind)]++
		if stats.LastCheckpointSync == nil || cp.UpdatedAt.After(*stats.LastCheckpointSync) {
			t := cp.UpdatedAt
			stats.LastCheckpointSync = &t
		}
	}
	return stats, nil
}
