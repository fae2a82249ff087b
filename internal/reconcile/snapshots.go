package reconcile

import (
	"sync"

	"github.com/smartdevs17/dao-reconciler/internal/models"
)

// snapshotCache keeps the last ledger-built snapshot of each proposal as the
// base for incremental ledger replay. Indexer copies carry no votes and are
// never kept.
type snapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]*models.Proposal
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{snapshots: make(map[string]*models.Proposal)}
}

func (c *snapshotCache) get(address string) *models.Proposal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[address].Clone()
}

func (c *snapshotCache) put(p *models.Proposal) {
	if p == nil || p.Source != models.SourceLedger || p.Metadata.IsEmpty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[p.Address] = p.Clone()
}
