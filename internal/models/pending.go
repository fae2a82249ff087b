package models

import "time"

// EntityKind distinguishes organizations from proposals.
type EntityKind string

const (
	KindOrganization EntityKind = "organization"
	KindProposal     EntityKind = "proposal"
)

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	return k == KindOrganization || k == KindProposal
}

// PendingEntry is an entity this client created that the indexer has not
// reported yet. Parent is empty for organizations and holds the owning
// organization address for proposals.
type PendingEntry struct {
	Kind      EntityKind `json:"kind" db:"kind"`
	Parent    string     `json:"parent,omitempty" db:"parent"`
	Address   string     `json:"address" db:"address"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// CheckpointKind selects which sync checkpoint is meant.
type CheckpointKind string

const (
	// CheckpointUpdateMillis is the local wall-clock time (ms) of the last
	// write that the indexer may not reflect yet.
	CheckpointUpdateMillis CheckpointKind = "update_millis"
	// CheckpointLogicalTime is the ledger logical time observed after a
	// local transaction.
	CheckpointLogicalTime CheckpointKind = "logical_time"
)

// Valid reports whether k is a known checkpoint kind.
func (k CheckpointKind) Valid() bool {
	return k == CheckpointUpdateMillis || k == CheckpointLogicalTime
}

// Checkpoint is a monotonic per-entity sync marker.
type Checkpoint struct {
	Kind      CheckpointKind `json:"kind" db:"kind"`
	Address   string         `json:"address" db:"address"`
	Value     uint64         `json:"value" db:"value"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}
