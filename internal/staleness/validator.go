package staleness

import "time"

// Validator decides whether the indexer's copy of an entity can be trusted
// given the local checkpoint recorded when the client last wrote it.
type Validator struct {
	// Tolerance is how far past the checkpoint the indexer's update time
	// must be before its copy is considered fresh.
	Tolerance time.Duration
}

// NewValidator creates a validator with the given tolerance
func NewValidator(tolerance time.Duration) Validator {
	if tolerance < 0 {
		tolerance = 0
	}
	return Validator{Tolerance: tolerance}
}

// IsStale reports whether the indexer state is provably behind the local
// checkpoint. Without a checkpoint the indexer is always trusted.
func (v Validator) IsStale(serverUpdateMillis int64, checkpoint *int64) bool {
	if checkpoint == nil {
		return false
	}
	return serverUpdateMillis-*checkpoint <= v.Tolerance.Milliseconds()
}

// IsStaleUnknown is the decision when the indexer's update time could not
// be read: freshness cannot be proven for an entity with a checkpoint.
func (v Validator) IsStaleUnknown(checkpoint *int64) bool {
	return checkpoint != nil
}
