package types

import "github.com/google/uuid"

// NewID returns a prefixed unique identifier, e.g. "orch-1b4e28ba...".
// Prefixes keep mixed-entity logs and stores readable.
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// ID prefixes used across the core.
const (
	IDPrefixOrchestration = "orch"
	IDPrefixStage         = "stage"
	IDPrefixReservation   = "rsv"
	IDPrefixEdge          = "edge"
	IDPrefixAlert         = "alert"
	IDPrefixBatch         = "batch"
)
