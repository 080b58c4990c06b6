package domain

import "time"

// Checkpoint is the last durably committed position of a source
type Checkpoint struct {
	SourceID    string
	Position    Position
	CommittedAt time.Time // UTC
}
