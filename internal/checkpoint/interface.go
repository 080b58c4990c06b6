package checkpoint

import (
	"context"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// Store persists one checkpoint per source.
// Implementations: BoltDB (primary), in-memory (tests)
type Store interface {
	// Get retrieves the checkpoint of a source
	// Returns nil if no checkpoint is stored
	Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error)

	// Set durably stores a checkpoint, overwriting the previous one
	Set(ctx context.Context, cp domain.Checkpoint) error

	// Delete removes the checkpoint of a source
	Delete(ctx context.Context, sourceID string) error

	// List returns all stored checkpoints ordered by source ID
	List(ctx context.Context) ([]domain.Checkpoint, error)

	// Close closes the store
	Close() error
}
