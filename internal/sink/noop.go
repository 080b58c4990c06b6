package sink

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const NoopName = "noop"

// Noop discards batches. Used for dry runs.
type Noop struct {
	records atomic.Int64
}

// NewNoop creates a discarding sink
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Name() string { return NoopName }

func (n *Noop) Write(_ context.Context, batch *domain.Batch) error {
	total := n.records.Add(int64(batch.Len()))
	log.Debug().
		Str("batch_id", batch.ID).
		Int("records", batch.Len()).
		Int64("total", total).
		Msg("Batch discarded")
	return nil
}

// Records returns the number of records written so far
func (n *Noop) Records() int64 {
	return n.records.Load()
}

func (n *Noop) Close() error { return nil }
