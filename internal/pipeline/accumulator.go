package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// accumulator groups consumed lines into batches. Every consumed line moves
// the batch end position, whether or not it produced a record.
type accumulator struct {
	sourceID string
	size     int

	from    domain.Position
	to      domain.Position
	entries []domain.EnrichedLogEntry
	lines   int
	opened  time.Time
}

func newAccumulator(sourceID string, size int, from domain.Position) *accumulator {
	return &accumulator{
		sourceID: sourceID,
		size:     size,
		from:     from,
		to:       from,
		entries:  make([]domain.EnrichedLogEntry, 0, size),
	}
}

// add consumes a line; entry is nil for rejected and duplicate lines
func (a *accumulator) add(line domain.RawLine, entry *domain.EnrichedLogEntry, now time.Time) {
	if a.lines == 0 {
		a.opened = now
	}
	a.lines++
	a.to = line.End
	if entry != nil {
		a.entries = append(a.entries, *entry)
	}
}

func (a *accumulator) full() bool {
	return len(a.entries) >= a.size
}

func (a *accumulator) pending() bool {
	return a.lines > 0
}

// due reports whether the open batch has waited at least interval
func (a *accumulator) due(now time.Time, interval time.Duration) bool {
	return a.lines > 0 && now.Sub(a.opened) >= interval
}

// take closes the open batch and starts the next one where it ended
func (a *accumulator) take() *domain.Batch {
	b := &domain.Batch{
		ID:       uuid.NewString(),
		SourceID: a.sourceID,
		Entries:  a.entries,
		From:     a.from,
		To:       a.to,
	}
	a.from = a.to
	a.entries = make([]domain.EnrichedLogEntry, 0, a.size)
	a.lines = 0
	return b
}
