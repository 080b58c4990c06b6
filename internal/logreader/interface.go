package logreader

import (
	"context"
	"errors"
	"io"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// Source is an ordered byte stream that can be reopened at a position.
// Transports (local files, object storage, message queues) adapt to this.
type Source interface {
	// ID identifies the source for checkpointing
	ID() string

	// Open returns a stream positioned at from
	Open(ctx context.Context, from domain.Position) (io.ReadCloser, error)
}

// ErrTruncated is returned by Open when the resume position lies past the
// end of the stream, e.g. after copytruncate rotation
var ErrTruncated = errors.New("source shorter than resume position")

// Finality is implemented by sources that can tell whether they may still
// grow. An unterminated last line of a growing source is held back until
// its terminator is written. Sources without it are treated as final.
type Finality interface {
	Final() bool
}

// LineReader reads raw lines from an opened source
type LineReader interface {
	// Read reads the next line
	// Returns io.EOF when no more lines are available
	Read(ctx context.Context) (domain.RawLine, error)

	// Position returns the position after the last line read
	Position() domain.Position

	// Close closes the reader and releases resources
	Close() error
}
