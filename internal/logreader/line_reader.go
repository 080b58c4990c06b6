package logreader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const readBufferSize = 64 * 1024

// lineReader splits a stream into lines, tracking byte offsets exactly
// (terminators included) so that positions can be resumed from
type lineReader struct {
	rc    io.ReadCloser
	br    *bufio.Reader
	pos   domain.Position
	final bool
	held  bool // Unterminated tail seen on a growing stream
}

// NewLineReader wraps a stream that is already positioned at from. When
// final is false the stream may still be written to, and a last line
// without a terminator is not returned.
func NewLineReader(rc io.ReadCloser, from domain.Position, final bool) LineReader {
	return &lineReader{
		rc:    rc,
		br:    bufio.NewReaderSize(rc, readBufferSize),
		pos:   from,
		final: final,
	}
}

// OpenLines opens src at from and returns a line reader over it
func OpenLines(ctx context.Context, src Source, from domain.Position) (LineReader, error) {
	rc, err := src.Open(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s: %w", src.ID(), err)
	}
	final := true
	if f, ok := src.(Finality); ok {
		final = f.Final()
	}
	return NewLineReader(rc, from, final), nil
}

func (r *lineReader) Read(ctx context.Context) (domain.RawLine, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawLine{}, err
	}
	if r.held {
		return domain.RawLine{}, io.EOF
	}

	data, err := r.br.ReadBytes('\n')
	if len(data) == 0 {
		if err == nil || err == io.EOF {
			return domain.RawLine{}, io.EOF
		}
		return domain.RawLine{}, fmt.Errorf("failed to read line: %w", err)
	}
	if err != nil && err != io.EOF {
		return domain.RawLine{}, fmt.Errorf("failed to read line: %w", err)
	}
	if err == io.EOF && !r.final {
		// The writer is mid-line; the position stays before the fragment
		r.held = true
		log.Debug().
			Int("bytes", len(data)).
			Int64("offset", r.pos.Offset).
			Msg("Holding back unterminated last line")
		return domain.RawLine{}, io.EOF
	}

	start := r.pos
	r.pos = domain.Position{
		Offset: r.pos.Offset + int64(len(data)),
		Line:   r.pos.Line + 1,
	}

	// Last line may come without a terminator
	text := bytes.TrimSuffix(data, []byte{'\n'})
	text = bytes.TrimSuffix(text, []byte{'\r'})

	return domain.RawLine{
		Text:  string(text),
		Start: start,
		End:   r.pos,
	}, nil
}

func (r *lineReader) Position() domain.Position {
	return r.pos
}

func (r *lineReader) Close() error {
	return r.rc.Close()
}
