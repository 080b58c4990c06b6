package logreader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

var gzipMagic = []byte{0x1f, 0x8b}

// access.log.1, access.log-20260110, access.log.gz
var rotatedName = regexp.MustCompile(`\.log[.-]\d+|\.(gz|bz2|zip)$`)

// FileSource reads a local access log, plain or gzip-compressed.
// Offsets of compressed files refer to the decompressed stream.
type FileSource struct {
	path string
	id   string
}

// NewFileSource creates a file source identified by its absolute path
func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return &FileSource{path: abs, id: "file:" + abs}, nil
}

func (s *FileSource) ID() string {
	return s.id
}

// Final reports whether the file is no longer written to: compressed or
// rotated files are, the live log is not
func (s *FileSource) Final() bool {
	return rotatedName.MatchString(strings.ToLower(filepath.Base(s.path)))
}

// Path returns the file path
func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Open(ctx context.Context, from domain.Position) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}

	compressed, err := isGzip(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	if !compressed {
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if from.Offset > stat.Size() {
			f.Close()
			return nil, fmt.Errorf("%w: offset %d, file size %d", ErrTruncated, from.Offset, stat.Size())
		}
		if _, err := f.Seek(from.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to offset %d: %w", from.Offset, err)
		}
		return f, nil
	}

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	if from.Offset > 0 {
		log.Debug().
			Str("file", s.path).
			Int64("offset", from.Offset).
			Msg("Skipping decompressed bytes to resume position")
		if _, err := io.CopyN(io.Discard, zr, from.Offset); err != nil {
			zr.Close()
			f.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("%w: offset %d past decompressed size", ErrTruncated, from.Offset)
			}
			return nil, fmt.Errorf("failed to skip to offset %d: %w", from.Offset, err)
		}
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

// isGzip sniffs the magic bytes and rewinds the file
func isGzip(f *os.File) (bool, error) {
	if strings.HasSuffix(strings.ToLower(f.Name()), ".gz") {
		return true, nil
	}
	head := make([]byte, 2)
	n, err := io.ReadFull(f, head)
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return false, fmt.Errorf("failed to rewind file: %w", serr)
	}
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("failed to read file header: %w", err)
	}
	return n == 2 && bytes.Equal(head, gzipMagic), nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

// BytesSource serves an in-memory stream
type BytesSource struct {
	id   string
	data []byte
}

// NewBytesSource creates an in-memory source
func NewBytesSource(id string, data []byte) *BytesSource {
	return &BytesSource{id: id, data: data}
}

func (s *BytesSource) ID() string {
	return s.id
}

func (s *BytesSource) Open(ctx context.Context, from domain.Position) (io.ReadCloser, error) {
	if from.Offset < 0 {
		return nil, fmt.Errorf("negative offset %d", from.Offset)
	}
	if from.Offset > int64(len(s.data)) {
		return nil, fmt.Errorf("%w: offset %d, size %d", ErrTruncated, from.Offset, len(s.data))
	}
	return io.NopCloser(bytes.NewReader(s.data[from.Offset:])), nil
}
