package domain

import "errors"

// ErrUnknownFormat is returned when no registered parser recognizes the source.
// It aborts the run before any record is processed.
var ErrUnknownFormat = errors.New("unknown log format")
