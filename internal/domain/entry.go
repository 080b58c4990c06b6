package domain

import "time"

// Position marks a resumable point in a source stream
type Position struct {
	Offset int64 // Byte offset from the beginning of the stream
	Line   int64 // Number of lines consumed before this point
}

// Before reports whether p precedes other in the stream
func (p Position) Before(other Position) bool {
	return p.Offset < other.Offset
}

// RawLine is a single line read from a source
type RawLine struct {
	Text  string   // Line content without the trailing line terminator
	Start Position // Position of the first byte of the line
	End   Position // Position right after the line terminator
}

// Number returns the 1-based line number
func (l RawLine) Number() int64 {
	return l.End.Line
}

// LogEntry represents a single parsed access log record
type LogEntry struct {
	ClientIP   string
	RemoteUser string // "-" when absent
	Timestamp  time.Time
	Method     string
	Path       string
	Protocol   string
	Status     int
	Bytes      int64
	Referrer   string // Optional
	UserAgent  string // Optional

	// Format-specific fields (nginx request_time, upstream_time, JSON leftovers)
	Extra map[string]string
}

// Fragment holds the output of a single enricher
type Fragment map[string]string

// EnrichedLogEntry is a LogEntry plus the results of every enricher that ran on it
type EnrichedLogEntry struct {
	Entry       LogEntry
	Fingerprint Fingerprint
	Line        int64

	// Enrichment results keyed by enricher name
	Enrichment map[string]Fragment

	// Names of enrichers that failed for this record
	FailedEnrichers []string
}

// Partial reports whether at least one enricher failed
func (e *EnrichedLogEntry) Partial() bool {
	return len(e.FailedEnrichers) > 0
}
