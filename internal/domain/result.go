package domain

import (
	"time"

	"github.com/rs/zerolog"
)

// RunStatus is the terminal state of a pipeline run
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// ProcessingResult summarizes one pipeline run over one source.
// Every read line is counted in exactly one of Rejected, Duplicate, Loaded or Failed.
type ProcessingResult struct {
	RunID    string
	SourceID string
	Format   string
	Status   RunStatus

	Read            int64
	Parsed          int64
	ParseFailures   int64 // Subset of Rejected
	Rejected        int64
	Duplicate       int64
	EnrichedPartial int64
	Loaded          int64
	Failed          int64

	Batches      int64
	DeadLettered int64 // Batches routed to the dead-letter store

	// Rejections by reason code (parse failure reasons included)
	Rejections map[string]int64

	StartedAt time.Time
	Elapsed   time.Duration
}

// Terminal returns the sum of all terminal buckets
func (r *ProcessingResult) Terminal() int64 {
	return r.Rejected + r.Duplicate + r.Loaded + r.Failed
}

// RecordsPerSecond returns the read throughput of the run
func (r *ProcessingResult) RecordsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Read) / r.Elapsed.Seconds()
}

// SuccessRate returns the share of read lines that were loaded
func (r *ProcessingResult) SuccessRate() float64 {
	if r.Read == 0 {
		return 0
	}
	return float64(r.Loaded) / float64(r.Read)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler
func (r *ProcessingResult) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", r.RunID).
		Str("source", r.SourceID).
		Str("format", r.Format).
		Str("status", string(r.Status)).
		Int64("read", r.Read).
		Int64("parsed", r.Parsed).
		Int64("parse_failures", r.ParseFailures).
		Int64("rejected", r.Rejected).
		Int64("duplicate", r.Duplicate).
		Int64("enriched_partial", r.EnrichedPartial).
		Int64("loaded", r.Loaded).
		Int64("failed", r.Failed).
		Int64("batches", r.Batches).
		Int64("dead_lettered", r.DeadLettered).
		Dur("elapsed", r.Elapsed)
}
