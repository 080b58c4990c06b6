package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/SteelMorgan/weblog-etl/internal/checkpoint"
	"github.com/SteelMorgan/weblog-etl/internal/dedup"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/enrich"
	"github.com/SteelMorgan/weblog-etl/internal/loader"
	"github.com/SteelMorgan/weblog-etl/internal/logreader"
	"github.com/SteelMorgan/weblog-etl/internal/observability"
	"github.com/SteelMorgan/weblog-etl/internal/parser"
	"github.com/SteelMorgan/weblog-etl/internal/validate"
)

const tracerName = "weblog-etl/pipeline"

// Defaults
const (
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 5 * time.Second
	DefaultMaxInFlightBatches = 4
	DefaultDetectSampleSize   = 20

	// FormatAuto selects the parser by sampling the source
	FormatAuto = "auto"
)

// Options configures one pipeline run over one source
type Options struct {
	Source      logreader.Source
	Checkpoints checkpoint.Store
	Loader      *loader.Loader

	Registry         *parser.Registry // Default: parser.DefaultRegistry()
	Format           string           // Parser name, "" or "auto" to detect
	DetectSampleSize int              // Lines sampled for detection (default: 20)
	DetectThreshold  float64          // Minimum detection success rate (default: 0.9)

	Validators *validate.Chain // Default: validate.DefaultChain
	Enrichers  *enrich.Chain   // Default: no enrichment

	// Dedup window; shared across runs when set, otherwise one per run
	Dedup       *dedup.Window
	DedupConfig dedup.Config

	Workers            int           // Parse/validate/enrich goroutines (default: NumCPU)
	BatchSize          int           // Records per batch (default: 1000)
	FlushInterval      time.Duration // Maximum age of an open batch (default: 5s)
	MaxInFlightBatches int           // Batches queued for loading (default: 4)

	RunID string           // Default: random UUID
	Now   func() time.Time // Default: time.Now
}

// Orchestrator runs the read → parse → validate → enrich → dedup → batch →
// load → checkpoint flow for one source
type Orchestrator struct {
	opts Options
}

// New validates options and applies defaults
func New(opts Options) (*Orchestrator, error) {
	if opts.Source == nil {
		return nil, abort(ReasonConfigError, errors.New("source is required"))
	}
	if opts.Checkpoints == nil {
		return nil, abort(ReasonConfigError, errors.New("checkpoint store is required"))
	}
	if opts.Loader == nil {
		return nil, abort(ReasonConfigError, errors.New("loader is required"))
	}
	if opts.Registry == nil {
		opts.Registry = parser.DefaultRegistry()
	}
	if opts.Format != "" && opts.Format != FormatAuto {
		if _, ok := opts.Registry.Get(opts.Format); !ok {
			return nil, abort(ReasonConfigError, fmt.Errorf("unknown log format %q (available: %v)", opts.Format, opts.Registry.Names()))
		}
	}
	if opts.BatchSize < 0 || opts.Workers < 0 || opts.MaxInFlightBatches < 0 || opts.DetectSampleSize < 0 {
		return nil, abort(ReasonConfigError, errors.New("sizes must not be negative"))
	}
	if opts.DetectSampleSize == 0 {
		opts.DetectSampleSize = DefaultDetectSampleSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Validators == nil {
		opts.Validators = validate.DefaultChain(validate.Config{Now: opts.Now})
	}
	if opts.Enrichers == nil {
		opts.Enrichers, _ = enrich.NewChain()
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxInFlightBatches == 0 {
		opts.MaxInFlightBatches = DefaultMaxInFlightBatches
	}
	return &Orchestrator{opts: opts}, nil
}

// Run processes the source from its last checkpoint to end of stream.
// On success the result accounts for every line read in exactly one of the
// rejected, duplicate, loaded and failed buckets. Runs aborted before
// streaming return (nil, *AbortError). Runs aborted while streaming return
// the partial result with status aborted alongside the *AbortError.
// Progress committed before the abort is kept either way.
func (o *Orchestrator) Run(ctx context.Context) (result *domain.ProcessingResult, err error) {
	src := o.opts.Source
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "pipeline.Run",
		attribute.String("run.id", runID),
		attribute.String("source.id", src.ID()),
	)
	defer func() { observability.EndSpan(span, err, "pipeline run") }()

	r := &run{
		o:       o,
		started: o.opts.Now(),
		result: &domain.ProcessingResult{
			RunID:      runID,
			SourceID:   src.ID(),
			Rejections: make(map[string]int64),
		},
		checkpoints: checkpoint.NewManager(o.opts.Checkpoints, src.ID(), o.opts.Now),
		window:      o.opts.Dedup,
	}
	r.result.StartedAt = r.started.UTC()
	if r.window == nil {
		cfg := o.opts.DedupConfig
		if cfg.Now == nil {
			cfg.Now = o.opts.Now
		}
		r.window = dedup.NewWindow(cfg)
	}

	if err := ctx.Err(); err != nil {
		return nil, abort(ReasonCancelled, err)
	}

	cp, err := r.checkpoints.Load(ctx)
	if err != nil {
		return nil, abort(ReasonSourceError, err)
	}
	var from domain.Position
	if cp != nil {
		from = cp.Position
	}

	reader, err := logreader.OpenLines(ctx, src, from)
	if errors.Is(err, logreader.ErrTruncated) {
		log.Warn().
			Err(err).
			Str("source", src.ID()).
			Int64("checkpoint_offset", from.Offset).
			Msg("Source shrank below checkpoint, starting from beginning")
		if err := r.checkpoints.Rewind(); err != nil {
			return nil, abort(ReasonSourceError, err)
		}
		from = domain.Position{}
		reader, err = logreader.OpenLines(ctx, src, from)
	}
	if err != nil {
		return nil, abort(ReasonSourceError, err)
	}
	defer reader.Close()

	sample, err := r.readSample(ctx, reader)
	if err != nil {
		return nil, abort(ReasonSourceError, err)
	}

	p, err := r.selectParser(sample)
	if err != nil {
		return nil, abort(ReasonDetectionFailed, err)
	}
	r.parser = p
	r.result.Format = p.Name
	span.SetAttributes(attribute.String("format", p.Name))

	log.Info().
		Str("run_id", runID).
		Str("source", src.ID()).
		Str("format", p.Name).
		Int64("from_offset", from.Offset).
		Int64("from_line", from.Line).
		Msg("Pipeline started")

	streamErr := r.stream(ctx, reader, sample, from)

	r.result.Elapsed = o.opts.Now().Sub(r.started)

	switch {
	case streamErr != nil:
		if errors.Is(streamErr, checkpoint.ErrWriteFailure) {
			return r.aborted(abort(ReasonCheckpointFailed, streamErr))
		}
		return r.aborted(abort(ReasonSourceError, streamErr))
	case r.readErr != nil:
		return r.aborted(abort(ReasonSourceError, r.readErr))
	case r.cancelled || ctx.Err() != nil:
		log.Warn().
			Str("run_id", runID).
			Str("source", src.ID()).
			Int64("read", r.result.Read).
			Int64("loaded", r.result.Loaded).
			Msg("Pipeline cancelled after draining in-flight records")
		return r.aborted(abort(ReasonCancelled, context.Cause(ctx)))
	}

	r.result.Status = domain.RunCompleted
	log.Info().
		Object("result", r.result).
		Msg("Pipeline completed")
	return r.result, nil
}

// run holds the state of one Run call
type run struct {
	o           *Orchestrator
	started     time.Time
	result      *domain.ProcessingResult
	checkpoints *checkpoint.Manager
	window      *dedup.Window
	parser      *parser.Parser

	// Written by the reader goroutine, read after it exits
	cancelled bool
	readErr   error
}

// aborted stops further commits and returns the counters gathered so far
func (r *run) aborted(err *AbortError) (*domain.ProcessingResult, error) {
	r.checkpoints.Suspend()
	r.result.Status = domain.RunAborted
	log.Warn().
		Err(err).
		Object("result", r.result).
		Msg("Pipeline aborted")
	return r.result, err
}

// readSample reads lines until it has DetectSampleSize non-blank ones or the
// stream ends. Cancellation is not an error here: the lines already read are
// still processed.
func (r *run) readSample(ctx context.Context, reader logreader.LineReader) ([]domain.RawLine, error) {
	var (
		sample  []domain.RawLine
		content int
	)
	for content < r.o.opts.DetectSampleSize {
		line, err := reader.Read(ctx)
		if err == io.EOF {
			break
		}
		if ctx.Err() != nil {
			r.cancelled = true
			break
		}
		if err != nil {
			return nil, err
		}
		sample = append(sample, line)
		if strings.TrimSpace(line.Text) != "" {
			content++
		}
	}
	return sample, nil
}

// blankOnly is used when nothing but blank lines remain in the source:
// every line fails with empty_line
var blankOnly = &parser.Parser{
	Name:  "none",
	Sniff: func(string) bool { return false },
	Parse: func(string) (domain.LogEntry, error) {
		return domain.LogEntry{}, &parser.ParseError{Reason: parser.ReasonEmptyLine}
	},
}

func (r *run) selectParser(sample []domain.RawLine) (*parser.Parser, error) {
	opts := r.o.opts
	if opts.Format != "" && opts.Format != FormatAuto {
		p, _ := opts.Registry.Get(opts.Format)
		return p, nil
	}

	texts := make([]string, 0, len(sample))
	for _, l := range sample {
		if strings.TrimSpace(l.Text) != "" {
			texts = append(texts, l.Text)
		}
	}
	if len(texts) == 0 {
		return blankOnly, nil
	}

	p, _, err := parser.NewDetector(opts.Registry, opts.DetectThreshold).Detect(texts)
	return p, err
}

type outcomeKind int

const (
	outcomeParseFailed outcomeKind = iota
	outcomeRejected
	outcomeAccepted
)

// outcome is the result of processing one line in the worker pool
type outcome struct {
	line    domain.RawLine
	kind    outcomeKind
	reason  string
	entry   domain.EnrichedLogEntry
	partial bool
}

type job struct {
	line   domain.RawLine
	result chan<- outcome
}

// stream runs the concurrent stages. The parent ctx only stops intake;
// downstream stages run on a detached context so everything read is
// processed, loaded and committed before returning.
func (r *run) stream(ctx context.Context, reader logreader.LineReader, sample []domain.RawLine, from domain.Position) error {
	opts := r.o.opts
	drainCtx := context.WithoutCancel(ctx)
	group, groupCtx := errgroup.WithContext(drainCtx)

	jobs := make(chan job, opts.Workers)
	ordered := make(chan chan outcome, opts.Workers*4)
	batches := make(chan *domain.Batch, opts.MaxInFlightBatches)

	group.Go(func() error {
		return r.runRead(ctx, groupCtx, reader, sample, jobs, ordered)
	})

	var workers errgroup.Group
	for i := 0; i < opts.Workers; i++ {
		workers.Go(func() error {
			for j := range jobs {
				j.result <- r.process(groupCtx, j.line)
			}
			return nil
		})
	}
	group.Go(workers.Wait)

	group.Go(func() error {
		return r.runSerial(groupCtx, ordered, batches, from)
	})

	group.Go(func() error {
		return r.runLoad(drainCtx, batches)
	})

	return group.Wait()
}

// runRead feeds lines to the workers and their result slots to the serial
// stage, in read order. Bounded channels make it block when downstream lags.
func (r *run) runRead(ctx, groupCtx context.Context, reader logreader.LineReader, sample []domain.RawLine,
	jobs chan<- job, ordered chan<- chan outcome) error {
	defer close(ordered)
	defer close(jobs)

	submit := func(line domain.RawLine) error {
		r.result.Read++
		res := make(chan outcome, 1)
		select {
		case jobs <- job{line: line, result: res}:
		case <-groupCtx.Done():
			return groupCtx.Err()
		}
		select {
		case ordered <- res:
		case <-groupCtx.Done():
			return groupCtx.Err()
		}
		return nil
	}

	for _, line := range sample {
		if err := submit(line); err != nil {
			return err
		}
	}
	if r.cancelled {
		return nil
	}

	for {
		line, err := reader.Read(ctx)
		if err == io.EOF {
			return nil
		}
		if ctx.Err() != nil {
			r.cancelled = true
			return nil
		}
		if err != nil {
			// Stop intake and let downstream drain what was read
			r.readErr = err
			return nil
		}
		if err := submit(line); err != nil {
			return err
		}
	}
}

func (r *run) process(ctx context.Context, line domain.RawLine) outcome {
	entry, err := r.parser.ParseLine(line.Text)
	if err != nil {
		reason := parser.ReasonPatternMismatch
		var pe *parser.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		return outcome{line: line, kind: outcomeParseFailed, reason: reason}
	}

	if v := r.o.opts.Validators.Validate(&entry); !v.Accepted {
		return outcome{line: line, kind: outcomeRejected, reason: v.Reason}
	}

	enriched, partial := r.o.opts.Enrichers.Enrich(ctx, entry)
	enriched.Fingerprint = domain.FingerprintOf(&enriched.Entry)
	enriched.Line = line.Number()
	return outcome{line: line, kind: outcomeAccepted, entry: enriched, partial: partial}
}

// runSerial owns the dedup window and the accumulator
func (r *run) runSerial(ctx context.Context, ordered <-chan chan outcome, batches chan<- *domain.Batch, from domain.Position) error {
	defer close(batches)

	opts := r.o.opts
	acc := newAccumulator(opts.Source.ID(), opts.BatchSize, from)
	ticker := time.NewTicker(tickInterval(opts.FlushInterval))
	defer ticker.Stop()

	emit := func() error {
		b := acc.take()
		r.result.Batches++
		select {
		case batches <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case slot, ok := <-ordered:
			if !ok {
				if acc.pending() {
					return emit()
				}
				return nil
			}

			var out outcome
			select {
			case out = <-slot:
			case <-ctx.Done():
				return ctx.Err()
			}

			acc.add(out.line, r.classify(&out), time.Now())
			if acc.full() {
				if err := emit(); err != nil {
					return err
				}
			}

		case now := <-ticker.C:
			if acc.due(now, opts.FlushInterval) {
				if err := emit(); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify updates counters and returns the entry to batch, or nil
func (r *run) classify(out *outcome) *domain.EnrichedLogEntry {
	res := r.result
	switch out.kind {
	case outcomeParseFailed:
		res.ParseFailures++
		res.Rejected++
		res.Rejections[out.reason]++
		return nil
	case outcomeRejected:
		res.Parsed++
		res.Rejected++
		res.Rejections[out.reason]++
		return nil
	}

	res.Parsed++
	if r.window.IsDuplicate(out.entry.Fingerprint) {
		res.Duplicate++
		return nil
	}
	if out.partial {
		res.EnrichedPartial++
	}
	return &out.entry
}

// runLoad loads batches one at a time and commits each batch's end position
// after its load completes, so commits happen in order
func (r *run) runLoad(ctx context.Context, batches <-chan *domain.Batch) error {
	for b := range batches {
		res := r.o.opts.Loader.Load(ctx, b)
		r.result.Loaded += int64(res.Loaded)
		if res.Err != nil {
			r.result.Failed += int64(b.Len())
			if res.DeadLettered {
				r.result.DeadLettered++
			}
		}

		if err := r.checkpoints.Commit(ctx, b.To); err != nil {
			return fmt.Errorf("commit batch %s: %w", b.ID, err)
		}
	}
	return nil
}

func tickInterval(flush time.Duration) time.Duration {
	tick := flush / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	return tick
}
