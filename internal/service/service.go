package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/breaker"
	"github.com/SteelMorgan/weblog-etl/internal/clickhouse"
	"github.com/SteelMorgan/weblog-etl/internal/config"
	"github.com/SteelMorgan/weblog-etl/internal/dedup"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/enrich"
	"github.com/SteelMorgan/weblog-etl/internal/loader"
	"github.com/SteelMorgan/weblog-etl/internal/logreader"
	"github.com/SteelMorgan/weblog-etl/internal/parser"
	"github.com/SteelMorgan/weblog-etl/internal/pipeline"
	"github.com/SteelMorgan/weblog-etl/internal/sink"
	"github.com/SteelMorgan/weblog-etl/internal/validate"
)

// lookupCacheSize bounds the per-process cache in front of Redis
const lookupCacheSize = 50000

// ETLService runs the pipeline over every configured source
type ETLService struct {
	cfg *config.Config

	state      *State
	sink       sink.Sink
	loader     *loader.Loader
	registry   *parser.Registry
	validators *validate.Chain
	enrichers  *enrich.Chain
	window     *dedup.Window

	reporter *clickhouse.RunReporter
	closers  []func() error
}

// Summary aggregates the results of one pass over all sources
type Summary struct {
	Results []*domain.ProcessingResult
	Aborted map[string]error // Source ID -> abort error
	Elapsed time.Duration
}

// Total sums the counters of all completed runs
func (s *Summary) Total() domain.ProcessingResult {
	total := domain.ProcessingResult{Rejections: make(map[string]int64)}
	for _, r := range s.Results {
		total.Read += r.Read
		total.Parsed += r.Parsed
		total.ParseFailures += r.ParseFailures
		total.Rejected += r.Rejected
		total.Duplicate += r.Duplicate
		total.EnrichedPartial += r.EnrichedPartial
		total.Loaded += r.Loaded
		total.Failed += r.Failed
		total.Batches += r.Batches
		total.DeadLettered += r.DeadLettered
		for reason, n := range r.Rejections {
			total.Rejections[reason] += n
		}
	}
	total.Elapsed = s.Elapsed
	return total
}

// NewETLService opens the state database, the sink and the enrichment
// lookups described by cfg
func NewETLService(ctx context.Context, cfg *config.Config) (*ETLService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &ETLService{
		cfg:      cfg,
		registry: parser.DefaultRegistry(),
		validators: validate.DefaultChain(validate.Config{
			ClockSkew: cfg.ClockSkew,
			Retention: cfg.Retention,
		}),
		window: dedup.NewWindow(dedup.Config{
			Horizon:    cfg.DedupWindow,
			MaxEntries: cfg.DedupMaxEntries,
		}),
	}

	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ETLService) open(ctx context.Context) error {
	cfg := s.cfg

	state, err := OpenState(cfg.StateDBPath)
	if err != nil {
		return err
	}
	s.state = state
	s.closers = append(s.closers, state.Close)

	sinkName := cfg.Sink
	if cfg.ReadOnly {
		sinkName = sink.NoopName
		log.Warn().Msg("READ-ONLY MODE: records are processed but not written to any sink")
	}
	out, err := sink.New(ctx, sinkName, sink.Options{
		ClickHouse: cfg.ClickHouseConfig(),
		MySQLDSN:   cfg.MySQLDSN,
		Retry:      cfg.RetryConfig(),
	})
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	s.sink = out
	s.closers = append(s.closers, out.Close)

	s.loader = loader.New(out,
		breaker.New(out.Name(), cfg.BreakerConfig(), nil),
		state.DeadLetters,
		loader.Config{Retry: cfg.RetryConfig(), SinkTimeout: cfg.SinkTimeout},
	)

	enrichers, err := s.buildEnrichers()
	if err != nil {
		return err
	}
	s.enrichers = enrichers

	if cfg.ReportRuns {
		client, err := clickhouse.NewClientWithRetry(ctx, cfg.ClickHouseConfig(), cfg.RetryConfig())
		if err != nil {
			return fmt.Errorf("failed to connect run reporter: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		if err := clickhouse.EnsureSchema(ctx, client); err != nil {
			return err
		}
		s.reporter = clickhouse.NewRunReporter(client)
	}

	return nil
}

func (s *ETLService) buildEnrichers() (*enrich.Chain, error) {
	cfg := s.cfg
	enrichers := []enrich.Enricher{enrich.NewUserAgent(), enrich.NewRoute()}

	if cfg.GeoIPFile != "" {
		geo, err := enrich.LoadStaticLookup(cfg.GeoIPFile)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.GeoIPFile).Int("entries", geo.Len()).Msg("Geo lookup table loaded")
		enrichers = append(enrichers, enrich.NewGeo(geo))
	}

	switch {
	case cfg.RedisAddr != "":
		pool := enrich.NewRedisPool(cfg.RedisAddr)
		s.closers = append(s.closers, pool.Close)
		lookup := enrich.NewCachedLookup(enrich.NewRedisLookup(pool, cfg.RedisThreatPrefix), lookupCacheSize)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Threat lookup backed by Redis")
		enrichers = append(enrichers, enrich.NewThreat(lookup, 0))
	case cfg.ThreatFile != "":
		threats, err := enrich.LoadStaticLookup(cfg.ThreatFile)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.ThreatFile).Int("entries", threats.Len()).Msg("Threat lookup table loaded")
		enrichers = append(enrichers, enrich.NewThreat(threats, 0))
	}

	return enrich.NewChain(enrichers...)
}

// RunOnce processes every source found under the configured paths, oldest
// file first. A source that cannot be detected or read is skipped and listed
// in Summary.Aborted. A checkpoint failure or cancellation stops the pass.
func (s *ETLService) RunOnce(ctx context.Context) (*Summary, error) {
	started := time.Now()
	summary := &Summary{Aborted: make(map[string]error)}

	locations, err := logreader.ScanForLogs(s.cfg.SourcePaths, s.cfg.SourcePatterns)
	if err != nil {
		return nil, err
	}

	for _, loc := range locations {
		src, err := logreader.NewFileSource(loc.Path)
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("file", loc.Path).
			Str("size", humanize.Bytes(uint64(loc.Size))).
			Msg("Processing log file")

		result, err := s.runSource(ctx, src)
		if result != nil {
			summary.Results = append(summary.Results, result)
		}
		if err != nil {
			summary.Aborted[src.ID()] = err
			if skippable(err) {
				log.Error().Err(err).Str("file", loc.Path).Msg("Skipping file")
				continue
			}
			summary.Elapsed = time.Since(started)
			return summary, err
		}
	}

	summary.Elapsed = time.Since(started)
	logSummary(summary)
	return summary, nil
}

func (s *ETLService) runSource(ctx context.Context, src logreader.Source) (*domain.ProcessingResult, error) {
	cfg := s.cfg
	orch, err := pipeline.New(pipeline.Options{
		Source:             src,
		Checkpoints:        s.state.Checkpoints,
		Loader:             s.loader,
		Registry:           s.registry,
		Format:             cfg.LogFormat,
		DetectSampleSize:   cfg.DetectSampleSize,
		DetectThreshold:    cfg.DetectThreshold,
		Validators:         s.validators,
		Enrichers:          s.enrichers,
		Dedup:              s.window,
		Workers:            cfg.Workers,
		BatchSize:          cfg.BatchSize,
		FlushInterval:      cfg.BatchFlushInterval,
		MaxInFlightBatches: cfg.MaxInflightBatches,
	})
	if err != nil {
		return nil, err
	}

	// Aborted runs may still carry partial counters worth recording
	result, err := orch.Run(ctx)
	if result != nil && s.reporter != nil {
		if err := s.reporter.WriteRun(context.WithoutCancel(ctx), result); err != nil {
			log.Warn().Err(err).Str("run_id", result.RunID).Msg("Failed to record run summary")
		}
	}
	return result, err
}

// skippable reports whether an aborted source leaves the rest of the pass
// unaffected
func skippable(err error) bool {
	var abortErr *pipeline.AbortError
	if !errors.As(err, &abortErr) {
		return false
	}
	switch abortErr.Reason {
	case pipeline.ReasonDetectionFailed, pipeline.ReasonSourceError:
		return true
	}
	return false
}

// Watch repeats RunOnce every interval until ctx is cancelled, picking up
// lines appended to the sources since the previous pass
func (s *ETLService) Watch(ctx context.Context, interval time.Duration) error {
	log.Info().
		Dur("interval", interval).
		Strs("paths", s.cfg.SourcePaths).
		Msg("Starting watch mode")

	pass := func() error {
		_, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			// Interrupted pass; progress up to the abort is committed
			return nil
		}
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	if err := pass(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch mode stopped")
			return nil
		case <-ticker.C:
			if err := pass(); err != nil {
				return err
			}
		}
	}
}

// Close releases the sink, lookups and the state database
func (s *ETLService) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func logSummary(summary *Summary) {
	total := summary.Total()
	var rate float64
	if summary.Elapsed > 0 {
		rate = float64(total.Read) / summary.Elapsed.Seconds()
	}

	log.Info().
		Int("files", len(summary.Results)).
		Int("aborted", len(summary.Aborted)).
		Str("read", humanize.Comma(total.Read)).
		Str("loaded", humanize.Comma(total.Loaded)).
		Str("rejected", humanize.Comma(total.Rejected)).
		Str("duplicate", humanize.Comma(total.Duplicate)).
		Str("failed", humanize.Comma(total.Failed)).
		Str("rate", humanize.CommafWithDigits(rate, 1)+" lines/s").
		Str("success_rate", fmt.Sprintf("%.1f%%", total.SuccessRate()*100)).
		Dur("elapsed", summary.Elapsed).
		Msg("Processing pass complete")
}
