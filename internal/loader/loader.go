package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/weblog-etl/internal/breaker"
	"github.com/SteelMorgan/weblog-etl/internal/deadletter"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/observability"
	"github.com/SteelMorgan/weblog-etl/internal/retry"
	"github.com/SteelMorgan/weblog-etl/internal/sink"
)

const tracerName = "weblog-etl/loader"

// ErrPersistent marks a batch that could not be loaded after retries
var ErrPersistent = errors.New("batch load failed")

// DefaultSinkTimeout bounds a single sink call
const DefaultSinkTimeout = 10 * time.Second

// Config holds loader configuration
type Config struct {
	Retry       retry.Config
	SinkTimeout time.Duration // Per-call timeout (default: 10s)
}

// Result is the outcome of loading one batch
type Result struct {
	Loaded       int  // Records durably written; 0 or the batch size
	Attempts     int  // Sink calls attempted, including ones refused by the breaker
	DeadLettered bool // Batch stored in the dead-letter store
	Err          error
}

// Loader delivers batches to a sink with retry, a circuit breaker and a
// dead-letter fallback
type Loader struct {
	sink        sink.Sink
	breaker     *breaker.Breaker
	deadLetters deadletter.Store
	cfg         Config
	now         func() time.Time
}

// New creates a loader. deadLetters may be nil, failed batches are then only logged.
func New(s sink.Sink, br *breaker.Breaker, deadLetters deadletter.Store, cfg Config) *Loader {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	if br == nil {
		br = breaker.New(s.Name(), breaker.DefaultConfig(), nil)
	}
	return &Loader{
		sink:        s,
		breaker:     br,
		deadLetters: deadLetters,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Load writes the batch. An error never stops the caller: failed batches are
// dead-lettered and reported in Result.Err.
func (l *Loader) Load(ctx context.Context, batch *domain.Batch) Result {
	if batch.Len() == 0 {
		return Result{}
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "loader.Load",
		attribute.String("batch.id", batch.ID),
		attribute.String("source.id", batch.SourceID),
		attribute.Int("batch.size", batch.Len()),
		attribute.String("sink", l.sink.Name()),
	)

	attempts := 0
	err := retry.Do(ctx, l.cfg.Retry, func() error {
		attempts++
		if err := l.breaker.Allow(); err != nil {
			return retry.Permanent(err)
		}
		err := l.write(ctx, batch)
		l.breaker.Record(err == nil)
		return err
	})

	if err == nil {
		span.SetAttributes(attribute.Int("attempts", attempts))
		observability.EndSpan(span, nil, "batch loaded")
		return Result{Loaded: batch.Len(), Attempts: attempts}
	}

	result := Result{
		Attempts: attempts,
		Err:      fmt.Errorf("%w: batch %s: %w", ErrPersistent, batch.ID, err),
	}
	result.DeadLettered = l.deadLetter(ctx, batch, attempts, err)
	observability.EndSpan(span, result.Err, "batch failed")
	return result
}

func (l *Loader) write(ctx context.Context, batch *domain.Batch) error {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.SinkTimeout)
	defer cancel()

	callCtx, span := observability.StartSpan(callCtx, tracerName, "sink.Write",
		attribute.String("sink", l.sink.Name()),
		attribute.String("batch.id", batch.ID),
	)
	err := l.sink.Write(callCtx, batch)
	observability.EndSpan(span, err, "sink write")
	return err
}

func (l *Loader) deadLetter(ctx context.Context, batch *domain.Batch, attempts int, cause error) bool {
	if l.deadLetters == nil {
		log.Error().
			Err(cause).
			Str("batch_id", batch.ID).
			Int("records", batch.Len()).
			Msg("Batch failed and no dead-letter store is configured")
		return false
	}

	entry := deadletter.Entry{
		BatchID:  batch.ID,
		SourceID: batch.SourceID,
		Sink:     l.sink.Name(),
		From:     batch.From,
		To:       batch.To,
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: l.now().UTC(),
		Records:  batch.Entries,
	}
	if err := l.deadLetters.Put(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("batch_id", batch.ID).
			Int("records", batch.Len()).
			Msg("Failed to dead-letter batch, records are lost")
		return false
	}
	return true
}

// BreakerState returns the current circuit breaker state
func (l *Loader) BreakerState() breaker.State {
	return l.breaker.State()
}
