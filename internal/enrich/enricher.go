package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// Enricher derives additional attributes for a log entry.
// An error never rejects the record, it only marks the enrichment as partial.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, entry *domain.LogEntry) (domain.Fragment, error)
}

// Error reports a failed enricher
type Error struct {
	Enricher string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enricher %s: %v", e.Enricher, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Chain runs every enricher on each entry and merges their fragments
type Chain struct {
	enrichers []Enricher
}

// NewChain creates an enricher chain. Enricher names must be unique.
func NewChain(enrichers ...Enricher) (*Chain, error) {
	seen := make(map[string]bool, len(enrichers))
	for _, e := range enrichers {
		if seen[e.Name()] {
			return nil, fmt.Errorf("duplicate enricher name: %s", e.Name())
		}
		seen[e.Name()] = true
	}
	return &Chain{enrichers: enrichers}, nil
}

// Enrich runs all enrichers. The returned bool is true when at least one failed.
// Fingerprint and line number are left for the caller to fill in.
func (c *Chain) Enrich(ctx context.Context, entry domain.LogEntry) (domain.EnrichedLogEntry, bool) {
	out := domain.EnrichedLogEntry{
		Entry:      entry,
		Enrichment: make(map[string]domain.Fragment, len(c.enrichers)),
	}

	for _, e := range c.enrichers {
		fragment, err := e.Enrich(ctx, &out.Entry)
		if err != nil {
			log.Debug().
				Err(&Error{Enricher: e.Name(), Err: err}).
				Str("client_ip", entry.ClientIP).
				Msg("Enrichment failed")
			out.FailedEnrichers = append(out.FailedEnrichers, e.Name())
			continue
		}
		if fragment != nil {
			out.Enrichment[e.Name()] = fragment
		}
	}

	return out, out.Partial()
}

// Names returns enricher names in chain order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.enrichers))
	for _, e := range c.enrichers {
		names = append(names, e.Name())
	}
	return names
}
