package enrich

import (
	"context"
	"fmt"
	"strconv"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	ThreatName = "threat"

	// DefaultThreatThreshold is the score at which an IP counts as a threat
	DefaultThreatThreshold = 50
)

// Threat scores the client IP against a reputation lookup.
// Unknown IPs score 0.
type Threat struct {
	lookup    Lookup
	threshold int
}

// NewThreat creates a threat enricher. threshold <= 0 selects the default.
func NewThreat(lookup Lookup, threshold int) *Threat {
	if threshold <= 0 {
		threshold = DefaultThreatThreshold
	}
	return &Threat{lookup: lookup, threshold: threshold}
}

func (t *Threat) Name() string { return ThreatName }

func (t *Threat) Enrich(ctx context.Context, entry *domain.LogEntry) (domain.Fragment, error) {
	clean := domain.Fragment{"score": "0", "is_threat": "false"}
	if t.lookup == nil {
		return clean, nil
	}

	rec, found, err := t.lookup.Lookup(ctx, entry.ClientIP)
	if err != nil {
		return nil, err
	}
	if !found {
		return clean, nil
	}

	score := 0
	if s, ok := rec["score"]; ok {
		score, err = strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad threat score %q: %w", s, err)
		}
	}
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("threat score %d out of range 0..100", score)
	}

	fragment := domain.Fragment{
		"score":     strconv.Itoa(score),
		"is_threat": strconv.FormatBool(score >= t.threshold),
	}
	if c := rec["category"]; c != "" {
		fragment["category"] = c
	}
	return fragment, nil
}
