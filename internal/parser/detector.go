package parser

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// DefaultThreshold is the minimum share of sample lines a parser must accept
const DefaultThreshold = 0.9

// Score is the detection result for one parser
type Score struct {
	Name  string
	Rate  float64
	Lines int
}

// Detector selects a parser from a registry by sampling lines
type Detector struct {
	registry  *Registry
	threshold float64
}

// NewDetector creates a detector; threshold <= 0 uses DefaultThreshold
func NewDetector(registry *Registry, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{registry: registry, threshold: threshold}
}

// Detect returns the parser with the highest success rate over the sample,
// provided it reaches the threshold. Blank lines are ignored. Ties go to the
// parser registered first.
func (d *Detector) Detect(sample []string) (*Parser, []Score, error) {
	lines := make([]string, 0, len(sample))
	for _, l := range sample {
		if !isBlank(l) {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("%w: empty sample", domain.ErrUnknownFormat)
	}

	var (
		best   *Parser
		bestSc float64
		scores []Score
	)
	for _, p := range d.registry.all() {
		ok := 0
		for _, l := range lines {
			if !p.Sniff(l) {
				continue
			}
			if _, err := p.ParseLine(l); err == nil {
				ok++
			}
		}
		rate := float64(ok) / float64(len(lines))
		scores = append(scores, Score{Name: p.Name, Rate: rate, Lines: len(lines)})
		if best == nil || rate > bestSc {
			best, bestSc = p, rate
		}
	}

	if best == nil || bestSc < d.threshold {
		log.Warn().
			Interface("scores", scores).
			Float64("threshold", d.threshold).
			Msg("No parser recognized the sample")
		return nil, scores, fmt.Errorf("%w: best rate %.2f below threshold %.2f", domain.ErrUnknownFormat, bestSc, d.threshold)
	}

	log.Info().
		Str("format", best.Name).
		Float64("rate", bestSc).
		Int("sample_lines", len(lines)).
		Msg("Log format detected")
	return best, scores, nil
}
