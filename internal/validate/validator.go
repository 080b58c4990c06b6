package validate

import (
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// Validator checks one aspect of a log entry. Implementations are pure and
// independent of each other.
type Validator interface {
	Name() string
	Validate(entry *domain.LogEntry) domain.ValidationOutcome
}

// Chain runs validators in order and reports the first rejection
type Chain struct {
	validators []Validator
}

// NewChain creates a validator chain
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Validate returns the first rejection, or an accepting outcome
func (c *Chain) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	for _, v := range c.validators {
		if out := v.Validate(entry); !out.Accepted {
			return out
		}
	}
	return domain.Accept()
}

// Names returns validator names in chain order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.validators))
	for _, v := range c.validators {
		names = append(names, v.Name())
	}
	return names
}

// Config configures the built-in validators
type Config struct {
	ClockSkew time.Duration    // Tolerance for timestamps in the future (default: 5m)
	Retention time.Duration    // Maximum age of a record, 0 disables the check
	Now       func() time.Time // Clock, nil for time.Now
}

// DefaultChain returns IP, URL, timestamp, status, method and bytes validators
func DefaultChain(cfg Config) *Chain {
	return NewChain(
		IP{},
		URL{},
		NewTimestamp(cfg),
		Status{},
		Method{},
		Bytes{},
	)
}
