package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration
type Config struct {
	Threshold int           // Consecutive failures that open the breaker (default: 5)
	Cooldown  time.Duration // Time the breaker stays open before probing (default: 30s)
}

// DefaultConfig returns default breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker protects a downstream dependency from retry storms.
// Closed -> Open after Threshold consecutive failures; Open -> HalfOpen
// once Cooldown elapses; HalfOpen admits a single probe whose outcome
// closes or re-opens the breaker.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a breaker. now may be nil to use the wall clock.
func New(name string, cfg Config, now func() time.Time) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

// Allow reports whether a call may proceed. Every successful Allow must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(HalfOpen)
		b.probeInFlight = true
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record reports the outcome of an allowed call
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.probeInFlight = false
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}

	b.failures++
	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		b.trip()
	case Closed:
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(Open)
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	log.Warn().
		Str("breaker", b.name).
		Str("from", b.state.String()).
		Str("to", s.String()).
		Int("consecutive_failures", b.failures).
		Msg("Circuit breaker state changed")
	b.state = s
}
