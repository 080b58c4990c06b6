package dedup

import (
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	DefaultHorizon    = time.Hour
	DefaultMaxEntries = 1_000_000
)

// Window remembers fingerprints seen within a sliding horizon.
// Time is the processing clock: a fingerprint expires Horizon after it was
// first seen, duplicates do not extend its lifetime.
// Not safe for concurrent use.
type Window struct {
	horizon    time.Duration
	maxEntries int
	now        func() time.Time

	seen  map[domain.Fingerprint]time.Time
	queue []seenEntry // Insertion order, oldest first
	head  int
}

type seenEntry struct {
	fp   domain.Fingerprint
	seen time.Time
}

// Config configures a dedup window
type Config struct {
	Horizon    time.Duration    // How long a fingerprint is remembered (default: 1h)
	MaxEntries int              // Upper bound on remembered fingerprints (default: 1,000,000)
	Now        func() time.Time // Clock, nil for time.Now
}

// NewWindow creates a dedup window
func NewWindow(cfg Config) *Window {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Window{
		horizon:    cfg.Horizon,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
		seen:       make(map[domain.Fingerprint]time.Time),
	}
}

// IsDuplicate reports whether fp was seen within the horizon and records it if not
func (w *Window) IsDuplicate(fp domain.Fingerprint) bool {
	now := w.now()
	w.expire(now)

	if _, ok := w.seen[fp]; ok {
		return true
	}

	for len(w.seen) >= w.maxEntries {
		w.evictOldest()
	}
	w.seen[fp] = now
	w.queue = append(w.queue, seenEntry{fp: fp, seen: now})
	return false
}

// Len returns the number of remembered fingerprints
func (w *Window) Len() int {
	return len(w.seen)
}

func (w *Window) expire(now time.Time) {
	cutoff := now.Add(-w.horizon)
	for w.head < len(w.queue) && !w.queue[w.head].seen.After(cutoff) {
		w.evictOldest()
	}
}

func (w *Window) evictOldest() {
	if w.head >= len(w.queue) {
		return
	}
	delete(w.seen, w.queue[w.head].fp)
	w.queue[w.head] = seenEntry{}
	w.head++

	// Compact once the dead prefix dominates the queue
	if w.head > 1024 && w.head*2 > len(w.queue) {
		n := copy(w.queue, w.queue[w.head:])
		w.queue = w.queue[:n]
		w.head = 0
	}
}
