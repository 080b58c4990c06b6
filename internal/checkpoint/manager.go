package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

var (
	// ErrWriteFailure means a checkpoint could not be persisted. The run must stop.
	ErrWriteFailure = errors.New("checkpoint write failure")

	// ErrSuspended is returned by Commit after a write failure or Suspend
	ErrSuspended = errors.New("checkpoint manager suspended")

	// ErrNotLoaded is returned by Commit before Load
	ErrNotLoaded = errors.New("checkpoint manager not loaded")

	// ErrRegression is returned when committing a position before the last commit
	ErrRegression = errors.New("checkpoint position regression")
)

// State of a checkpoint manager
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager tracks the committed position of one source
type Manager struct {
	store    Store
	sourceID string
	now      func() time.Time

	mu    sync.Mutex
	state State
	last  *domain.Checkpoint
}

// NewManager creates a manager for sourceID. now may be nil.
func NewManager(store Store, sourceID string, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, sourceID: sourceID, now: now}
}

// Load reads the stored checkpoint and activates the manager.
// Returns nil when the source has never been committed.
func (m *Manager) Load(ctx context.Context) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return nil, fmt.Errorf("load checkpoint for %s: manager is %s", m.sourceID, m.state)
	}

	cp, err := m.store.Get(ctx, m.sourceID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", m.sourceID, err)
	}

	m.last = cp
	m.state = StateActive

	if cp != nil {
		log.Info().
			Str("source", m.sourceID).
			Int64("offset", cp.Position.Offset).
			Int64("line", cp.Position.Line).
			Time("committed_at", cp.CommittedAt).
			Msg("Resuming from checkpoint")
	}
	return cp, nil
}

// Commit durably records pos as processed
func (m *Manager) Commit(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized:
		return ErrNotLoaded
	case StateSuspended:
		return ErrSuspended
	}

	if m.last != nil && pos.Before(m.last.Position) {
		return fmt.Errorf("%w: %d < %d", ErrRegression, pos.Offset, m.last.Position.Offset)
	}

	cp := domain.Checkpoint{
		SourceID:    m.sourceID,
		Position:    pos,
		CommittedAt: m.now().UTC(),
	}
	if err := m.store.Set(ctx, cp); err != nil {
		m.state = StateSuspended
		log.Error().
			Err(err).
			Str("source", m.sourceID).
			Int64("offset", pos.Offset).
			Msg("Checkpoint write failed, suspending")
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	m.last = &cp
	return nil
}

// Rewind forgets the last position so the source can be committed again
// from its beginning. Used when the source was truncated in place.
func (m *Manager) Rewind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized:
		return ErrNotLoaded
	case StateSuspended:
		return ErrSuspended
	}
	m.last = nil
	return nil
}

// Suspend stops further commits
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateSuspended
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Last returns the last loaded or committed checkpoint, nil if none
func (m *Manager) Last() *domain.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}
