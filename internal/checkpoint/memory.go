package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// MemoryStore is a Store kept in process memory
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]domain.Checkpoint
	failSet     error
	failAfter   int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]domain.Checkpoint)}
}

// FailWrites makes every subsequent Set return err. A nil err restores writes.
func (m *MemoryStore) FailWrites(err error) {
	m.FailWritesAfter(0, err)
}

// FailWritesAfter lets n more Set calls succeed, then fails the rest with err
func (m *MemoryStore) FailWritesAfter(n int, err error) {
	m.mu.Lock()
	m.failSet = err
	m.failAfter = n
	m.mu.Unlock()
}

func (m *MemoryStore) Get(_ context.Context, sourceID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *MemoryStore) Set(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		if m.failAfter == 0 {
			return m.failSet
		}
		m.failAfter--
	}
	m.checkpoints[cp.SourceID] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, sourceID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]domain.Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SourceID < result[j].SourceID })
	return result, nil
}

func (m *MemoryStore) Close() error { return nil }
