package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/SteelMorgan/weblog-etl/internal/clickhouse"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/retry"
)

// Sink writes batches to a storage backend.
// Write must be all-or-nothing for a batch and idempotent across retries.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *domain.Batch) error
	Close() error
}

// Options carries everything a factory may need to build a sink
type Options struct {
	ClickHouse clickhouse.Config
	MySQLDSN   string
	Table      string // Target table, default access_log
	Retry      retry.Config
}

// Factory builds a sink
type Factory func(ctx context.Context, opts Options) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		ClickHouseName: newClickHouseFromOptions,
		MySQLName:      newMySQLFromOptions,
		NoopName:       func(context.Context, Options) (Sink, error) { return NewNoop(), nil },
	}
)

// Register adds a sink factory. Registering a taken name fails.
func Register(name string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return fmt.Errorf("sink %q already registered", name)
	}
	registry[name] = factory
	return nil
}

// New builds the sink registered under name
func New(ctx context.Context, name string, opts Options) (Sink, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink %q (available: %v)", name, Names())
	}
	if opts.Table == "" {
		opts.Table = clickhouse.AccessLogTable
	}
	return factory(ctx, opts)
}

// Names returns registered sink names
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
