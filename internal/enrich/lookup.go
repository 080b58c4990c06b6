package enrich

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Record is a set of attributes returned by a lookup
type Record map[string]string

// Lookup resolves a key (usually an IP address) to a record.
// Not found is reported as (nil, false, nil).
type Lookup interface {
	Lookup(ctx context.Context, key string) (Record, bool, error)
}

// StaticLookup is a lookup table loaded from a YAML file:
//
//	entries:
//	  "203.0.113.7": {country_code: US, city: Boston}
//	networks:
//	  "198.51.100.0/24": {country_code: DE}
//
// Exact keys win, then the longest matching network prefix.
type StaticLookup struct {
	Entries  map[string]Record `yaml:"entries"`
	Networks map[string]Record `yaml:"networks"`

	prefixes []prefixRecord
}

type prefixRecord struct {
	prefix netip.Prefix
	record Record
}

// LoadStaticLookup loads a lookup table file
func LoadStaticLookup(path string) (*StaticLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup table: %w", err)
	}

	var sl StaticLookup
	if err := yaml.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("failed to parse lookup table %s: %w", path, err)
	}
	if err := sl.compile(); err != nil {
		return nil, fmt.Errorf("invalid lookup table %s: %w", path, err)
	}
	return &sl, nil
}

// NewStaticLookup builds a lookup table in memory
func NewStaticLookup(entries, networks map[string]Record) (*StaticLookup, error) {
	sl := &StaticLookup{Entries: entries, Networks: networks}
	if err := sl.compile(); err != nil {
		return nil, err
	}
	return sl, nil
}

func (sl *StaticLookup) compile() error {
	// Initialize maps if nil
	if sl.Entries == nil {
		sl.Entries = make(map[string]Record)
	}
	if sl.Networks == nil {
		sl.Networks = make(map[string]Record)
	}

	sl.prefixes = sl.prefixes[:0]
	for cidr, rec := range sl.Networks {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("network %q: %w", cidr, err)
		}
		sl.prefixes = append(sl.prefixes, prefixRecord{prefix: p.Masked(), record: rec})
	}

	// Longest prefix first
	sort.Slice(sl.prefixes, func(i, j int) bool {
		return sl.prefixes[i].prefix.Bits() > sl.prefixes[j].prefix.Bits()
	})
	return nil
}

// Lookup implements Lookup
func (sl *StaticLookup) Lookup(_ context.Context, key string) (Record, bool, error) {
	if rec, ok := sl.Entries[key]; ok {
		return rec, true, nil
	}

	addr, err := netip.ParseAddr(key)
	if err != nil {
		return nil, false, nil
	}
	addr = addr.Unmap()
	for _, p := range sl.prefixes {
		if p.prefix.Contains(addr) {
			return p.record, true, nil
		}
	}
	return nil, false, nil
}

// Len returns the number of exact entries and networks
func (sl *StaticLookup) Len() int {
	return len(sl.Entries) + len(sl.prefixes)
}

// CachedLookup memoizes results of another lookup, negative results included.
// Errors are not cached. When full, the cache is reset.
type CachedLookup struct {
	next    Lookup
	maxSize int

	mu    sync.RWMutex
	cache map[string]cachedRecord
}

type cachedRecord struct {
	record Record
	found  bool
}

// NewCachedLookup wraps next with a cache of at most maxSize keys
func NewCachedLookup(next Lookup, maxSize int) *CachedLookup {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &CachedLookup{
		next:    next,
		maxSize: maxSize,
		cache:   make(map[string]cachedRecord),
	}
}

// Lookup implements Lookup
func (c *CachedLookup) Lookup(ctx context.Context, key string) (Record, bool, error) {
	c.mu.RLock()
	hit, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return hit.record, hit.found, nil
	}

	rec, found, err := c.next.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if len(c.cache) >= c.maxSize {
		c.cache = make(map[string]cachedRecord)
	}
	c.cache[key] = cachedRecord{record: rec, found: found}
	c.mu.Unlock()

	return rec, found, nil
}
