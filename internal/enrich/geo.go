package enrich

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	GeoName = "geo"

	ScopePrivate = "private"
	ScopePublic  = "public"
)

var geoFields = []string{"country_code", "country_name", "city", "latitude", "longitude"}

// Geo resolves the client IP to a location. Private, loopback and link-local
// addresses are tagged scope=private without a lookup.
type Geo struct {
	lookup Lookup
}

// NewGeo creates a geo enricher
func NewGeo(lookup Lookup) *Geo {
	return &Geo{lookup: lookup}
}

func (g *Geo) Name() string { return GeoName }

func (g *Geo) Enrich(ctx context.Context, entry *domain.LogEntry) (domain.Fragment, error) {
	addr, err := netip.ParseAddr(entry.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("parse client ip: %w", err)
	}
	addr = addr.Unmap()

	if isPrivate(addr) {
		return domain.Fragment{"scope": ScopePrivate}, nil
	}

	fragment := domain.Fragment{"scope": ScopePublic}
	if g.lookup == nil {
		return fragment, nil
	}

	rec, found, err := g.lookup.Lookup(ctx, addr.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return fragment, nil
	}
	for _, field := range geoFields {
		if v, ok := rec[field]; ok {
			fragment[field] = v
		}
	}
	return fragment, nil
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}
