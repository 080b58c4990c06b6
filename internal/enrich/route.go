package enrich

import (
	"context"
	"strings"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/normalizer"
)

const RouteName = "route"

// Route adds the normalized route template and query parameter names
type Route struct {
	normalizer *normalizer.PathNormalizer
}

// NewRoute creates a route enricher
func NewRoute() *Route {
	return &Route{normalizer: normalizer.NewPathNormalizer()}
}

func (r *Route) Name() string { return RouteName }

func (r *Route) Enrich(_ context.Context, entry *domain.LogEntry) (domain.Fragment, error) {
	fragment := domain.Fragment{
		"template": r.normalizer.NormalizePath(entry.Path),
	}
	if keys := normalizer.QueryKeys(entry.Path); len(keys) > 0 {
		fragment["query_keys"] = strings.Join(keys, ",")
	}
	return fragment, nil
}
