package census

import (
	"bytes"
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/fetcher"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/model"
)

// MaxGetVariables is the most variables the API accepts in one get clause.
const MaxGetVariables = 50

// Source fetches and compiles one table for one cache key.
type Source struct {
	fetch   fetcher.Fetcher
	urls    *URLBuilder
	catalog *Catalog
	vars    *VariableCatalog
	matcher *Matcher
	reg     *geo.Registry
	log     *zap.Logger
}

// NewSource wires a source. A nil catalog is treated as empty and a nil
// matcher gets zero tolerance.
func NewSource(f fetcher.Fetcher, urls *URLBuilder, catalog *Catalog, matcher *Matcher) *Source {
	if catalog == nil {
		catalog, _ = NewCatalog(nil)
	}
	if matcher == nil {
		matcher = NewMatcher(0)
	}
	return &Source{
		fetch:   f,
		urls:    urls,
		catalog: catalog,
		vars:    NewVariableCatalog(f, urls),
		matcher: matcher,
		reg:     urls.Registry,
		log:     zap.L().With(zap.String("component", "source")),
	}
}

// Catalog returns the table catalog the source compiles with.
func (s *Source) Catalog() *Catalog { return s.catalog }

// Fetch requests key's table from the API and compiles it.
func (s *Source) Fetch(ctx context.Context, key cache.Key) (*model.Table, error) {
	spec := s.catalog.Lookup(key.Table)

	get, columns, err := s.selectFields(ctx, key, spec)
	if err != nil {
		return nil, err
	}
	u, err := s.urls.Query(key.Year, key.Estimate, spec.Survey, get, key.Geography)
	if err != nil {
		return nil, eris.Wrapf(err, "census: build query for %s", key)
	}

	s.log.Debug("fetching table", zap.String("key", key.ID()), zap.Int("variables", len(get)-1))
	body, err := s.fetch.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	raw, err := fetcher.DecodeTable(ctx, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "census: decode response for %s", key)
	}
	return Compile(raw, key, spec, columns, s.reg)
}

// selectFields returns the get clause and the compiled columns. Explicit
// variables win over labels, and labels over a whole group. A nil column
// list means every estimate of the group.
func (s *Source) selectFields(ctx context.Context, key cache.Key, spec TableSpec) ([]string, []Column, error) {
	switch {
	case len(spec.Fields) > 0:
		columns := make([]Column, len(spec.Fields))
		for i, f := range spec.Fields {
			concept := f.Concept
			if concept == "" {
				concept = f.Variable
			}
			columns[i] = Column{Variable: f.Variable, Concept: concept}
		}
		return withName(columns)

	case len(spec.Labels) > 0:
		vs, err := s.vars.Vintage(ctx, key.Year, key.Estimate, spec.Survey)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "census: variables for %s", key)
		}
		group := spec.Group
		if group == "" {
			group = spec.ID
		}
		candidates := vs.EstimateLabels(group)
		columns := make([]Column, 0, len(spec.Labels))
		seen := make(map[string]string)
		for _, l := range spec.Labels {
			res, err := s.matcher.Match(l.Label, candidates)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "census: table %s %d", spec.ID, key.Year)
			}
			code := res.Best()
			if prev, dup := seen[code]; dup {
				return nil, nil, eris.Errorf("census: labels %q and %q both match %s", prev, l.Label, code)
			}
			seen[code] = l.Label
			if res.Strategy != Strict {
				s.log.Info("label matched loosely",
					zap.String("table", spec.ID),
					zap.Int("year", key.Year),
					zap.String("label", l.Label),
					zap.String("variable", code),
					zap.Stringer("strategy", res.Strategy),
				)
			}
			concept := l.Concept
			if concept == "" {
				concept = l.Label
			}
			columns = append(columns, Column{Variable: code, Concept: concept})
		}
		return withName(columns)

	default:
		return []string{ColumnName, "group(" + spec.Group + ")"}, nil, nil
	}
}

func withName(columns []Column) ([]string, []Column, error) {
	if len(columns)+1 > MaxGetVariables {
		return nil, nil, eris.Errorf("census: %d variables exceed the limit of %d per request", len(columns), MaxGetVariables-1)
	}
	get := make([]string, 0, len(columns)+1)
	get = append(get, ColumnName)
	for _, c := range columns {
		get = append(get, c.Variable)
	}
	return get, columns, nil
}
