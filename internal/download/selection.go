// Package download turns a selection of tables, geographies and years into
// cache keys and resolves each key from the cache or the survey API with a
// bounded worker pool, at most one fetch per key, and degraded-success
// results.
package download

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/geo"
)

// DefaultEstimate is the 5-year estimate.
const DefaultEstimate = 5

// Selection is the cross product a caller wants.
type Selection struct {
	Tables      []string
	Geographies []geo.Address
	Years       []int
	Estimate    int
	Scope       []cache.ScopeValue
}

// Validate rejects selections that would expand to no keys or that carry
// invalid values.
func (s Selection) Validate() error {
	if len(s.Tables) == 0 {
		return eris.New("download: selection has no tables")
	}
	if len(s.Geographies) == 0 {
		return eris.New("download: selection has no geographies")
	}
	if len(s.Years) == 0 {
		return eris.New("download: selection has no years")
	}
	for _, t := range s.Tables {
		if strings.TrimSpace(t) == "" {
			return eris.New("download: empty table id")
		}
	}
	for _, g := range s.Geographies {
		if g.IsZero() {
			return eris.New("download: empty geography")
		}
	}
	for _, y := range s.Years {
		if y <= 0 {
			return eris.Errorf("download: invalid year %d", y)
		}
	}
	if s.Estimate != 0 && s.Estimate != 1 && s.Estimate != 3 && s.Estimate != 5 {
		return eris.Errorf("download: invalid estimate %d", s.Estimate)
	}
	return nil
}

// Expand returns one key per (table, geography, year), ordered by table, then
// year, then geography, with duplicates removed. The same selection always
// expands to the same keys in the same order.
func Expand(s Selection) []cache.Key {
	est := s.Estimate
	if est == 0 {
		est = DefaultEstimate
	}
	keys := make([]cache.Key, 0, len(s.Tables)*len(s.Geographies)*len(s.Years))
	for _, t := range s.Tables {
		for _, g := range s.Geographies {
			for _, y := range s.Years {
				keys = append(keys, cache.NewKey(strings.TrimSpace(t), g, y, est, s.Scope...))
			}
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return geo.Compare(a.Geography, b.Geography) < 0
	})

	out := keys[:0]
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		id := k.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, k)
	}
	return out
}

// Resolver turns a geography name path into an address.
type Resolver interface {
	Resolve(ctx context.Context, p geo.Path, year, estimate int) (geo.Address, error)
}

// ResolvePaths resolves name paths against one vintage, the latest of years.
func ResolvePaths(ctx context.Context, r Resolver, paths []geo.Path, years []int, estimate int) ([]geo.Address, error) {
	if len(years) == 0 {
		return nil, eris.New("download: no year to resolve geography names against")
	}
	if estimate == 0 {
		estimate = DefaultEstimate
	}
	latest := years[0]
	for _, y := range years[1:] {
		if y > latest {
			latest = y
		}
	}
	out := make([]geo.Address, 0, len(paths))
	for _, p := range paths {
		addr, err := r.Resolve(ctx, p, latest, estimate)
		if err != nil {
			return nil, eris.Wrapf(err, "download: resolve %s", p)
		}
		out = append(out, addr)
	}
	return out, nil
}
