package census

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/census-cli/internal/fetcher"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/model"
)

// NameNotFoundError reports a geography name that matched no row, or more
// than one, at its level.
type NameNotFoundError struct {
	Path    string
	Level   string
	Name    string
	Matches int
}

func (e *NameNotFoundError) Error() string {
	if e.Matches > 1 {
		return fmt.Sprintf("census: %s name %q in %q is ambiguous (%d matches)", e.Level, e.Name, e.Path, e.Matches)
	}
	return fmt.Sprintf("census: no %s named %q in %q", e.Level, e.Name, e.Path)
}

// NameResolver turns name paths (state=Texas|county=Travis County) into
// numeric addresses by listing every place at each level under the already
// resolved ancestors and matching NAME. Listings are memoised and concurrent
// identical listings share one request.
type NameResolver struct {
	fetch fetcher.Fetcher
	urls  *URLBuilder
	reg   *geo.Registry
	log   *zap.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	listings map[string]*model.Table
}

// NewNameResolver returns a resolver that fetches through f.
func NewNameResolver(f fetcher.Fetcher, urls *URLBuilder, reg *geo.Registry) *NameResolver {
	return &NameResolver{
		fetch:    f,
		urls:     urls,
		reg:      reg,
		log:      zap.L().With(zap.String("component", "resolver")),
		listings: make(map[string]*model.Table),
	}
}

// Resolve maps every named step of p to its code using the given vintage.
// A wildcard final step stays a wildcard.
func (r *NameResolver) Resolve(ctx context.Context, p geo.Path, year, estimate int) (geo.Address, error) {
	var addr geo.Address
	for _, step := range p.Steps() {
		if step.Name == geo.Wildcard {
			return r.reg.Append(addr, step.Level, geo.Wildcard)
		}
		code, err := r.resolveStep(ctx, p, addr, step, year, estimate)
		if err != nil {
			return geo.Address{}, err
		}
		if addr, err = r.reg.Append(addr, step.Level, code); err != nil {
			return geo.Address{}, err
		}
	}
	r.log.Debug("resolved geography", zap.String("path", p.String()), zap.String("address", addr.String()))
	return addr, nil
}

func (r *NameResolver) resolveStep(ctx context.Context, p geo.Path, parent geo.Address, step geo.PathStep, year, estimate int) (string, error) {
	lvl, ok := r.reg.Level(step.Level)
	if !ok {
		return "", eris.Errorf("census: unknown level %q", step.Level)
	}
	pattern, err := r.reg.Append(parent, step.Level, geo.Wildcard)
	if err != nil {
		return "", err
	}
	listing, err := r.listing(ctx, pattern, year, estimate)
	if err != nil {
		return "", err
	}

	nameIdx, codeIdx := listing.Index(ColumnName), listing.Index(lvl.APIName)
	if nameIdx < 0 || codeIdx < 0 {
		return "", eris.Errorf("census: listing for %s lacks NAME or %q", pattern, lvl.APIName)
	}

	want := normaliseText(step.Name)
	codes := make(map[string]bool)
	for _, row := range listing.Rows {
		if nameMatches(row[nameIdx], want) {
			codes[row[codeIdx]] = true
		}
	}
	if len(codes) != 1 {
		return "", &NameNotFoundError{Path: p.String(), Level: step.Level, Name: step.Name, Matches: len(codes)}
	}
	for code := range codes {
		return code, nil
	}
	return "", nil
}

// nameMatches compares against the full NAME and against its first
// comma-separated segment ("Travis County, Texas" → "Travis County").
func nameMatches(name, want string) bool {
	if normaliseText(name) == want {
		return true
	}
	first, _, _ := strings.Cut(name, ",")
	return normaliseText(first) == want
}

func (r *NameResolver) listing(ctx context.Context, pattern geo.Address, year, estimate int) (*model.Table, error) {
	key := fmt.Sprintf("%d/acs%d/%s", year, estimate, pattern)

	r.mu.RLock()
	t, ok := r.listings[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		t, ok := r.listings[key]
		r.mu.RUnlock()
		if ok {
			return t, nil
		}
		u, err := r.urls.Query(year, estimate, "", []string{ColumnName}, pattern)
		if err != nil {
			return nil, err
		}
		body, err := r.fetch.Get(ctx, u)
		if err != nil {
			return nil, eris.Wrapf(err, "census: list %s", pattern)
		}
		t, err = fetcher.DecodeTable(ctx, bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrapf(err, "census: decode listing for %s", pattern)
		}
		r.mu.Lock()
		r.listings[key] = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Table), nil
}
