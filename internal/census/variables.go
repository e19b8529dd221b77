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
)

// Variable is one entry of a vintage's variables.json.
type Variable struct {
	Name    string `json:"-"`
	Label   string `json:"label"`
	Concept string `json:"concept"`
	Group   string `json:"group"`
}

// IsEstimate reports whether the variable is an estimate rather than a margin
// of error or an annotation.
func (v Variable) IsEstimate() bool {
	return strings.HasSuffix(v.Name, "E") && !strings.HasSuffix(v.Name, "EA")
}

// Variables maps variable codes to their metadata.
type Variables map[string]Variable

// EstimateLabels returns code to label for the estimates in group.
func (vs Variables) EstimateLabels(group string) map[string]string {
	out := make(map[string]string)
	for code, v := range vs {
		if v.Group == group && v.IsEstimate() {
			out[code] = v.Label
		}
	}
	return out
}

// VariableCatalog downloads and memoises variables.json per vintage.
// Concurrent requests for the same vintage share one download.
type VariableCatalog struct {
	fetch fetcher.Fetcher
	urls  *URLBuilder
	log   *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	byKey map[string]Variables
}

// NewVariableCatalog returns a catalog that fetches through f.
func NewVariableCatalog(f fetcher.Fetcher, urls *URLBuilder) *VariableCatalog {
	return &VariableCatalog{
		fetch: f,
		urls:  urls,
		log:   zap.L().With(zap.String("component", "variables")),
		byKey: make(map[string]Variables),
	}
}

// Vintage returns the variables of one dataset vintage.
func (c *VariableCatalog) Vintage(ctx context.Context, year, estimate int, survey string) (Variables, error) {
	key := fmt.Sprintf("%d/acs%d/%s", year, estimate, survey)

	c.mu.RLock()
	vs, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return vs, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		vs, ok := c.byKey[key]
		c.mu.RUnlock()
		if ok {
			return vs, nil
		}
		body, err := c.fetch.Get(ctx, c.urls.Variables(year, estimate, survey))
		if err != nil {
			return nil, err
		}
		doc, err := fetcher.DecodeJSONObject[struct {
			Variables map[string]Variable `json:"variables"`
		}](bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrapf(err, "census: decode variables for %s", key)
		}
		vs = make(Variables, len(doc.Variables))
		for code, v := range doc.Variables {
			v.Name = code
			vs[code] = v
		}
		c.mu.Lock()
		c.byKey[key] = vs
		c.mu.Unlock()
		c.log.Debug("loaded variables", zap.String("vintage", key), zap.Int("count", len(vs)))
		return vs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Variables), nil
}
