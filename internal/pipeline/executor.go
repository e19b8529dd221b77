package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/model"
	"github.com/sells-group/census-cli/internal/rebin"
)

// Feeder supplies the raw table behind a feed definition.
type Feeder interface {
	Feed(ctx context.Context, table string, scope []cache.ScopeValue) (*model.Table, error)
}

// DownloadFeeder feeds tables by downloading them for a fixed selection of
// geographies and years.
type DownloadFeeder struct {
	Downloader *download.Downloader
	Selection  download.Selection
}

// Feed downloads table for the selection with scope added. Partial results
// are returned with a warning; only a complete failure is an error.
func (f *DownloadFeeder) Feed(ctx context.Context, table string, scope []cache.ScopeValue) (*model.Table, error) {
	sel := f.Selection
	sel.Tables = []string{table}
	sel.Scope = append(append([]cache.ScopeValue(nil), sel.Scope...), scope...)
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	res, err := f.Downloader.Download(ctx, download.Expand(sel))
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: feed %s", table)
	}
	if len(res.Failed) > 0 {
		zap.L().Warn("pipeline: feed is partial",
			zap.String("table", table),
			zap.Int("failed", len(res.Failed)),
			zap.Int("keys", len(res.Outcomes)),
		)
	}
	return res.Table, nil
}

// Executor evaluates definitions, each at most once per executor.
type Executor struct {
	defs   Definitions
	feeder Feeder
	log    *zap.Logger

	mu   sync.Mutex
	memo map[string]*model.Table
}

// NewExecutor validates defs and returns an executor over them.
func NewExecutor(defs Definitions, feeder Feeder) (*Executor, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		defs:   defs,
		feeder: feeder,
		log:    zap.L().With(zap.String("component", "pipeline")),
		memo:   make(map[string]*model.Table),
	}, nil
}

// Run evaluates id and its dependencies. The returned table is shared with
// later calls and must not be modified.
func (e *Executor) Run(ctx context.Context, id string) (*model.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval(ctx, id)
}

func (e *Executor) eval(ctx context.Context, id string) (*model.Table, error) {
	if t, ok := e.memo[id]; ok {
		return t, nil
	}
	def, ok := e.defs[id]
	if !ok {
		return nil, eris.Errorf("pipeline: %s is not defined", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancelled")
	}

	inputs := make([]*model.Table, len(def.Inputs))
	for i, in := range def.Inputs {
		t, err := e.eval(ctx, in)
		if err != nil {
			return nil, err
		}
		inputs[i] = t
	}

	t, err := e.apply(ctx, def, inputs)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s", id)
	}
	e.log.Debug("evaluated", zap.String("id", id), zap.String("kind", string(def.Kind)), zap.Int("rows", t.Len()))
	e.memo[id] = t
	return t, nil
}

func (e *Executor) apply(ctx context.Context, def Definition, inputs []*model.Table) (*model.Table, error) {
	f := Format{Precision: def.Precision, Percent: def.Percent}
	switch def.Kind {
	case KindFeed:
		if e.feeder == nil {
			return nil, eris.New("pipeline: no feeder configured")
		}
		table := def.Table
		if table == "" {
			table = def.ID
		}
		return e.feeder.Feed(ctx, table, scopeValues(def.Scope))
	case KindMerge:
		return Merge(inputs, def.Axis, def.Tags), nil
	case KindSum:
		return Sum(inputs[0], def.Data, def.Axis)
	case KindRebin:
		sampling, err := rebin.ParseSampling(def.Sampling)
		if err != nil {
			return nil, err
		}
		return rebin.Table(inputs[0], rebin.TableSpec{
			Axis:   def.Axis,
			Data:   def.Data,
			Lower:  def.Bounds[0],
			Upper:  def.Bounds[1],
			Edges:  def.Values,
			Option: rebin.Options{Sampling: sampling},
		})
	case KindRatio:
		return Ratio(inputs[0], inputs[1], def.Top, def.Bottom, def.Output, f)
	case KindRate:
		axis := def.Axis
		if axis == "" {
			axis = model.ColumnDate
		}
		return Rate(inputs[0], def.Data, axis, def.Output, f)
	}
	return nil, eris.Errorf("pipeline: unknown kind %q", def.Kind)
}

func scopeValues(m map[string]string) []cache.ScopeValue {
	out := make([]cache.ScopeValue, 0, len(m))
	for k, v := range m {
		out = append(out, cache.ScopeValue{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
