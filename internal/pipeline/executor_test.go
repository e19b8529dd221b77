package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/model"
)

type fakeFeeder struct {
	tables map[string]*model.Table
	calls  map[string]int
}

func (f *fakeFeeder) Feed(_ context.Context, table string, _ []cache.ScopeValue) (*model.Table, error) {
	f.calls[table]++
	t, ok := f.tables[table]
	if !ok {
		return nil, errors.New("no such table")
	}
	return t.Clone(), nil
}

func testFeeder() *fakeFeeder {
	income := model.NewTable("geography", "income", "households", "date")
	income.Append("state=48", "100", "50", "2019")
	income.Append("state=48", "200", "50", "2019")
	income.Append("state=48", "100", "60", "2020")
	income.Append("state=48", "200", "60", "2020")

	agg := model.NewTable("geography", "aggincome", "date")
	agg.Append("state=48", "10000", "2019")
	agg.Append("state=48", "13200", "2020")

	return &fakeFeeder{
		tables: map[string]*model.Table{"B19001": income, "B19025": agg},
		calls:  make(map[string]int),
	}
}

func newTestExecutor(t *testing.T, f Feeder) *Executor {
	t.Helper()
	defs, err := ParseDefinitions([]byte(pipelinesYAML))
	require.NoError(t, err)
	e, err := NewExecutor(defs, f)
	require.NoError(t, err)
	return e
}

func TestExecutor_Rebin(t *testing.T) {
	e := newTestExecutor(t, testFeeder())

	out, err := e.Run(context.Background(), "hh_income_rebinned")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"state=48", "150", "75", "2019"},
		{"state=48", "200", "25", "2019"},
		{"state=48", "150", "90", "2020"},
		{"state=48", "200", "30", "2020"},
	}, out.Rows)
}

func TestExecutor_RatioAndRateShareFeeds(t *testing.T) {
	f := testFeeder()
	e := newTestExecutor(t, f)

	avg, err := e.Run(context.Background(), "avg_income")
	require.NoError(t, err)
	assert.Equal(t, []string{"geography", "avgincome", "date"}, avg.Columns)
	assert.Equal(t, []string{"100", "110"}, avg.Column("avgincome"))

	rate, err := e.Run(context.Background(), "avg_income_rate")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"state=48", "10", "2020"}}, rate.Rows)

	_, err = e.Run(context.Background(), "hh_income_rebinned")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls["B19001"], "feeds are evaluated once")
	assert.Equal(t, 1, f.calls["B19025"])
}

func TestExecutor_Errors(t *testing.T) {
	e := newTestExecutor(t, &fakeFeeder{tables: map[string]*model.Table{}, calls: map[string]int{}})

	_, err := e.Run(context.Background(), "nope")
	assert.Error(t, err)

	_, err = e.Run(context.Background(), "hh")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestExecutor(t, testFeeder()).Run(ctx, "hh")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewExecutor(Definitions{"a": {ID: "a", Kind: "average"}}, nil)
	assert.Error(t, err)

	noFeeder, err := NewExecutor(Definitions{"a": {ID: "a", Kind: KindFeed}}, nil)
	require.NoError(t, err)
	_, err = noFeeder.Run(context.Background(), "a")
	assert.Error(t, err)
}

func TestDownloadFeeder(t *testing.T) {
	reg := geo.DefaultRegistry()
	var seen []cache.Key
	src := download.SourceFunc(func(_ context.Context, key cache.Key) (*model.Table, error) {
		seen = append(seen, key)
		tb := model.NewTable("geography", "value", "tenure", "date")
		tb.Append(key.Geography.String(), "1", key.Scope[0].Value, "2019")
		return tb, nil
	})
	d := download.New(src, cache.New(t.TempDir(), "csv"), download.Options{Workers: 1})
	f := &DownloadFeeder{Downloader: d, Selection: download.Selection{
		Geographies: []geo.Address{reg.MustParse("state=48"), reg.MustParse("state=06")},
		Years:       []int{2019},
	}}

	out, err := f.Feed(context.Background(), "B25003", []cache.ScopeValue{{Name: "tenure", Value: "owner"}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	require.Len(t, seen, 2)
	assert.Equal(t, "B25003", seen[0].Table)
	assert.Equal(t, 5, seen[0].Estimate)
	assert.Equal(t, []string{"owner", "owner"}, out.Column("tenure"))

	_, err = (&DownloadFeeder{Downloader: d}).Feed(context.Background(), "B25003", nil)
	assert.Error(t, err)
}
