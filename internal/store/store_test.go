package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/geo"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var reg = geo.DefaultRegistry()

func testSelection() download.Selection {
	return download.Selection{
		Tables:      []string{"B19001"},
		Geographies: []geo.Address{reg.MustParse("state=48|county=*"), reg.MustParse("state=06")},
		Years:       []int{2018, 2019},
		Estimate:    5,
		Scope:       []cache.ScopeValue{{Name: "tenure", Value: "owner"}},
	}
}

func testOutcomes() []download.Outcome {
	sel := testSelection()
	keys := download.Expand(sel)
	out := make([]download.Outcome, len(keys))
	for i, k := range keys {
		out[i] = download.Outcome{Key: k, State: download.Fetched, Rows: 10 + i, Duration: 250 * time.Millisecond}
	}
	out[1].State = download.Failed
	out[1].Rows = 0
	out[1].Err = errors.New("status 500")
	out[2].State = download.Cached
	return out
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, RunStatusComplete, StatusFor(download.Progress{Total: 3, Fetched: 3}))
	assert.Equal(t, RunStatusComplete, StatusFor(download.Progress{}))
	assert.Equal(t, RunStatusPartial, StatusFor(download.Progress{Total: 3, Fetched: 2, Failed: 1}))
	assert.Equal(t, RunStatusFailed, StatusFor(download.Progress{Total: 2, Failed: 2}))
}

func TestSelectionRecord_RoundTrip(t *testing.T) {
	sel := testSelection()
	rec := NewSelectionRecord(sel)
	assert.Equal(t, []string{"state=48|county=*", "state=06"}, rec.Geographies)

	back, err := rec.Selection(reg)
	require.NoError(t, err)
	assert.Equal(t, download.Expand(sel), download.Expand(back))
}

func TestSelectionRecord_BadGeography(t *testing.T) {
	rec := SelectionRecord{Tables: []string{"B19001"}, Geographies: []string{"state=texas"}, Years: []int{2019}}
	_, err := rec.Selection(reg)
	require.Error(t, err)
	var malformed *geo.MalformedAddressError
	assert.ErrorAs(t, err, &malformed)
}

func TestKeyRecord_RebuildsKey(t *testing.T) {
	o := testOutcomes()[1]
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewKeyRecord("run-1", o, now)

	assert.Equal(t, "failed", rec.State)
	assert.Equal(t, "status 500", rec.Error)
	assert.Equal(t, int64(250), rec.DurationMs)
	assert.Equal(t, "tenure=owner", rec.Scope)
	assert.Equal(t, now, rec.UpdatedAt)

	k, err := rec.Key(reg)
	require.NoError(t, err)
	assert.Equal(t, o.Key.ID(), k.ID())
}

func TestRunNotFoundError(t *testing.T) {
	var err error = &RunNotFoundError{ID: "abc"}
	assert.Equal(t, "store: run not found: abc", err.Error())
}
