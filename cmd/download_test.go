package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-cli/internal/config"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/store"
)

// fakeAPI answers group queries for one state per request and fails state 02.
func fakeAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		switch q.Get("for") {
		case "state:02":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "state:48":
			_, _ = w.Write([]byte(`[["NAME","B19001_001E","state"],["Texas","9000000","48"]]`))
		case "state:06":
			_, _ = w.Write([]byte(`[["NAME","B19001_001E","state"],["California","13000000","06"]]`))
		default:
			http.Error(w, "unknown geography", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		API: config.APIConfig{
			BaseURL:           baseURL,
			Estimate:          5,
			TimeoutSecs:       5,
			RequestsPerSecond: 100,
		},
		Cache:    config.CacheConfig{Root: t.TempDir(), Extension: "csv"},
		Download: config.DownloadConfig{Workers: 2, CancelPolicy: "abandon"},
		Retry:    config.RetryConfig{MaxAttempts: 1},
		Store:    config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "runs.db")},
	}
}

func TestInitEnv_ValidatesConfig(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1")
	c.Download.Workers = 0
	_, err := initEnv(context.Background(), c, "download", envOptions{})
	assert.Error(t, err)
}

func TestInitEnv_SkipsLedger(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1")
	c.Store.Driver = "none"
	env, err := initEnv(context.Background(), c, "download", envOptions{})
	require.NoError(t, err)
	defer env.Close()
	assert.Nil(t, env.Ledger)

	c = testConfig(t, "http://127.0.0.1")
	env, err = initEnv(context.Background(), c, "download", envOptions{SkipLedger: true})
	require.NoError(t, err)
	defer env.Close()
	assert.Nil(t, env.Ledger)
}

func TestSelectionFlags(t *testing.T) {
	env, err := initEnv(context.Background(), testConfig(t, "http://127.0.0.1"), "download", envOptions{SkipLedger: true})
	require.NoError(t, err)
	defer env.Close()

	f := selectionFlags{
		tables:      []string{"B19001"},
		geographies: []string{"state=48|county=*"},
		years:       []int{2018, 2019},
		scope:       []string{"tenure=owner"},
	}
	sel, err := f.selection(context.Background(), env.Registry, env.Resolver, 5)
	require.NoError(t, err)
	require.NoError(t, sel.Validate())
	assert.Equal(t, 5, sel.Estimate)
	require.Len(t, sel.Geographies, 1)
	assert.Equal(t, "state=48|county=*", sel.Geographies[0].String())
	require.Len(t, sel.Scope, 1)
	assert.Equal(t, "tenure", sel.Scope[0].Name)
	assert.Len(t, download.Expand(sel), 2)

	f.geographies = []string{"galaxy=1"}
	_, err = f.selection(context.Background(), env.Registry, env.Resolver, 5)
	assert.Error(t, err)

	f.geographies = nil
	f.scope = []string{"tenure"}
	_, err = f.selection(context.Background(), env.Registry, env.Resolver, 5)
	assert.Error(t, err)
}

func TestExecuteDownload_RecordsAndRetriesFailedKeys(t *testing.T) {
	srv, hits := fakeAPI(t)
	c := testConfig(t, srv.URL)

	ctx := context.Background()
	env, err := initEnv(ctx, c, "download", envOptions{})
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Ledger)

	f := selectionFlags{
		tables:      []string{"B19001"},
		geographies: []string{"state=48", "state=02"},
		years:       []int{2019},
	}
	sel, err := f.selection(ctx, env.Registry, env.Resolver, c.API.Estimate)
	require.NoError(t, err)

	res, runID, err := executeDownload(ctx, env, sel, download.Expand(sel), 0)
	require.NoError(t, err, "a partial run is not an error")
	require.NotEmpty(t, runID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "state=02", res.Failed[0].Key.Geography.String())
	require.NotNil(t, res.Table)
	assert.Equal(t, 1, res.Table.Len())

	run, err := env.Ledger.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPartial, run.Status)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 1, run.Fetched)
	assert.Equal(t, 1, run.Failed)

	var summary bytes.Buffer
	formatDownloadSummary(&summary, runID, res)
	assert.Contains(t, summary.String(), "state=02")
	assert.Contains(t, summary.String(), "--retry-run "+runID)

	retrySel, keys, err := failedKeys(ctx, env, runID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "state=02", keys[0].Geography.String())
	assert.Equal(t, []string{"B19001"}, retrySel.Tables)

	before := hits.Load()
	res, _, err = executeDownload(ctx, env, retrySel, keys, 0)
	require.Error(t, err, "every key failed again")
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, before+1, hits.Load(), "only the failed key is fetched")
}

func TestExecuteDownload_ServesFromCache(t *testing.T) {
	srv, hits := fakeAPI(t)
	c := testConfig(t, srv.URL)
	c.Store.Driver = "none"

	ctx := context.Background()
	env, err := initEnv(ctx, c, "download", envOptions{})
	require.NoError(t, err)
	defer env.Close()

	f := selectionFlags{tables: []string{"B19001"}, geographies: []string{"state=48", "state=06"}, years: []int{2019}}
	sel, err := f.selection(ctx, env.Registry, env.Resolver, 5)
	require.NoError(t, err)
	keys := download.Expand(sel)

	res, runID, err := executeDownload(ctx, env, sel, keys, 0)
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Equal(t, 2, download.Tally(res.Outcomes).Fetched)
	assert.EqualValues(t, 2, hits.Load())

	res, _, err = executeDownload(ctx, env, sel, keys, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, download.Tally(res.Outcomes).Cached)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, 2, res.Table.Len())
}

func TestFailedKeys_NeedsLedger(t *testing.T) {
	_, _, err := failedKeys(context.Background(), &censusEnv{}, "run-1")
	assert.Error(t, err)
}
