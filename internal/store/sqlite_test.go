package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-cli/internal/download"
)

func newTestSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	l := newTestSQLiteLedger(t)
	assert.NoError(t, l.Migrate(context.Background()))
}

func TestSQLite_CreateAndGetRun(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, testSelection())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Equal(t, run.Selection, got.Selection)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	l := newTestSQLiteLedger(t)

	_, err := l.GetRun(context.Background(), "nope")
	var nf *RunNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
}

func TestSQLite_RecordOutcomesAndFinish(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, testSelection())
	require.NoError(t, err)

	outcomes := testOutcomes()
	require.NoError(t, l.RecordOutcomes(ctx, run.ID, outcomes))

	p := download.Progress{Total: len(outcomes), Fetched: len(outcomes) - 2, Cached: 1, Failed: 1}
	require.NoError(t, l.FinishRun(ctx, run.ID, p))

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, got.Status)
	assert.Equal(t, len(outcomes), got.Total)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, got.Cached)

	all, err := l.ListKeys(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, len(outcomes))

	failed, err := l.ListKeys(ctx, run.ID, download.Failed.String())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, outcomes[1].Key.ID(), failed[0].KeyID)
	assert.Equal(t, "status 500", failed[0].Error)

	k, err := failed[0].Key(reg)
	require.NoError(t, err)
	assert.Equal(t, outcomes[1].Key.ID(), k.ID())
}

func TestSQLite_RecordOutcomes_ReplacesPrevious(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, testSelection())
	require.NoError(t, err)

	outcomes := testOutcomes()
	require.NoError(t, l.RecordOutcomes(ctx, run.ID, outcomes))

	retried := outcomes[1]
	retried.State = download.Fetched
	retried.Err = nil
	retried.Rows = 7
	require.NoError(t, l.RecordOutcomes(ctx, run.ID, []download.Outcome{retried}))

	failed, err := l.ListKeys(ctx, run.ID, "failed")
	require.NoError(t, err)
	assert.Empty(t, failed)

	all, err := l.ListKeys(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, len(outcomes))
}

func TestSQLite_RecordOutcomes_Empty(t *testing.T) {
	l := newTestSQLiteLedger(t)
	assert.NoError(t, l.RecordOutcomes(context.Background(), "any", nil))
}

func TestSQLite_FinishRun_NotFound(t *testing.T) {
	l := newTestSQLiteLedger(t)

	err := l.FinishRun(context.Background(), "missing", download.Progress{})
	var nf *RunNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSQLite_ListRuns(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := l.CreateRun(ctx, testSelection())
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	require.NoError(t, l.FinishRun(ctx, ids[0], download.Progress{Total: 1, Fetched: 1}))

	all, err := l.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	complete, err := l.ListRuns(ctx, RunFilter{Status: RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, ids[0], complete[0].ID)

	page, err := l.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := l.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestOpen_SQLite(t *testing.T) {
	l, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.CreateRun(context.Background(), testSelection())
	assert.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestRecordResult(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	run, err := l.CreateRun(ctx, testSelection())
	require.NoError(t, err)
	require.NoError(t, RecordResult(ctx, l, run.ID, testOutcomes()))

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, got.Status)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 2, got.Fetched)
	assert.Equal(t, 1, got.Cached)
	assert.Equal(t, 1, got.Failed)
}
