// Package store keeps a ledger of download runs and the outcome of every key
// so failed keys can be listed and retried later.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/geo"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// StatusFor maps a finished run's counts to its status.
func StatusFor(p download.Progress) RunStatus {
	switch {
	case p.Failed == 0:
		return RunStatusComplete
	case p.Failed == p.Total:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// SelectionRecord is the stored form of a selection. Geographies are kept in
// canonical string form.
type SelectionRecord struct {
	Tables      []string           `json:"tables"`
	Geographies []string           `json:"geographies"`
	Years       []int              `json:"years"`
	Estimate    int                `json:"estimate"`
	Scope       []cache.ScopeValue `json:"scope,omitempty"`
}

// NewSelectionRecord captures sel for storage.
func NewSelectionRecord(sel download.Selection) SelectionRecord {
	geos := make([]string, len(sel.Geographies))
	for i, g := range sel.Geographies {
		geos[i] = g.String()
	}
	return SelectionRecord{
		Tables:      sel.Tables,
		Geographies: geos,
		Years:       sel.Years,
		Estimate:    sel.Estimate,
		Scope:       sel.Scope,
	}
}

// Selection parses the stored geographies back into a selection.
func (r SelectionRecord) Selection(reg *geo.Registry) (download.Selection, error) {
	geos := make([]geo.Address, len(r.Geographies))
	for i, g := range r.Geographies {
		a, err := reg.Parse(g)
		if err != nil {
			return download.Selection{}, eris.Wrap(err, "store: stored selection")
		}
		geos[i] = a
	}
	return download.Selection{
		Tables:      r.Tables,
		Geographies: geos,
		Years:       r.Years,
		Estimate:    r.Estimate,
		Scope:       r.Scope,
	}, nil
}

// Run is one recorded download.
type Run struct {
	ID        string          `json:"id"`
	Selection SelectionRecord `json:"selection"`
	Status    RunStatus       `json:"status"`
	Total     int             `json:"total"`
	Cached    int             `json:"cached"`
	Fetched   int             `json:"fetched"`
	Failed    int             `json:"failed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// KeyRecord is the last recorded outcome of one key within a run.
type KeyRecord struct {
	RunID      string    `json:"run_id"`
	KeyID      string    `json:"key_id"`
	Table      string    `json:"table"`
	Geography  string    `json:"geography"`
	Year       int       `json:"year"`
	Estimate   int       `json:"estimate"`
	Scope      string    `json:"scope,omitempty"`
	State      string    `json:"state"`
	Rows       int       `json:"rows"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewKeyRecord flattens an outcome for storage.
func NewKeyRecord(runID string, o download.Outcome, now time.Time) KeyRecord {
	rec := KeyRecord{
		RunID:      runID,
		KeyID:      o.Key.ID(),
		Table:      o.Key.Table,
		Geography:  o.Key.Geography.String(),
		Year:       o.Key.Year,
		Estimate:   o.Key.Estimate,
		Scope:      o.Key.ScopeString(),
		State:      o.State.String(),
		Rows:       o.Rows,
		DurationMs: o.Duration.Milliseconds(),
		UpdatedAt:  now,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// Key rebuilds the cache key the record was made from.
func (k KeyRecord) Key(reg *geo.Registry) (cache.Key, error) {
	addr, err := reg.Parse(k.Geography)
	if err != nil {
		return cache.Key{}, eris.Wrapf(err, "store: key %s", k.KeyID)
	}
	scope, err := cache.ParseScope(k.Scope)
	if err != nil {
		return cache.Key{}, eris.Wrapf(err, "store: key %s", k.KeyID)
	}
	return cache.NewKey(k.Table, addr, k.Year, k.Estimate, scope...), nil
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// RunNotFoundError reports an unknown run id.
type RunNotFoundError struct {
	ID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("store: run not found: %s", e.ID)
}

// Ledger persists runs and per-key outcomes.
type Ledger interface {
	CreateRun(ctx context.Context, sel download.Selection) (*Run, error)
	// RecordOutcomes stores the outcomes of a run's keys. Recording a key
	// again replaces its previous outcome.
	RecordOutcomes(ctx context.Context, runID string, outcomes []download.Outcome) error
	// FinishRun stores the final counts and derives the status from them.
	FinishRun(ctx context.Context, runID string, p download.Progress) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	// ListKeys returns a run's key records ordered by table, year and key
	// id, optionally only those in state.
	ListKeys(ctx context.Context, runID, state string) ([]KeyRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// RecordResult stores a finished run's outcomes and its final counts.
func RecordResult(ctx context.Context, l Ledger, runID string, outcomes []download.Outcome) error {
	if err := l.RecordOutcomes(ctx, runID, outcomes); err != nil {
		return err
	}
	return l.FinishRun(ctx, runID, download.Tally(outcomes))
}

// Open connects to the ledger named by driver and migrates it.
func Open(ctx context.Context, driver, dsn string) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch driver {
	case "sqlite":
		l, err = NewSQLite(dsn)
	case "postgres":
		l, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
