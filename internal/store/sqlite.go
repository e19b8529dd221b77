package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/census-cli/internal/download"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	selection  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	total      INTEGER NOT NULL DEFAULT 0,
	cached     INTEGER NOT NULL DEFAULT 0,
	fetched    INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_keys (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	key_id      TEXT NOT NULL,
	table_id    TEXT NOT NULL,
	geography   TEXT NOT NULL,
	year        INTEGER NOT NULL,
	estimate    INTEGER NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	row_count   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, key_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_keys_state ON run_keys(run_id, state);
`

func (s *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) CreateRun(ctx context.Context, sel download.Selection) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	rec := NewSelectionRecord(sel)

	selJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal selection")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, selection, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(selJSON), string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:        id,
		Selection: rec,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const sqliteUpsertKey = `
INSERT INTO run_keys (run_id, key_id, table_id, geography, year, estimate, scope, state, row_count, error, duration_ms, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, key_id) DO UPDATE SET
	state = excluded.state,
	row_count = excluded.row_count,
	error = excluded.error,
	duration_ms = excluded.duration_ms,
	updated_at = excluded.updated_at`

func (s *SQLiteLedger) RecordOutcomes(ctx context.Context, runID string, outcomes []download.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertKey)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare key upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, o := range outcomes {
		r := NewKeyRecord(runID, o, now)
		if _, err := stmt.ExecContext(ctx,
			r.RunID, r.KeyID, r.Table, r.Geography, r.Year, r.Estimate, r.Scope,
			r.State, r.Rows, r.Error, r.DurationMs, r.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: record key %s", r.KeyID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit outcomes")
}

func (s *SQLiteLedger) FinishRun(ctx context.Context, runID string, p download.Progress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, total = ?, cached = ?, fetched = ?, failed = ?, updated_at = ? WHERE id = ?`,
		string(StatusFor(p)), p.Total, p.Cached, p.Fetched, p.Failed, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

const sqliteRunColumns = `id, selection, status, total, cached, fetched, failed, created_at, updated_at`

func (s *SQLiteLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &RunNotFoundError{ID: runID}
	}
	return r, err
}

func (s *SQLiteLedger) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteLedger) ListKeys(ctx context.Context, runID, state string) ([]KeyRecord, error) {
	query := `SELECT run_id, key_id, table_id, geography, year, estimate, scope, state, row_count, error, duration_ms, updated_at
		FROM run_keys WHERE run_id = ?`
	args := []any{runID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY table_id, year, key_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list keys of %s", runID)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var k KeyRecord
		if err := rows.Scan(&k.RunID, &k.KeyID, &k.Table, &k.Geography, &k.Year, &k.Estimate,
			&k.Scope, &k.State, &k.Rows, &k.Error, &k.DurationMs, &k.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list keys iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &RunNotFoundError{ID: runID}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var selJSON string

	err := row.Scan(&r.ID, &selJSON, &r.Status, &r.Total, &r.Cached, &r.Fetched, &r.Failed, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(selJSON), &r.Selection); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal selection")
	}
	return &r, nil
}
