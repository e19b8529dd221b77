package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/db"
	"github.com/sells-group/census-cli/internal/download"
)

// PostgresLedger implements Ledger using pgxpool.
type PostgresLedger struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_run": `INSERT INTO runs (id, selection, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"finish_run": `UPDATE runs SET status = $1, total = $2, cached = $3, fetched = $4, failed = $5, updated_at = $6 WHERE id = $7`,
	"get_run":    `SELECT ` + pgRunColumns + ` FROM runs WHERE id = $1`,
}

const pgRunColumns = `id, selection, status, total, cached, fetched, failed, created_at, updated_at`

// keyColumns are the run_keys columns in NewKeyRecord field order.
var keyColumns = []string{
	"run_id", "key_id", "table_id", "geography", "year", "estimate", "scope",
	"state", "row_count", "error", "duration_ms", "updated_at",
}

// NewPostgres creates a PostgresLedger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresLedger{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	selection  JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	total      INTEGER NOT NULL DEFAULT 0,
	cached     INTEGER NOT NULL DEFAULT 0,
	fetched    INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	duration_ms BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, key_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_keys_state ON run_keys(run_id, state);
`

func (s *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresLedger) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresLedger) CreateRun(ctx context.Context, sel download.Selection) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	rec := NewSelectionRecord(sel)

	selJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal selection")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, selection, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, selJSON, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:        id,
		Selection: rec,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresLedger) RecordOutcomes(ctx context.Context, runID string, outcomes []download.Outcome) error {
	now := time.Now().UTC()
	rows := make([][]any, len(outcomes))
	for i, o := range outcomes {
		r := NewKeyRecord(runID, o, now)
		rows[i] = []any{
			r.RunID, r.KeyID, r.Table, r.Geography, r.Year, r.Estimate, r.Scope,
			r.State, r.Rows, r.Error, r.DurationMs, r.UpdatedAt,
		}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "run_keys",
		Columns:      keyColumns,
		ConflictKeys: []string{"run_id", "key_id"},
		UpdateCols:   []string{"state", "row_count", "error", "duration_ms", "updated_at"},
	}, rows)
	return eris.Wrapf(err, "postgres: record outcomes of %s", runID)
}

func (s *PostgresLedger) FinishRun(ctx context.Context, runID string, p download.Progress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, total = $2, cached = $3, fetched = $4, failed = $5, updated_at = $6 WHERE id = $7`,
		string(StatusFor(p)), p.Total, p.Cached, p.Fetched, p.Failed, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return &RunNotFoundError{ID: runID}
	}
	return nil
}

func (s *PostgresLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`,
		runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &RunNotFoundError{ID: runID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresLedger) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresLedger) ListKeys(ctx context.Context, runID, state string) ([]KeyRecord, error) {
	query := `SELECT run_id, key_id, table_id, geography, year, estimate, scope, state, row_count, error, duration_ms, updated_at
		FROM run_keys WHERE run_id = $1`
	args := []any{runID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY table_id, year, key_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list keys of %s", runID)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var k KeyRecord
		if err := rows.Scan(&k.RunID, &k.KeyID, &k.Table, &k.Geography, &k.Year, &k.Estimate,
			&k.Scope, &k.State, &k.Rows, &k.Error, &k.DurationMs, &k.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list keys iterate")
}

func scanPgRun(row pgx.Row) (*Run, error) {
	var r Run
	var selJSON []byte
	if err := row.Scan(&r.ID, &selJSON, &r.Status, &r.Total, &r.Cached, &r.Fetched, &r.Failed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(selJSON, &r.Selection); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal selection")
	}
	return &r, nil
}
