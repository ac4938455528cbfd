package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rfp-pipeline/internal/db"
	"github.com/sells-group/rfp-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests pass a pgxmock pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	config      JSONB NOT NULL,
	counters    JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS schedules (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cron_expr  TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	config     JSONB NOT NULL,
	last_run   TIMESTAMPTZ,
	next_run   TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
	id         TEXT PRIMARY KEY,
	notice_id  TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	level      TEXT NOT NULL,
	score      INTEGER NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS screening_outcomes (
	notice_id TEXT NOT NULL,
	run_id    TEXT NOT NULL,
	stage     TEXT NOT NULL,
	score     INTEGER NOT NULL,
	passed    BOOLEAN NOT NULL,
	rationale TEXT,
	model     TEXT,
	at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (notice_id, run_id, stage)
);

CREATE TABLE IF NOT EXISTS sink_dlq (
	id          TEXT PRIMARY KEY,
	notice_id   TEXT NOT NULL,
	destination TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	reason      TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_logs (
	id      TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	fields  JSONB,
	at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_assessments_notice ON assessments(notice_id);
CREATE INDEX IF NOT EXISTS idx_assessments_run ON assessments(run_id);
CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_sink_dlq_created ON sink_dlq(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, config, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Status), cfgJSON, run.StartedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	var finishedAt *time.Time
	if status.Terminal() {
		t := time.Now().UTC()
		finishedAt = &t
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, finished_at = COALESCE($3, finished_at) WHERE id = $4`,
		string(status), errMsg, finishedAt, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) SaveRunCounters(ctx context.Context, runID string, snap model.CounterSnapshot) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET counters = $1 WHERE id = $2`, snapJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save counters %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, config, counters, error, started_at, finished_at FROM runs WHERE id = $1`,
		runID,
	)
	return scanPGRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, config, counters, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Schedules

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	cfgJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal schedule config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedules (id, name, cron_expr, enabled, config, next_run, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sched.ID, sched.Name, sched.CronExpr, sched.Enabled, cfgJSON,
		sched.NextRun, sched.CreatedAt, sched.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert schedule")
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	cfgJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal schedule config")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET name = $1, cron_expr = $2, enabled = $3, config = $4, next_run = $5, updated_at = $6
		 WHERE id = $7`,
		sched.Name, sched.CronExpr, sched.Enabled, cfgJSON,
		sched.NextRun, time.Now().UTC(), sched.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update schedule %s", sched.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("schedule not found: %s", sched.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete schedule %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("schedule not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, cron_expr, enabled, config, last_run, next_run, created_at, updated_at
		 FROM schedules WHERE id = $1`,
		id,
	)
	return scanPGSchedule(row)
}

func (s *PostgresStore) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, cron_expr, enabled, config, last_run, next_run, created_at, updated_at
		 FROM schedules ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list schedules")
	}
	defer rows.Close()

	var scheds []model.Schedule
	for rows.Next() {
		sc, err := scanPGSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, *sc)
	}
	return scheds, eris.Wrap(rows.Err(), "postgres: list schedules iterate")
}

func (s *PostgresStore) TouchSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET last_run = $1, next_run = $2, updated_at = $3 WHERE id = $4`,
		nullableTime(lastRun), nextRun, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch schedule %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("schedule not found: %s", id)
	}
	return nil
}

// Assessments

func (s *PostgresStore) SaveAssessment(ctx context.Context, a *model.Assessment) error {
	body, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal assessment")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO assessments (id, notice_id, run_id, level, score, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.NoticeID, a.RunID, string(a.Level), a.Score, body, a.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert assessment %s", a.NoticeID)
}

func (s *PostgresStore) HasAssessment(ctx context.Context, noticeID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM assessments WHERE notice_id = $1 LIMIT 1`, noticeID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has assessment %s", noticeID)
	}
	return true, nil
}

func (s *PostgresStore) ListAssessments(ctx context.Context, runID string) ([]model.Assessment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM assessments WHERE run_id = $1 ORDER BY created_at`, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assessments")
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assessment")
		}
		var a model.Assessment
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal assessment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assessments iterate")
}

// SaveScreeningOutcomes bulk-upserts Stage A/B outcomes in one
// round trip. A re-run of the same notice in the same run overwrites
// the prior row instead of erroring.
func (s *PostgresStore) SaveScreeningOutcomes(ctx context.Context, runID string, outs []model.ScreeningOutcome) error {
	if len(outs) == 0 {
		return nil
	}

	rows := make([][]any, len(outs))
	for i, o := range outs {
		rows[i] = []any{o.NoticeID, runID, string(o.Stage), o.Score, o.Passed, o.Rationale, o.Model, o.Timestamp}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "screening_outcomes",
		Columns:      []string{"notice_id", "run_id", "stage", "score", "passed", "rationale", "model", "at"},
		ConflictKeys: []string{"notice_id", "run_id", "stage"},
	}, rows)
	return eris.Wrap(err, "postgres: save screening outcomes")
}

// DLQ

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sink_dlq (id, notice_id, destination, payload, reason, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.NoticeID, entry.Destination, entry.Payload, entry.Reason, entry.Attempts, entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", entry.NoticeID)
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, notice_id, destination, payload, reason, attempts, created_at
		 FROM sink_dlq ORDER BY created_at LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.NoticeID, &e.Destination, &e.Payload, &e.Reason, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sink_dlq WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: delete dlq")
}

// Run logs

// AppendRunLogs uses the COPY protocol: log batches are the highest
// write volume in the store.
func (s *PostgresStore) AppendRunLogs(ctx context.Context, entries []RunLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		var fieldsJSON []byte
		if e.Fields != nil {
			var err error
			fieldsJSON, err = json.Marshal(e.Fields)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal log fields")
			}
		}
		rows[i] = []any{e.ID, e.RunID, e.Level, e.Message, fieldsJSON, e.At}
	}

	_, err := db.CopyFrom(ctx, s.pool, "run_logs",
		[]string{"id", "run_id", "level", "message", "fields", "at"}, rows)
	return eris.Wrap(err, "postgres: append run logs")
}

func (s *PostgresStore) ListRunLogs(ctx context.Context, runID, minLevel string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, level, message, fields, at FROM run_logs WHERE run_id = $1 ORDER BY at LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run logs")
	}
	defer rows.Close()

	minRank := logLevelRank[minLevel]
	var entries []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		var fieldsJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &fieldsJSON, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run log")
		}
		if logLevelRank[e.Level] < minRank {
			continue
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal log fields")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list run logs iterate")
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPGRun(row pgScannable) (*model.Run, error) {
	var r model.Run
	var cfgJSON, countersJSON []byte
	var errMsg *string
	var finishedAt *time.Time

	err := row.Scan(&r.ID, &r.Status, &cfgJSON, &countersJSON, &errMsg, &r.StartedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if err := json.Unmarshal(cfgJSON, &r.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run config")
	}
	if len(countersJSON) > 0 {
		var snap model.CounterSnapshot
		if err := json.Unmarshal(countersJSON, &snap); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counters")
		}
		r.Counters = model.NewRunCounters()
		r.Counters.Restore(snap)
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	r.FinishedAt = finishedAt
	return &r, nil
}

func scanPGSchedule(row pgScannable) (*model.Schedule, error) {
	var sc model.Schedule
	var cfgJSON []byte

	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Enabled, &cfgJSON,
		&sc.LastRun, &sc.NextRun, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("schedule not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan schedule")
	}

	if err := json.Unmarshal(cfgJSON, &sc.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal schedule config")
	}
	return &sc, nil
}
