package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: sqlite serializes writers anyway, and a pool of
	// connections to :memory: would each see a different database.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	config      TEXT NOT NULL,
	counters    TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS schedules (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cron_expr  TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	config     TEXT NOT NULL,
	last_run   DATETIME,
	next_run   DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
	id         TEXT PRIMARY KEY,
	notice_id  TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	level      TEXT NOT NULL,
	score      INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS screening_outcomes (
	notice_id TEXT NOT NULL,
	run_id    TEXT NOT NULL,
	stage     TEXT NOT NULL,
	score     INTEGER NOT NULL,
	passed    INTEGER NOT NULL,
	rationale TEXT,
	model     TEXT,
	at        DATETIME NOT NULL,
	PRIMARY KEY (notice_id, run_id, stage)
);

CREATE TABLE IF NOT EXISTS sink_dlq (
	id          TEXT PRIMARY KEY,
	notice_id   TEXT NOT NULL,
	destination TEXT NOT NULL,
	payload     BLOB NOT NULL,
	reason      TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_logs (
	id      TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	fields  TEXT,
	at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_assessments_notice ON assessments(notice_id);
CREATE INDEX IF NOT EXISTS idx_assessments_run ON assessments(run_id);
CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_sink_dlq_created ON sink_dlq(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, config, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Status), string(cfgJSON), run.StartedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	var finishedAt any
	if status.Terminal() {
		finishedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(status), errMsg, finishedAt, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SaveRunCounters(ctx context.Context, runID string, snap model.CounterSnapshot) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET counters = ? WHERE id = ?`,
		string(snapJSON), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save counters %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, config, counters, error, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, config, counters, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Schedules

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	cfgJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal schedule config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, enabled, config, next_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.CronExpr, sched.Enabled, string(cfgJSON),
		sched.NextRun, sched.CreatedAt, sched.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert schedule")
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	cfgJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal schedule config")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name = ?, cron_expr = ?, enabled = ?, config = ?, next_run = ?, updated_at = ?
		 WHERE id = ?`,
		sched.Name, sched.CronExpr, sched.Enabled, string(cfgJSON),
		sched.NextRun, time.Now().UTC(), sched.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update schedule %s", sched.ID)
	}
	return checkRowsAffected(res, "schedule", sched.ID)
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete schedule %s", id)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, enabled, config, last_run, next_run, created_at, updated_at
		 FROM schedules WHERE id = ?`,
		id,
	)
	return scanSchedule(row)
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, enabled, config, last_run, next_run, created_at, updated_at
		 FROM schedules ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list schedules")
	}
	defer rows.Close()

	var scheds []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, *sc)
	}
	return scheds, eris.Wrap(rows.Err(), "sqlite: list schedules iterate")
}

func (s *SQLiteStore) TouchSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		nullableTime(lastRun), nextRun, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch schedule %s", id)
	}
	return checkRowsAffected(res, "schedule", id)
}

// Assessments

func (s *SQLiteStore) SaveAssessment(ctx context.Context, a *model.Assessment) error {
	body, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal assessment")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessments (id, notice_id, run_id, level, score, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.NoticeID, a.RunID, string(a.Level), a.Score, string(body), a.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert assessment %s", a.NoticeID)
}

func (s *SQLiteStore) HasAssessment(ctx context.Context, noticeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM assessments WHERE notice_id = ? LIMIT 1`, noticeID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has assessment %s", noticeID)
	}
	return true, nil
}

func (s *SQLiteStore) ListAssessments(ctx context.Context, runID string) ([]model.Assessment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM assessments WHERE run_id = ? ORDER BY created_at`, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assessments")
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assessment")
		}
		var a model.Assessment
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal assessment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assessments iterate")
}

func (s *SQLiteStore) SaveScreeningOutcomes(ctx context.Context, runID string, outs []model.ScreeningOutcome) error {
	if len(outs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO screening_outcomes (notice_id, run_id, stage, score, passed, rationale, model, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare outcomes insert")
	}
	defer stmt.Close()

	for _, o := range outs {
		if _, err := stmt.ExecContext(ctx,
			o.NoticeID, runID, string(o.Stage), o.Score, o.Passed, o.Rationale, o.Model, o.Timestamp,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert outcome %s", o.NoticeID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit outcomes")
}

// DLQ

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sink_dlq (id, notice_id, destination, payload, reason, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.NoticeID, entry.Destination, entry.Payload, entry.Reason, entry.Attempts, entry.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", entry.NoticeID)
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notice_id, destination, payload, reason, attempts, created_at
		 FROM sink_dlq ORDER BY created_at LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.NoticeID, &e.Destination, &e.Payload, &e.Reason, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sink_dlq WHERE id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete dlq %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit dlq delete")
}

// Run logs

func (s *SQLiteStore) AppendRunLogs(ctx context.Context, entries []RunLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_logs (id, run_id, level, message, fields, at) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare log insert")
	}
	defer stmt.Close()

	for _, e := range entries {
		var fieldsJSON []byte
		if e.Fields != nil {
			fieldsJSON, err = json.Marshal(e.Fields)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal log fields")
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.RunID, e.Level, e.Message, string(fieldsJSON), e.At); err != nil {
			return eris.Wrap(err, "sqlite: insert run log")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit run logs")
}

func (s *SQLiteStore) ListRunLogs(ctx context.Context, runID, minLevel string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, level, message, fields, at FROM run_logs WHERE run_id = ? ORDER BY at LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run logs")
	}
	defer rows.Close()

	minRank := logLevelRank[minLevel]
	var entries []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		var fieldsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &fieldsJSON, &e.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run log")
		}
		if logLevelRank[e.Level] < minRank {
			continue
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal log fields")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list run logs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// nullableTime maps the zero time onto SQL NULL so "never" round-trips
// as a nil pointer.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var cfgJSON string
	var countersJSON, errMsg sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.Status, &cfgJSON, &countersJSON, &errMsg, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run config")
	}
	if countersJSON.Valid && countersJSON.String != "" {
		var snap model.CounterSnapshot
		if err := json.Unmarshal([]byte(countersJSON.String), &snap); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal counters")
		}
		r.Counters = model.NewRunCounters()
		r.Counters.Restore(snap)
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func scanSchedule(row scannable) (*model.Schedule, error) {
	var sc model.Schedule
	var cfgJSON string
	var lastRun, nextRun sql.NullTime

	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Enabled, &cfgJSON,
		&lastRun, &nextRun, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("schedule not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan schedule")
	}

	if err := json.Unmarshal([]byte(cfgJSON), &sc.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal schedule config")
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRun = &t
	}
	return &sc, nil
}
