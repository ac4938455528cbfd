// Package store persists runs, schedules, assessments, and the sink
// dead-letter queue behind a single interface with SQLite and Postgres
// implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DLQEntry is a sink write that failed after retries and is parked for
// a later delivery cycle.
type DLQEntry struct {
	ID          string    `json:"id"`
	NoticeID    string    `json:"notice_id"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunLogEntry is one structured log line scoped to a run, persisted so
// operators can query a run's history after the process exits.
type RunLogEntry struct {
	ID      string         `json:"id"`
	RunID   string         `json:"run_id"`
	Level   string         `json:"level"` // debug, info, warn, error
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// logLevelRank orders severities for min-level filtering.
var logLevelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// Store defines the persistence interface for the discovery pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	SaveRunCounters(ctx context.Context, runID string, snap model.CounterSnapshot) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	UpdateSchedule(ctx context.Context, s *model.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context) ([]model.Schedule, error)
	TouchSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// Assessments: the durable audit copy. HasAssessment backs the
	// dedup engine when its in-memory cache is cold.
	SaveAssessment(ctx context.Context, a *model.Assessment) error
	HasAssessment(ctx context.Context, noticeID string) (bool, error)
	ListAssessments(ctx context.Context, runID string) ([]model.Assessment, error)
	SaveScreeningOutcomes(ctx context.Context, runID string, outs []model.ScreeningOutcome) error

	// Dead-letter queue for failed sink writes.
	EnqueueDLQ(ctx context.Context, entry DLQEntry) error
	DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error)
	DeleteDLQ(ctx context.Context, ids []string) error

	// Run-scoped logs.
	AppendRunLogs(ctx context.Context, entries []RunLogEntry) error
	ListRunLogs(ctx context.Context, runID, minLevel string, limit int) ([]RunLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
