package model

import (
	"sync/atomic"
	"time"
)

// RunStatus represents the current state of a discovery run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunMode selects a preset of concurrency and volume limits.
type RunMode string

const (
	ModeTest     RunMode = "test"
	ModeNormal   RunMode = "normal"
	ModeOverkill RunMode = "overkill"
)

// RunConfig is the immutable configuration snapshot a run starts with.
type RunConfig struct {
	Mode           RunMode       `json:"mode"`
	Keywords       []string      `json:"keywords,omitempty"`
	NAICSCodes     []string      `json:"naics_codes,omitempty"`
	PostedFrom     time.Time     `json:"posted_from"`
	PostedTo       time.Time     `json:"posted_to"`
	MaxItems       int           `json:"max_items"`
	ScreenWorkers  int           `json:"screen_workers,omitempty"`
	AnalyzeWorkers int           `json:"analyze_workers,omitempty"`
	TimeBudget     time.Duration `json:"time_budget,omitempty"`
}

// Run is one execution of the discovery-to-assessment pipeline. Owned
// exclusively by the orchestrator; only the counters mutate after
// creation.
type Run struct {
	ID         string       `json:"id"`
	Status     RunStatus    `json:"status"`
	Config     RunConfig    `json:"config"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	Counters   *RunCounters `json:"-"`
}

// RunCounters tracks live run progress. All fields are updated
// atomically and never decrease.
type RunCounters struct {
	found     atomic.Int64
	processed atomic.Int64
	qualified atomic.Int64
	maybe     atomic.Int64
	rejected  atomic.Int64
	errors    atomic.Int64
}

// NewRunCounters returns a zeroed counter set.
func NewRunCounters() *RunCounters { return &RunCounters{} }

func (c *RunCounters) AddFound(n int) { c.found.Add(int64(n)) }
func (c *RunCounters) IncProcessed()  { c.processed.Add(1) }
func (c *RunCounters) IncErrors()     { c.errors.Add(1) }

// IncLevel bumps the counter matching a qualification band.
func (c *RunCounters) IncLevel(level QualificationLevel) {
	switch level {
	case LevelQualified:
		c.qualified.Add(1)
	case LevelMaybe:
		c.maybe.Add(1)
	case LevelRejected:
		c.rejected.Add(1)
	}
}

// CounterSnapshot is an immutable point-in-time copy of run counters.
type CounterSnapshot struct {
	Found     int64 `json:"found"`
	Processed int64 `json:"processed"`
	Qualified int64 `json:"qualified"`
	Maybe     int64 `json:"maybe"`
	Rejected  int64 `json:"rejected"`
	Errors    int64 `json:"errors"`
}

// Snapshot copies the current counter values.
func (c *RunCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Found:     c.found.Load(),
		Processed: c.processed.Load(),
		Qualified: c.qualified.Load(),
		Maybe:     c.maybe.Load(),
		Rejected:  c.rejected.Load(),
		Errors:    c.errors.Load(),
	}
}

// Restore sets counters from a persisted snapshot. Used when rehydrating
// a run from the store; not safe for concurrent use with writers.
func (c *RunCounters) Restore(s CounterSnapshot) {
	c.found.Store(s.Found)
	c.processed.Store(s.Processed)
	c.qualified.Store(s.Qualified)
	c.maybe.Store(s.Maybe)
	c.rejected.Store(s.Rejected)
	c.errors.Store(s.Errors)
}

// ProgressEvent is one snapshot published to progress subscribers.
type ProgressEvent struct {
	RunID    string          `json:"run_id"`
	Status   RunStatus       `json:"status"`
	Counters CounterSnapshot `json:"counters"`
	At       time.Time       `json:"at"`
}
