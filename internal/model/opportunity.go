// Package model defines the core domain types shared across the pipeline.
package model

import (
	"time"
)

// Opportunity is a single externally-published procurement notice.
// Immutable once ingested; source-specific fields live in Metadata.
type Opportunity struct {
	NoticeID    string         `json:"notice_id"`
	Title       string         `json:"title"`
	Agency      string         `json:"agency"`
	Description string         `json:"description"`
	NAICSCode   string         `json:"naics_code,omitempty"`
	PSCCode     string         `json:"psc_code,omitempty"`
	Type        string         `json:"type,omitempty"`
	PostedAt    time.Time      `json:"posted_at"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Link        string         `json:"link,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Stage identifies which classifier pass produced an outcome.
type Stage string

const (
	StageScreen  Stage = "A"
	StageAnalyze Stage = "B"
)

// ScreeningOutcome records the result of one classifier stage for one
// opportunity. A Stage B outcome exists only if Stage A passed.
type ScreeningOutcome struct {
	NoticeID  string    `json:"notice_id"`
	Stage     Stage     `json:"stage"`
	Score     int       `json:"score"`
	Passed    bool      `json:"passed"`
	Rationale string    `json:"rationale"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// QualificationLevel is the band derived from the Stage B score.
type QualificationLevel string

const (
	LevelQualified QualificationLevel = "qualified"
	LevelMaybe     QualificationLevel = "maybe"
	LevelRejected  QualificationLevel = "rejected"
)

// LevelForScore maps a 1-10 Stage B score onto a qualification band.
// Boundaries are fixed: 7-10 qualified, 4-6 maybe, 1-3 rejected.
// Ties at a boundary resolve to the lower band, which these half-open
// ranges already guarantee.
func LevelForScore(score int) QualificationLevel {
	switch {
	case score >= 7:
		return LevelQualified
	case score >= 4:
		return LevelMaybe
	default:
		return LevelRejected
	}
}

// Assessment is the full Stage B evaluation of an opportunity. Written
// exactly once per opportunity per run; reprocessing creates a new
// Assessment rather than mutating the old one.
type Assessment struct {
	ID                string             `json:"id"`
	NoticeID          string             `json:"notice_id"`
	RunID             string             `json:"run_id"`
	Level             QualificationLevel `json:"qualification_level"`
	Score             int                `json:"score"`
	Justification     string             `json:"justification"`
	KeyRequirements   []string           `json:"key_requirements"`
	Advantages        []string           `json:"advantages"`
	SuggestedApproach string             `json:"suggested_approach"`
	Model             string             `json:"model"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Errored reports whether this assessment is an error marker rather
// than a real evaluation.
func (a *Assessment) Errored() bool {
	return a.Error != ""
}

// Destination is a logical sink channel assessments are written to.
type Destination string

const (
	DestQualified Destination = "qualified"
	DestMaybe     Destination = "maybe"
	DestAudit     Destination = "audit"
	// DestExpired and DestCompleted are archive destinations managed by
	// the lifecycle tracker.
	DestExpired   Destination = "expired"
	DestCompleted Destination = "completed"
)

// DestinationForLevel returns the primary destination for a band.
// Every assessment additionally goes to DestAudit.
func DestinationForLevel(level QualificationLevel) Destination {
	switch level {
	case LevelQualified:
		return DestQualified
	case LevelMaybe:
		return DestMaybe
	default:
		return DestAudit
	}
}

// LifecycleStatus tracks an opportunity across runs, independent of any
// single discovery run.
type LifecycleStatus string

const (
	StatusNew       LifecycleStatus = "new"
	StatusActive    LifecycleStatus = "active"
	StatusExpiring  LifecycleStatus = "expiring"
	StatusExpired   LifecycleStatus = "expired"
	StatusCompleted LifecycleStatus = "completed"
	StatusArchived  LifecycleStatus = "archived"
)

// TrackedOpportunity is the slim view of a previously assessed
// opportunity the lifecycle tracker re-evaluates.
type TrackedOpportunity struct {
	NoticeID string          `json:"notice_id"`
	Title    string          `json:"title"`
	Deadline *time.Time      `json:"deadline,omitempty"`
	Status   LifecycleStatus `json:"status"`
	Score    int             `json:"score"`
	// MarkedWon is set externally by operators when the bid was won.
	MarkedWon bool `json:"marked_won"`
}

// CarryoverEntry is an opportunity deferred to a later run because the
// current run ran out of capacity. The full snapshot is carried because
// the source window may no longer return the notice.
type CarryoverEntry struct {
	Opportunity Opportunity `json:"opportunity"`
	RunID       string      `json:"run_id"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}
