// Package sink defines the collaborator contracts the pipeline writes
// through. Implementations live under pkg/ (Notion) and in tests.
package sink

import (
	"context"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// Sink is the destination store for assessments. Destinations are
// logical channels; one opportunity may be written to several (its band
// destination plus the audit trail).
type Sink interface {
	// Exists reports whether an assessment for the opportunity has
	// already been written to the destination.
	Exists(ctx context.Context, noticeID string, dest model.Destination) (bool, error)

	// Write persists an assessment to a destination.
	Write(ctx context.Context, a *model.Assessment, opp *model.Opportunity, dest model.Destination) error

	// Archive relabels an opportunity and moves it between archival
	// destinations. Records are never deleted.
	Archive(ctx context.Context, noticeID string, from, to model.Destination) error

	// ListTracked returns the non-archived opportunities previously
	// written to a destination, for lifecycle re-evaluation.
	ListTracked(ctx context.Context, dest model.Destination) ([]model.TrackedOpportunity, error)
}

// Notifier delivers run summaries and per-opportunity notifications.
// Fire-and-forget: failures are logged and never fail a run.
type Notifier interface {
	Send(ctx context.Context, summary string) error
}

// Source fetches candidate opportunities for a posted-date window.
// Must be idempotent for the same window.
type Source interface {
	Fetch(ctx context.Context, cfg model.RunConfig) ([]model.Opportunity, error)
}
