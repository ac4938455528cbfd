// Package lifecycle tracks qualified opportunities across runs and
// moves them between active and archive destinations as deadlines pass.
package lifecycle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/sink"
)

// StatusFor derives the lifecycle status of a tracked opportunity from
// its deadline relative to now. An opportunity marked won is completed
// regardless of deadline. No deadline means the notice never expires on
// its own and stays active.
func StatusFor(tracked model.TrackedOpportunity, now time.Time, expiringWindow time.Duration) model.LifecycleStatus {
	if tracked.MarkedWon {
		return model.StatusCompleted
	}
	if tracked.Deadline == nil {
		return model.StatusActive
	}

	deadline := *tracked.Deadline
	switch {
	case !deadline.After(now):
		return model.StatusExpired
	case deadline.Sub(now) <= expiringWindow:
		return model.StatusExpiring
	default:
		return model.StatusActive
	}
}

// archiveDest maps a terminal status onto its archive destination.
// Non-terminal statuses return "" and stay where they are.
func archiveDest(status model.LifecycleStatus) model.Destination {
	switch status {
	case model.StatusExpired:
		return model.DestExpired
	case model.StatusCompleted:
		return model.DestCompleted
	default:
		return ""
	}
}

// Tracker sweeps the active destinations and archives opportunities
// whose deadlines have passed or that operators marked won.
type Tracker struct {
	sink           sink.Sink
	expiringWindow time.Duration
	nowFunc        func() time.Time
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
	Expiring  int `json:"expiring"`
	Errors    int `json:"errors"`
}

// NewTracker builds a Tracker over the given sink.
func NewTracker(s sink.Sink, expiringWindow time.Duration) *Tracker {
	return &Tracker{
		sink:           s,
		expiringWindow: expiringWindow,
		nowFunc:        time.Now,
	}
}

// Sweep walks the qualified and maybe destinations once, archiving
// anything expired or completed. Archive failures are counted and
// logged but do not stop the sweep; the item is retried next tick.
func (t *Tracker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := t.nowFunc().UTC()

	for _, dest := range []model.Destination{model.DestQualified, model.DestMaybe} {
		tracked, err := t.sink.ListTracked(ctx, dest)
		if err != nil {
			return res, eris.Wrap(err, "lifecycle: list tracked")
		}
		res.Scanned += len(tracked)

		for _, item := range tracked {
			status := StatusFor(item, now, t.expiringWindow)
			if status == model.StatusExpiring {
				res.Expiring++
				continue
			}

			to := archiveDest(status)
			if to == "" {
				continue
			}

			if err := t.sink.Archive(ctx, item.NoticeID, dest, to); err != nil {
				res.Errors++
				zap.L().Warn("archive failed",
					zap.String("notice_id", item.NoticeID),
					zap.String("from", string(dest)),
					zap.String("to", string(to)),
					zap.Error(err),
				)
				continue
			}

			switch status {
			case model.StatusExpired:
				res.Expired++
			case model.StatusCompleted:
				res.Completed++
			}
		}
	}

	zap.L().Info("lifecycle sweep complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("expired", res.Expired),
		zap.Int("completed", res.Completed),
		zap.Int("expiring", res.Expiring),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// Loop runs Sweep on the given interval until ctx is cancelled. An
// immediate first sweep runs before the first tick.
func (t *Tracker) Loop(ctx context.Context, interval time.Duration) {
	if _, err := t.Sweep(ctx); err != nil {
		zap.L().Error("lifecycle sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				zap.L().Error("lifecycle sweep failed", zap.Error(err))
			}
		}
	}
}
