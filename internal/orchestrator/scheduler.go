package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

// ParseCron validates a standard five-field cron expression and returns
// its next firing after now. Day-of-week names and ranges are accepted,
// e.g. "0 17 * * TUE-SAT".
func ParseCron(expr string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "orchestrator: parse cron %q", expr)
	}
	return sched.Next(now), nil
}

// Scheduler polls stored schedules and triggers runs when they come
// due. One poll loop serves all schedules; a due schedule whose run
// cannot start because another run is active is skipped, not queued,
// and fires again at its next cron slot.
type Scheduler struct {
	store   store.Store
	orch    *Orchestrator
	tick    time.Duration
	nowFunc func() time.Time
}

// NewScheduler builds a Scheduler polling at the given interval.
func NewScheduler(s store.Store, o *Orchestrator, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{store: s, orch: o, tick: tick, nowFunc: time.Now}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		zap.L().Error("schedule list failed", zap.Error(err))
		return
	}

	now := s.nowFunc().UTC()
	for i := range schedules {
		sched := schedules[i]
		if !sched.Enabled {
			continue
		}
		next, err := ParseCron(sched.CronExpr, now)
		if err != nil {
			zap.L().Error("schedule has invalid cron expression",
				zap.String("schedule_id", sched.ID),
				zap.String("cron", sched.CronExpr),
				zap.Error(err))
			continue
		}
		if sched.NextRun == nil {
			// First sighting: anchor the next firing without triggering.
			if err := s.store.TouchSchedule(ctx, sched.ID, timeOrZero(sched.LastRun), next); err != nil {
				zap.L().Error("schedule anchor failed", zap.String("schedule_id", sched.ID), zap.Error(err))
			}
			continue
		}
		if sched.NextRun.After(now) {
			continue
		}

		s.fire(ctx, &sched, now, next)
	}
}

// fire triggers one due schedule and advances its next-run marker. The
// marker advances even when the trigger is rejected by the active-run
// gate, so a long run cannot pile up missed firings behind itself.
func (s *Scheduler) fire(ctx context.Context, sched *model.Schedule, now, next time.Time) {
	run, err := s.orch.Trigger(ctx, sched.Config)
	switch {
	case eris.Is(err, ErrRunActive):
		zap.L().Warn("schedule skipped, another run is active",
			zap.String("schedule_id", sched.ID),
			zap.String("name", sched.Name))
	case err != nil:
		zap.L().Error("scheduled run trigger failed",
			zap.String("schedule_id", sched.ID),
			zap.Error(err))
	default:
		zap.L().Info("scheduled run triggered",
			zap.String("schedule_id", sched.ID),
			zap.String("name", sched.Name),
			zap.String("run_id", run.ID))
	}

	if err := s.store.TouchSchedule(ctx, sched.ID, now, next); err != nil {
		zap.L().Error("schedule touch failed", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
