// Package orchestrator coordinates a discovery run end to end: fetch,
// dedup, two-stage qualification, persistence, and carryover. At most
// one run is active per process.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/carryover"
	"github.com/sells-group/rfp-pipeline/internal/config"
	"github.com/sells-group/rfp-pipeline/internal/dedupe"
	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/qualify"
	"github.com/sells-group/rfp-pipeline/internal/resilience"
	"github.com/sells-group/rfp-pipeline/internal/sink"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

// ErrRunActive is returned by Trigger while another run is in flight.
var ErrRunActive = eris.New("orchestrator: a run is already active")

// counterSaveEvery is how many processed items pass between counter
// checkpoints. Small enough that a crash loses little progress data,
// large enough to keep store writes off the hot path.
const counterSaveEvery = 25

// Deps are the collaborators a run needs. All are required except
// Notifier, which may be nil.
type Deps struct {
	Store     store.Store
	Source    sink.Source
	Sink      sink.Sink
	Notifier  sink.Notifier
	Dedupe    *dedupe.Engine
	Screener  *qualify.Screener
	Analyst   *qualify.Analyst
	Carryover *carryover.Queue
	Config    *config.Config
}

// Orchestrator owns run execution and the single-active-run gate.
type Orchestrator struct {
	deps Deps
	hub  *ProgressHub

	mu     sync.Mutex
	active *model.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, hub: NewProgressHub()}
}

// Hub exposes the progress pub/sub for API subscribers.
func (o *Orchestrator) Hub() *ProgressHub { return o.hub }

// Active returns the in-flight run, or nil.
func (o *Orchestrator) Active() *model.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Trigger starts a run in the background and returns its record
// immediately. Returns ErrRunActive if another run holds the gate.
func (o *Orchestrator) Trigger(ctx context.Context, cfg model.RunConfig) (*model.Run, error) {
	o.applyDefaults(&cfg)

	run := &model.Run{
		ID:        uuid.NewString(),
		Status:    model.RunStatusPending,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
		Counters:  model.NewRunCounters(),
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	o.active = run
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		o.release()
		return nil, eris.Wrap(err, "orchestrator: create run")
	}

	go func() {
		defer o.release()
		o.execute(runCtx, run)
	}()

	return run, nil
}

// RunOnce executes a run synchronously. Used by the one-shot CLI path.
func (o *Orchestrator) RunOnce(ctx context.Context, cfg model.RunConfig) (*model.Run, error) {
	run, err := o.Trigger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			if err := o.Cancel(run.ID); err == nil {
				<-done
			}
		}
	}
	return o.deps.Store.GetRun(context.WithoutCancel(ctx), run.ID)
}

// Cancel requests cancellation of the active run. The run finishes its
// in-flight items and finalizes as cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.ID != runID {
		return eris.Errorf("orchestrator: run %s is not active", runID)
	}
	o.cancel()
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	if o.done != nil {
		close(o.done)
	}
	o.active = nil
	o.cancel = nil
	o.done = nil
}

// applyDefaults fills unset trigger fields from configuration and the
// selected mode's presets.
func (o *Orchestrator) applyDefaults(cfg *model.RunConfig) {
	c := o.deps.Config
	if cfg.Mode == "" {
		cfg.Mode = model.RunMode(c.Run.Mode)
	}
	sw, aw, maxItems := c.ModeLimits(cfg.Mode)
	if cfg.ScreenWorkers == 0 {
		cfg.ScreenWorkers = sw
	}
	if cfg.AnalyzeWorkers == 0 {
		cfg.AnalyzeWorkers = aw
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = maxItems
	}
	if cfg.TimeBudget == 0 && c.Run.TimeBudgetMins > 0 {
		cfg.TimeBudget = time.Duration(c.Run.TimeBudgetMins) * time.Minute
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = c.Company.Keywords
	}
	if len(cfg.NAICSCodes) == 0 {
		cfg.NAICSCodes = c.Company.NAICSCodes
	}
	now := time.Now().UTC()
	if cfg.PostedTo.IsZero() {
		cfg.PostedTo = now
	}
	if cfg.PostedFrom.IsZero() {
		cfg.PostedFrom = cfg.PostedTo.AddDate(0, 0, -7)
	}
}

// execute runs the pipeline. Every phase persists its results before
// the next begins, so a crash mid-run loses at most the current batch
// of in-flight items.
func (o *Orchestrator) execute(ctx context.Context, run *model.Run) {
	rl := newRunLogger(o.deps.Store, run.ID)
	flushCtx := context.WithoutCancel(ctx)
	defer rl.Flush(flushCtx)

	var softDeadline time.Time
	if run.Config.TimeBudget > 0 {
		softDeadline = run.StartedAt.Add(run.Config.TimeBudget)
	}

	run.Status = model.RunStatusRunning
	if err := o.deps.Store.UpdateRunStatus(ctx, run.ID, run.Status, ""); err != nil {
		zap.L().Error("run status update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	o.hub.Publish(run)
	rl.Info(ctx, "run started", map[string]any{"mode": string(run.Config.Mode)})

	candidates, carriedIDs, err := o.gather(ctx, run, rl)
	if err != nil {
		o.finalize(flushCtx, run, rl, err)
		return
	}

	unique := o.deduplicate(ctx, run, rl, candidates)
	o.checkpoint(ctx, run)

	if o.budgetSpent(softDeadline) {
		rl.Warn(ctx, "time budget exhausted before screening, deferring remainder", map[string]any{"deferred": len(unique)})
		o.deferRemainder(ctx, run, rl, unique)
		o.finalize(flushCtx, run, rl, ctx.Err())
		return
	}

	survivors, interrupted := o.screen(ctx, run, rl, unique)
	if len(interrupted) > 0 {
		rl.Warn(ctx, "screening interrupted, deferring unfinished items", map[string]any{"deferred": len(interrupted)})
		o.deferRemainder(ctx, run, rl, interrupted)
		carriedIDs = withoutDeferred(carriedIDs, interrupted)
	}
	o.checkpoint(ctx, run)

	if o.budgetSpent(softDeadline) || ctx.Err() != nil {
		rl.Warn(ctx, "stopping before deep analysis, deferring remainder", map[string]any{"deferred": len(survivors)})
		o.deferRemainder(ctx, run, rl, survivors)
		o.finalize(flushCtx, run, rl, ctx.Err())
		return
	}

	highlights, interrupted := o.analyze(ctx, run, rl, survivors)
	if len(interrupted) > 0 {
		rl.Warn(ctx, "analysis interrupted, deferring unfinished items", map[string]any{"deferred": len(interrupted)})
		o.deferRemainder(ctx, run, rl, interrupted)
		carriedIDs = withoutDeferred(carriedIDs, interrupted)
	}

	if len(carriedIDs) > 0 {
		if err := o.deps.Carryover.Remove(flushCtx, carriedIDs); err != nil {
			rl.Error(ctx, "carryover cleanup failed", map[string]any{"error": err.Error()})
		}
	}

	o.finalize(flushCtx, run, rl, ctx.Err(), highlights...)
}

// gather drains the carryover queue and fetches the source window, then
// applies the admission cap. Overflow goes back to carryover. Carried
// notices sort ahead of fresh ones: they are closest to their deadlines.
func (o *Orchestrator) gather(ctx context.Context, run *model.Run, rl *runLogger) ([]model.Opportunity, []string, error) {
	maxItems := run.Config.MaxItems

	var carried []model.Opportunity
	var carriedIDs []string
	for _, entry := range o.deps.Carryover.Drain(maxItems) {
		carried = append(carried, entry.Opportunity)
		carriedIDs = append(carriedIDs, entry.Opportunity.NoticeID)
	}
	if len(carried) > 0 {
		rl.Info(ctx, "carryover drained", map[string]any{"count": len(carried)})
	}

	fetched, err := o.deps.Source.Fetch(ctx, run.Config)
	if err != nil {
		// Carried work is still viable when the source is down.
		if len(carried) == 0 {
			return nil, nil, eris.Wrap(err, "orchestrator: fetch")
		}
		rl.Error(ctx, "source fetch failed, continuing with carryover only", map[string]any{"error": err.Error()})
	}

	seen := make(map[string]struct{}, len(carried)+len(fetched))
	all := make([]model.Opportunity, 0, len(carried)+len(fetched))
	for _, opp := range append(carried, fetched...) {
		if _, ok := seen[opp.NoticeID]; ok {
			continue
		}
		seen[opp.NoticeID] = struct{}{}
		opp.Title = qualify.Sanitize(opp.Title)
		opp.Description = qualify.Sanitize(opp.Description)
		all = append(all, opp)
	}

	run.Counters.AddFound(len(all))
	rl.Info(ctx, "candidates gathered", map[string]any{"carried": len(carried), "fetched": len(fetched), "total": len(all)})

	if maxItems > 0 && len(all) > maxItems {
		overflow := all[maxItems:]
		all = all[:maxItems]
		if err := o.deps.Carryover.Enqueue(ctx, overflow, run.ID); err != nil {
			rl.Error(ctx, "overflow enqueue failed", map[string]any{"count": len(overflow), "error": err.Error()})
		} else {
			rl.Info(ctx, "overflow deferred to carryover", map[string]any{"count": len(overflow)})
		}
	}

	o.hub.Publish(run)
	return all, carriedIDs, nil
}

// deduplicate filters out already-processed notices. Duplicates count
// as processed so found == processed + carried holds at run end.
func (o *Orchestrator) deduplicate(ctx context.Context, run *model.Run, rl *runLogger, opps []model.Opportunity) []model.Opportunity {
	unique := opps[:0]
	dupes := 0
	for i := range opps {
		opp := opps[i]
		dup, kind, err := o.deps.Dedupe.IsDuplicate(ctx, &opp)
		if err != nil {
			// Failing open risks a duplicate write, which the sink's
			// Exists guard absorbs; failing closed would drop the notice.
			rl.Warn(ctx, "dedup check failed, keeping notice", map[string]any{"notice_id": opp.NoticeID, "error": err.Error()})
			dup = false
		}
		if !dup && kind == dedupe.MatchNone {
			// Durable backstop for a cold cache.
			has, err := o.deps.Store.HasAssessment(ctx, opp.NoticeID)
			if err != nil {
				rl.Warn(ctx, "assessment lookup failed", map[string]any{"notice_id": opp.NoticeID, "error": err.Error()})
			} else if has {
				dup = true
				kind = dedupe.MatchExact
			}
		}
		if dup {
			dupes++
			run.Counters.IncProcessed()
			continue
		}
		unique = append(unique, opp)
	}
	if dupes > 0 {
		rl.Info(ctx, "duplicates suppressed", map[string]any{"count": dupes})
	}
	return unique
}

// screen runs Stage A, persists every outcome, and returns the notices
// that advance to deep analysis. Screen rejections land in the rejected
// band; call failures count as errors but still count as processed.
// Items whose call was cut short by run cancellation are neither: they
// come back in the second return value for the caller to re-queue.
func (o *Orchestrator) screen(ctx context.Context, run *model.Run, rl *runLogger, opps []model.Opportunity) (survivors, interrupted []model.Opportunity) {
	if len(opps) == 0 {
		return nil, nil
	}
	results := o.deps.Screener.Screen(ctx, opps, run.Config.Mode)

	var outcomes []model.ScreeningOutcome
	failures := 0
	for _, res := range results {
		if res.Err != nil {
			if resilience.IsCancellation(res.Err) {
				interrupted = append(interrupted, res.Opportunity)
				continue
			}
			failures++
			run.Counters.IncProcessed()
			run.Counters.IncErrors()
			// Failed items are never dropped silently: an error marker
			// lands in the audit trail.
			o.persist(ctx, run, rl, &model.Assessment{
				ID:        uuid.NewString(),
				NoticeID:  res.Opportunity.NoticeID,
				RunID:     run.ID,
				Level:     model.LevelRejected,
				Error:     eris.ToString(res.Err, false),
				CreatedAt: time.Now().UTC(),
			}, &res.Opportunity)
			o.deps.Dedupe.MarkProcessed(&res.Opportunity)
			continue
		}
		outcomes = append(outcomes, *res.Outcome)
		if res.Outcome.Passed {
			survivors = append(survivors, res.Opportunity)
			continue
		}
		run.Counters.IncProcessed()
		run.Counters.IncLevel(model.LevelRejected)
		o.deps.Dedupe.MarkProcessed(&res.Opportunity)
	}

	if len(outcomes) > 0 {
		if err := o.deps.Store.SaveScreeningOutcomes(context.WithoutCancel(ctx), run.ID, outcomes); err != nil {
			rl.Error(ctx, "screening outcomes save failed", map[string]any{"count": len(outcomes), "error": err.Error()})
		}
	}
	rl.Info(ctx, "screening complete", map[string]any{
		"screened":  len(results),
		"advancing": len(survivors),
		"failures":  failures,
	})
	o.hub.Publish(run)
	return survivors, interrupted
}

// analyze runs Stage B. Each assessment is persisted as soon as the
// worker produces it, never batched at the end of the stage. Returns
// one summary line per qualified opportunity for the run notification,
// plus any items cut short by cancellation for the caller to re-queue.
func (o *Orchestrator) analyze(ctx context.Context, run *model.Run, rl *runLogger, opps []model.Opportunity) (highlights []string, interrupted []model.Opportunity) {
	if len(opps) == 0 {
		return nil, nil
	}

	var outcomeMu sync.Mutex
	var outcomes []model.ScreeningOutcome

	byID := make(map[string]string, len(opps))
	for _, opp := range opps {
		byID[opp.NoticeID] = opp.Title
	}

	var assessments []*model.Assessment
	assessments, interrupted = o.deps.Analyst.Analyze(ctx, run.ID, opps, func(a *model.Assessment, opp *model.Opportunity) {
		o.persist(ctx, run, rl, a, opp)

		run.Counters.IncProcessed()
		if a.Errored() {
			run.Counters.IncErrors()
		}
		run.Counters.IncLevel(a.Level)
		o.deps.Dedupe.MarkProcessed(opp)

		if !a.Errored() {
			outcomeMu.Lock()
			outcomes = append(outcomes, model.ScreeningOutcome{
				NoticeID:  a.NoticeID,
				Stage:     model.StageAnalyze,
				Score:     a.Score,
				Passed:    a.Level != model.LevelRejected,
				Rationale: a.Justification,
				Model:     a.Model,
				Timestamp: a.CreatedAt,
			})
			outcomeMu.Unlock()
		}

		if run.Counters.Snapshot().Processed%counterSaveEvery == 0 {
			o.checkpoint(ctx, run)
		}
		o.hub.Publish(run)
	})

	if len(outcomes) > 0 {
		if err := o.deps.Store.SaveScreeningOutcomes(context.WithoutCancel(ctx), run.ID, outcomes); err != nil {
			rl.Error(ctx, "analysis outcomes save failed", map[string]any{"count": len(outcomes), "error": err.Error()})
		}
	}

	for _, a := range assessments {
		if a.Level == model.LevelQualified && !a.Errored() {
			highlights = append(highlights, fmt.Sprintf("%s (%d/10) %s", a.NoticeID, a.Score, byID[a.NoticeID]))
		}
	}

	rl.Info(ctx, "deep analysis complete", map[string]any{"assessed": len(assessments)})
	return highlights, interrupted
}

// persist writes one assessment to the store and the sink. A failed
// sink write parks the payload in the dead-letter queue; the store copy
// is the source of truth either way. Runs detached from run
// cancellation: work that finished before the cancel landed is still
// retained.
func (o *Orchestrator) persist(ctx context.Context, run *model.Run, rl *runLogger, a *model.Assessment, opp *model.Opportunity) {
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Store.SaveAssessment(ctx, a); err != nil {
		rl.Error(ctx, "assessment save failed", map[string]any{"notice_id": a.NoticeID, "error": err.Error()})
		run.Counters.IncErrors()
	}

	dests := []model.Destination{model.DestAudit}
	if d := model.DestinationForLevel(a.Level); d != model.DestAudit {
		dests = append(dests, d)
	}
	for _, dest := range dests {
		if err := o.deps.Sink.Write(ctx, a, opp, dest); err != nil {
			rl.Warn(ctx, "sink write failed, parking in DLQ", map[string]any{
				"notice_id": a.NoticeID,
				"dest":      string(dest),
				"error":     err.Error(),
			})
			o.park(ctx, rl, a, opp, dest, err)
		}
	}
}

// park saves a failed sink write for the redelivery cycle.
func (o *Orchestrator) park(ctx context.Context, rl *runLogger, a *model.Assessment, opp *model.Opportunity, dest model.Destination, cause error) {
	payload, err := json.Marshal(dlqPayload{Assessment: a, Opportunity: opp})
	if err != nil {
		rl.Error(ctx, "DLQ payload marshal failed", map[string]any{"notice_id": a.NoticeID, "error": err.Error()})
		return
	}
	entry := store.DLQEntry{
		ID:          uuid.NewString(),
		NoticeID:    a.NoticeID,
		Destination: string(dest),
		Payload:     payload,
		Reason:      eris.ToString(cause, false),
		Attempts:    1,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.deps.Store.EnqueueDLQ(ctx, entry); err != nil {
		rl.Error(ctx, "DLQ enqueue failed", map[string]any{"notice_id": a.NoticeID, "error": err.Error()})
	}
}

// dlqPayload is the serialized form of a parked sink write.
type dlqPayload struct {
	Assessment  *model.Assessment  `json:"assessment"`
	Opportunity *model.Opportunity `json:"opportunity"`
}

// RedeliverDLQ retries parked sink writes. Entries that succeed are
// deleted; the rest stay parked for the next cycle.
func (o *Orchestrator) RedeliverDLQ(ctx context.Context, limit int) (delivered int, err error) {
	entries, err := o.deps.Store.DequeueDLQ(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: dequeue DLQ")
	}
	var done []string
	for _, entry := range entries {
		var p dlqPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			zap.L().Error("DLQ payload unreadable, dropping",
				zap.String("id", entry.ID), zap.Error(err))
			done = append(done, entry.ID)
			continue
		}
		if err := o.deps.Sink.Write(ctx, p.Assessment, p.Opportunity, model.Destination(entry.Destination)); err != nil {
			zap.L().Warn("DLQ redelivery failed",
				zap.String("notice_id", entry.NoticeID),
				zap.String("dest", entry.Destination),
				zap.Error(err))
			continue
		}
		done = append(done, entry.ID)
		delivered++
	}
	if len(done) > 0 {
		if err := o.deps.Store.DeleteDLQ(ctx, done); err != nil {
			return delivered, eris.Wrap(err, "orchestrator: delete DLQ")
		}
	}
	return delivered, nil
}

// deferRemainder pushes unprocessed notices to carryover when a run stops
// early.
func (o *Orchestrator) deferRemainder(ctx context.Context, run *model.Run, rl *runLogger, opps []model.Opportunity) {
	if len(opps) == 0 {
		return
	}
	if err := o.deps.Carryover.Enqueue(context.WithoutCancel(ctx), opps, run.ID); err != nil {
		rl.Error(ctx, "deferred enqueue failed", map[string]any{"count": len(opps), "error": err.Error()})
	}
}

// withoutDeferred prunes notices that went back to carryover from the
// removal list, so finalize does not delete work the next run must
// pick up.
func withoutDeferred(carriedIDs []string, deferred []model.Opportunity) []string {
	if len(carriedIDs) == 0 || len(deferred) == 0 {
		return carriedIDs
	}
	skip := make(map[string]struct{}, len(deferred))
	for _, opp := range deferred {
		skip[opp.NoticeID] = struct{}{}
	}
	kept := carriedIDs[:0]
	for _, id := range carriedIDs {
		if _, ok := skip[id]; !ok {
			kept = append(kept, id)
		}
	}
	return kept
}

func (o *Orchestrator) budgetSpent(softDeadline time.Time) bool {
	return !softDeadline.IsZero() && time.Now().After(softDeadline)
}

func (o *Orchestrator) checkpoint(ctx context.Context, run *model.Run) {
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Store.SaveRunCounters(ctx, run.ID, run.Counters.Snapshot()); err != nil {
		zap.L().Warn("counter checkpoint failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// finalize records the terminal status, publishes the last snapshot,
// and sends the run summary.
func (o *Orchestrator) finalize(ctx context.Context, run *model.Run, rl *runLogger, cause error, highlights ...string) {
	o.checkpoint(ctx, run)

	status := model.RunStatusCompleted
	errMsg := ""
	switch {
	case eris.Is(cause, context.Canceled):
		status = model.RunStatusCancelled
	case cause != nil:
		status = model.RunStatusFailed
		errMsg = eris.ToString(cause, false)
	}
	run.Status = status
	run.Error = errMsg
	now := time.Now().UTC()
	run.FinishedAt = &now

	if err := o.deps.Store.UpdateRunStatus(ctx, run.ID, status, errMsg); err != nil {
		zap.L().Error("final status update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	o.hub.Publish(run)

	snap := run.Counters.Snapshot()
	rl.Info(ctx, "run finished", map[string]any{
		"status":    string(status),
		"found":     snap.Found,
		"processed": snap.Processed,
		"qualified": snap.Qualified,
		"maybe":     snap.Maybe,
		"rejected":  snap.Rejected,
		"errors":    snap.Errors,
	})

	if o.deps.Notifier != nil {
		summary := fmt.Sprintf(
			"Discovery run %s %s: %d found, %d processed, %d qualified, %d maybe, %d rejected, %d errors (%.0fm)",
			run.ID, status, snap.Found, snap.Processed, snap.Qualified, snap.Maybe, snap.Rejected, snap.Errors,
			now.Sub(run.StartedAt).Minutes())
		if len(highlights) > 0 {
			const maxHighlights = 10
			shown := highlights
			if len(shown) > maxHighlights {
				shown = shown[:maxHighlights]
			}
			summary += "\nQualified:\n• " + strings.Join(shown, "\n• ")
			if extra := len(highlights) - len(shown); extra > 0 {
				summary += fmt.Sprintf("\n…and %d more", extra)
			}
		}
		if err := o.deps.Notifier.Send(ctx, summary); err != nil {
			zap.L().Warn("run summary notification failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}
