package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

func TestParseCron(t *testing.T) {
	// Monday morning: the Tuesday-through-Saturday evening schedule
	// fires next on Tuesday at 17:00.
	monday := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	next, err := ParseCron("0 17 * * TUE-SAT", monday)
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	want := time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Saturday after the slot: Sunday and Monday are excluded, so the
	// next firing is again Tuesday.
	saturday := time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC)
	next, err = ParseCron("0 17 * * TUE-SAT", saturday)
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := ParseCron("not a cron", monday); err == nil {
		t.Fatal("invalid expression accepted")
	}
}

func seedSchedule(t *testing.T, f *fixture, nextRun time.Time) *model.Schedule {
	t.Helper()
	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:        "sched-1",
		Name:      "nightly discovery",
		CronExpr:  "0 17 * * TUE-SAT",
		Enabled:   true,
		Config:    model.RunConfig{},
		NextRun:   &nextRun,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sched
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	f := newFixture(t, &fakeSource{})
	seedSchedule(t, f, time.Now().UTC().Add(-time.Minute))

	s := NewScheduler(f.store, f.orch, time.Minute)
	s.poll(context.Background())

	// The run starts asynchronously; wait for it to land in the store.
	deadline := time.Now().Add(5 * time.Second)
	var runs []model.Run
	for time.Now().Before(deadline) {
		var err error
		runs, err = f.store.ListRuns(context.Background(), store.RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) == 1 && runs[0].Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	sched, err := f.store.GetSchedule(context.Background(), "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.LastRun == nil {
		t.Fatal("LastRun not recorded")
	}
	if sched.NextRun == nil || !sched.NextRun.After(time.Now().UTC()) {
		t.Fatalf("NextRun = %v, want a future firing", sched.NextRun)
	}
}

func TestScheduler_SkipsWhileRunActive(t *testing.T) {
	src := &fakeSource{opps: makeOpps(1), block: make(chan struct{})}
	f := newFixture(t, src)

	active, err := f.orch.Trigger(context.Background(), model.RunConfig{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	seedSchedule(t, f, time.Now().UTC().Add(-time.Minute))

	s := NewScheduler(f.store, f.orch, time.Minute)
	s.poll(context.Background())

	runs, err := f.store.ListRuns(context.Background(), store.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, the due schedule must be skipped while a run is active", len(runs))
	}

	// The marker still advances: the missed firing is dropped, not
	// queued behind the active run.
	sched, err := f.store.GetSchedule(context.Background(), "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.NextRun == nil || !sched.NextRun.After(time.Now().UTC()) {
		t.Fatalf("NextRun = %v, want a future firing", sched.NextRun)
	}

	close(src.block)
	waitForTerminal(t, f.store, active.ID)
}

func TestScheduler_AnchorsNewSchedule(t *testing.T) {
	f := newFixture(t, &fakeSource{})
	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:        "sched-new",
		Name:      "fresh",
		CronExpr:  "0 17 * * TUE-SAT",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	s := NewScheduler(f.store, f.orch, time.Minute)
	s.poll(context.Background())

	// First sighting computes the next firing without triggering a run.
	runs, err := f.store.ListRuns(context.Background(), store.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs = %d, want 0 on anchor pass", len(runs))
	}
	got, err := f.store.GetSchedule(context.Background(), "sched-new")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.After(now) {
		t.Fatalf("NextRun = %v, want a future firing", got.NextRun)
	}
}
