package model

import (
	"sync"
	"testing"
)

func TestRunCounters_ConcurrentUpdates(t *testing.T) {
	c := NewRunCounters()
	c.AddFound(1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.IncProcessed()
			switch n % 3 {
			case 0:
				c.IncLevel(LevelQualified)
			case 1:
				c.IncLevel(LevelMaybe)
			default:
				c.IncLevel(LevelRejected)
			}
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Processed != 100 {
		t.Errorf("processed = %d, want 100", snap.Processed)
	}
	if snap.Qualified+snap.Maybe+snap.Rejected != 100 {
		t.Errorf("band counters sum = %d, want 100",
			snap.Qualified+snap.Maybe+snap.Rejected)
	}
	if snap.Processed > snap.Found {
		t.Errorf("processed %d exceeds found %d", snap.Processed, snap.Found)
	}
}

func TestRunCounters_RestoreRoundTrip(t *testing.T) {
	c := NewRunCounters()
	c.Restore(CounterSnapshot{Found: 10, Processed: 7, Qualified: 2, Maybe: 1, Rejected: 3, Errors: 1})
	snap := c.Snapshot()
	if snap.Found != 10 || snap.Processed != 7 || snap.Errors != 1 {
		t.Errorf("unexpected snapshot after restore: %+v", snap)
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
