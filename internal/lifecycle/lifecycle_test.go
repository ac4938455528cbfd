package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

func deadline(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(d)
	return &t
}

func TestStatusFor(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	window := 3 * 24 * time.Hour

	cases := []struct {
		name    string
		tracked model.TrackedOpportunity
		want    model.LifecycleStatus
	}{
		{"no deadline stays active", model.TrackedOpportunity{}, model.StatusActive},
		{"far deadline active", trackedAt(now.Add(30 * 24 * time.Hour)), model.StatusActive},
		{"inside window expiring", trackedAt(now.Add(48 * time.Hour)), model.StatusExpiring},
		{"exactly window boundary expiring", trackedAt(now.Add(window)), model.StatusExpiring},
		{"deadline now expired", trackedAt(now), model.StatusExpired},
		{"past deadline expired", trackedAt(now.Add(-time.Hour)), model.StatusExpired},
		{"won beats deadline", wonAt(now.Add(-time.Hour)), model.StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusFor(tc.tracked, now, window); got != tc.want {
				t.Errorf("StatusFor = %q, want %q", got, tc.want)
			}
		})
	}
}

func trackedAt(d time.Time) model.TrackedOpportunity {
	return model.TrackedOpportunity{NoticeID: "N", Deadline: &d}
}

func wonAt(d time.Time) model.TrackedOpportunity {
	tr := trackedAt(d)
	tr.MarkedWon = true
	return tr
}

// sweepSink fakes the sink for sweep tests.
type sweepSink struct {
	tracked  map[model.Destination][]model.TrackedOpportunity
	archived []string // "id:from->to"
	failIDs  map[string]bool
}

func (s *sweepSink) Exists(ctx context.Context, noticeID string, dest model.Destination) (bool, error) {
	return false, nil
}

func (s *sweepSink) Write(ctx context.Context, a *model.Assessment, opp *model.Opportunity, dest model.Destination) error {
	return nil
}

func (s *sweepSink) Archive(ctx context.Context, noticeID string, from, to model.Destination) error {
	if s.failIDs[noticeID] {
		return errors.New("archive failed")
	}
	s.archived = append(s.archived, noticeID+":"+string(from)+"->"+string(to))
	return nil
}

func (s *sweepSink) ListTracked(ctx context.Context, dest model.Destination) ([]model.TrackedOpportunity, error) {
	return s.tracked[dest], nil
}

func TestTracker_Sweep(t *testing.T) {
	s := &sweepSink{
		tracked: map[model.Destination][]model.TrackedOpportunity{
			model.DestQualified: {
				{NoticeID: "expired", Deadline: deadline(-time.Hour)},
				{NoticeID: "active", Deadline: deadline(30 * 24 * time.Hour)},
				{NoticeID: "won", Deadline: deadline(10 * 24 * time.Hour), MarkedWon: true},
			},
			model.DestMaybe: {
				{NoticeID: "soon", Deadline: deadline(24 * time.Hour)},
			},
		},
	}

	tr := NewTracker(s, 3*24*time.Hour)
	res, err := tr.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.Scanned != 4 || res.Expired != 1 || res.Completed != 1 || res.Expiring != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(s.archived) != 2 {
		t.Fatalf("archived = %v", s.archived)
	}
	if s.archived[0] != "expired:qualified->expired" {
		t.Errorf("archived[0] = %q", s.archived[0])
	}
	if s.archived[1] != "won:qualified->completed" {
		t.Errorf("archived[1] = %q", s.archived[1])
	}
}

func TestTracker_SweepArchiveFailureContinues(t *testing.T) {
	s := &sweepSink{
		tracked: map[model.Destination][]model.TrackedOpportunity{
			model.DestQualified: {
				{NoticeID: "bad", Deadline: deadline(-time.Hour)},
				{NoticeID: "good", Deadline: deadline(-time.Hour)},
			},
		},
		failIDs: map[string]bool{"bad": true},
	}

	tr := NewTracker(s, 3*24*time.Hour)
	res, err := tr.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != 1 || res.Expired != 1 {
		t.Errorf("result = %+v", res)
	}
}
