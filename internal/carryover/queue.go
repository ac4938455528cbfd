// Package carryover persists opportunities deferred past a run's volume
// cap so the next run can drain them before fetching anything new.
package carryover

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// Queue is a file-backed FIFO of deferred opportunities. Every mutation
// rewrites the whole file atomically (temp file, fsync, rename), so a
// crash mid-write leaves either the old queue or the new one, never a
// torn file. The queue is small relative to run volume; rewriting it
// wholesale is cheaper than being clever.
type Queue struct {
	mu      sync.Mutex
	path    string
	entries []model.CarryoverEntry
}

// Stats summarizes queue contents.
type Stats struct {
	Depth  int        `json:"depth"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// Open loads the queue from path, creating an empty queue if the file
// does not exist. A corrupt file is renamed aside and logged rather
// than aborting: losing carryover degrades coverage, not correctness.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "carryover: read queue file")
	}

	if err := json.Unmarshal(data, &q.entries); err != nil {
		bad := path + ".corrupt"
		if renameErr := os.Rename(path, bad); renameErr != nil {
			return nil, eris.Wrap(renameErr, "carryover: quarantine corrupt queue file")
		}
		zap.L().Error("carryover queue file corrupt, starting empty",
			zap.String("path", path),
			zap.String("moved_to", bad),
			zap.Error(err),
		)
		q.entries = nil
	}

	return q, nil
}

// Enqueue appends opportunities deferred from runID and persists the
// queue. Notices already queued are skipped so repeated overflow of the
// same item cannot grow the file unboundedly.
func (q *Queue) Enqueue(ctx context.Context, opps []model.Opportunity, runID string) error {
	if len(opps) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		seen[e.Opportunity.NoticeID] = struct{}{}
	}

	now := time.Now().UTC()
	added := 0
	for _, opp := range opps {
		if _, dup := seen[opp.NoticeID]; dup {
			continue
		}
		seen[opp.NoticeID] = struct{}{}
		q.entries = append(q.entries, model.CarryoverEntry{
			Opportunity: opp,
			RunID:       runID,
			EnqueuedAt:  now,
		})
		added++
	}

	if added == 0 {
		return nil
	}

	if err := q.persistLocked(); err != nil {
		return err
	}

	zap.L().Info("carryover enqueued",
		zap.Int("added", added),
		zap.Int("depth", len(q.entries)),
		zap.String("run_id", runID),
	)
	return nil
}

// Drain returns up to maxN entries, earliest-posted first, without
// removing them. Callers remove entries only after they have been
// processed and persisted downstream, so a crash mid-run re-drains
// rather than drops. maxN <= 0 means all.
func (q *Queue) Drain(maxN int) []model.CarryoverEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.CarryoverEntry, len(q.entries))
	copy(out, q.entries)

	// Oldest notices go first: they are closest to their deadlines.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Opportunity.PostedAt.Before(out[j].Opportunity.PostedAt)
	})

	if maxN > 0 && len(out) > maxN {
		out = out[:maxN]
	}
	return out
}

// Remove deletes the named notices from the queue and persists it.
func (q *Queue) Remove(ctx context.Context, noticeIDs []string) error {
	if len(noticeIDs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]struct{}, len(noticeIDs))
	for _, id := range noticeIDs {
		drop[id] = struct{}{}
	}

	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.Opportunity.NoticeID]; !ok {
			kept = append(kept, e)
		}
	}
	q.entries = kept

	return q.persistLocked()
}

// Stats reports queue depth and age range.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Depth: len(q.entries)}
	for i := range q.entries {
		t := q.entries[i].EnqueuedAt
		if s.Oldest == nil || t.Before(*s.Oldest) {
			tt := t
			s.Oldest = &tt
		}
		if s.Newest == nil || t.After(*s.Newest) {
			tt := t
			s.Newest = &tt
		}
	}
	return s
}

// persistLocked writes the queue atomically. Callers hold q.mu.
func (q *Queue) persistLocked() error {
	data, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "carryover: marshal queue")
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".carryover-*.tmp")
	if err != nil {
		return eris.Wrap(err, "carryover: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "carryover: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "carryover: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "carryover: close temp file")
	}

	if err := os.Rename(tmpName, q.path); err != nil {
		return eris.Wrap(err, "carryover: rename temp file")
	}
	return nil
}
