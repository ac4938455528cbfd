package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// falls further behind than this misses snapshots instead of blocking
// the run.
const subscriberBuffer = 16

// ProgressHub fans run progress snapshots out to subscribers.
type ProgressHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.ProgressEvent
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[int]chan model.ProgressEvent)}
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called to release it.
func (h *ProgressHub) Subscribe() (<-chan model.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan model.ProgressEvent, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish sends a snapshot to every subscriber. Full buffers are
// skipped, never waited on.
func (h *ProgressHub) Publish(run *model.Run) {
	event := model.ProgressEvent{
		RunID:  run.ID,
		Status: run.Status,
		At:     time.Now().UTC(),
	}
	if run.Counters != nil {
		event.Counters = run.Counters.Snapshot()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			zap.L().Debug("progress subscriber lagging, snapshot dropped", zap.Int("subscriber", id))
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *ProgressHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
