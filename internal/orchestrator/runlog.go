package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/store"
)

// logFlushThreshold is the buffer size that triggers a store write.
const logFlushThreshold = 32

// runLogger mirrors run-scoped log lines into the store so a run's
// history survives the process. Entries are buffered and written in
// batches; a failed flush drops the batch rather than failing the run.
type runLogger struct {
	store store.Store
	runID string

	mu  sync.Mutex
	buf []store.RunLogEntry
}

func newRunLogger(s store.Store, runID string) *runLogger {
	return &runLogger{store: s, runID: runID}
}

func (l *runLogger) Info(ctx context.Context, msg string, fields map[string]any) {
	zap.L().Info(msg, zap.String("run_id", l.runID), zap.Any("fields", fields))
	l.append(ctx, "info", msg, fields)
}

func (l *runLogger) Warn(ctx context.Context, msg string, fields map[string]any) {
	zap.L().Warn(msg, zap.String("run_id", l.runID), zap.Any("fields", fields))
	l.append(ctx, "warn", msg, fields)
}

func (l *runLogger) Error(ctx context.Context, msg string, fields map[string]any) {
	zap.L().Error(msg, zap.String("run_id", l.runID), zap.Any("fields", fields))
	l.append(ctx, "error", msg, fields)
}

func (l *runLogger) append(ctx context.Context, level, msg string, fields map[string]any) {
	l.mu.Lock()
	l.buf = append(l.buf, store.RunLogEntry{
		ID:      uuid.NewString(),
		RunID:   l.runID,
		Level:   level,
		Message: msg,
		Fields:  fields,
		At:      time.Now().UTC(),
	})
	var batch []store.RunLogEntry
	if len(l.buf) >= logFlushThreshold {
		batch = l.buf
		l.buf = nil
	}
	l.mu.Unlock()

	l.write(ctx, batch)
}

// Flush writes any buffered entries. Called once at run end.
func (l *runLogger) Flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	l.write(ctx, batch)
}

func (l *runLogger) write(ctx context.Context, batch []store.RunLogEntry) {
	if len(batch) == 0 {
		return
	}
	if err := l.store.AppendRunLogs(ctx, batch); err != nil {
		zap.L().Warn("run log flush failed",
			zap.String("run_id", l.runID),
			zap.Int("entries", len(batch)),
			zap.Error(err))
	}
}
