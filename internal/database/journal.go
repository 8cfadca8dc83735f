package database

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// Journal records every finished cycle and acts as a local telemetry sink
type Journal struct {
	db      *Database
	logger  *zap.SugaredLogger
	timeout time.Duration
}

// NewJournal wraps db
func NewJournal(db *Database, logger *zap.SugaredLogger) *Journal {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Journal{db: db, logger: logger, timeout: 5 * time.Second}
}

// Name implements pipeline.TelemetrySink
func (j *Journal) Name() string {
	return "journal"
}

// Emit implements pipeline.TelemetrySink
func (j *Journal) Emit(ctx context.Context, tally pipeline.Tally, timestamp time.Time) error {
	return j.db.SaveTelemetry(ctx, timestamp, tally)
}

// OnCycleResult implements pipeline.CycleResultHandler
func (j *Journal) OnCycleResult(result *pipeline.CycleResult) {
	rec := &CycleRecord{
		ID:          result.ID,
		StartedAt:   result.StartedAt,
		DurationMs:  result.Duration.Milliseconds(),
		Stage:       string(result.Stage),
		Interesting: result.Interesting,
		Tally:       result.Tally,
		Detections:  len(result.Detections),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if result.PublishErr != nil {
		rec.PublishErr = result.PublishErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.db.SaveCycle(ctx, rec); err != nil {
		j.logger.Warnw("Failed to journal cycle", "cycle", result.ID, "error", err)
	}
}

// RecentCycles lists the newest journaled cycles
func (j *Journal) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	return j.db.RecentCycles(ctx, limit)
}

// RunRetention deletes records older than retention every interval until ctx
// is cancelled
func (j *Journal) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := j.db.DeleteOldCycles(ctx, time.Now().Add(-retention))
		if err != nil {
			j.logger.Warnw("Journal retention failed", "error", err)
		} else if n > 0 {
			j.logger.Infow("Journal retention removed cycles", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
