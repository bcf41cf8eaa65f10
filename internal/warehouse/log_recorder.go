package warehouse

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/dvloznov/audible-etl/internal/logger"
)

// LogRecorder is the RunRecorder used when the ledger table is disabled. It
// logs every transition and keeps the run history in memory.
type LogRecorder struct {
	mu   sync.RWMutex
	runs map[string]*RunRow
}

// NewLogRecorder creates an empty recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{runs: make(map[string]*RunRow)}
}

func (r *LogRecorder) StartRun(ctx context.Context, trigger string) (string, error) {
	runID := uuid.NewString()

	r.mu.Lock()
	r.runs[runID] = &RunRow{
		RunID:     runID,
		Trigger:   trigger,
		StartedTS: time.Now(),
		Status:    RunStatusRunning,
	}
	r.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", runID).
		Str("trigger", trigger).
		Msg("Run started")
	return runID, nil
}

func (r *LogRecorder) MarkRunFailed(ctx context.Context, runID string, runErr error) {
	r.finish(runID, RunStatusFailed, truncateError(runErr), bigquery.NullInt64{})

	log := logger.FromContext(ctx)
	log.Error().
		Err(runErr).
		Str("run_id", runID).
		Msg("Run failed")
}

func (r *LogRecorder) MarkRunSucceeded(ctx context.Context, runID string, rowsLoaded int64) error {
	r.finish(runID, RunStatusSuccess, "", bigquery.NullInt64{Int64: rowsLoaded, Valid: true})

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", runID).
		Int64("rows_loaded", rowsLoaded).
		Msg("Run succeeded")
	return nil
}

func (r *LogRecorder) ListRuns(ctx context.Context, limit int) ([]*RunRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*RunRow, 0, len(r.runs))
	for _, row := range r.runs {
		cp := *row
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedTS.After(runs[j].StartedTS)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *LogRecorder) finish(runID, status, errMsg string, rows bigquery.NullInt64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.runs[runID]
	if !ok {
		return
	}
	row.Status = status
	row.ErrorMessage = errMsg
	row.FinishedTS = bigquery.NullTimestamp{Timestamp: time.Now(), Valid: true}
	row.RowsLoaded = rows
}
