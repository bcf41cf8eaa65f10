package warehouse

import (
	"context"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"
)

// Run statuses written to the ledger.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// RunRow is one pipeline run in the ledger.
type RunRow struct {
	RunID   string `bigquery:"run_id" json:"run_id"`   // REQUIRED
	Trigger string `bigquery:"trigger" json:"trigger"` // NULLABLE

	StartedTS  time.Time              `bigquery:"started_ts" json:"started_ts"`   // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts" json:"finished_ts"` // NULLABLE

	Status       string `bigquery:"status" json:"status"`               // NULLABLE
	ErrorMessage string `bigquery:"error_message" json:"error_message"` // NULLABLE

	RowsLoaded bigquery.NullInt64 `bigquery:"rows_loaded" json:"rows_loaded"` // NULLABLE
}

// RunRecorder keeps the history of pipeline runs.
type RunRecorder interface {
	// StartRun records a new run with status=RUNNING and returns its run_id.
	StartRun(ctx context.Context, trigger string) (string, error)

	// MarkRunFailed sets status=FAILED, finished_ts and error_message. Ledger
	// errors are logged, never returned, so they cannot mask runErr.
	MarkRunFailed(ctx context.Context, runID string, runErr error)

	// MarkRunSucceeded sets status=SUCCESS, finished_ts and rows_loaded.
	MarkRunSucceeded(ctx context.Context, runID string, rowsLoaded int64) error

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*RunRow, error)
}

const maxErrorMessage = 2000

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorMessage {
		return msg
	}
	// Cut on a rune boundary; BigQuery rejects invalid UTF-8.
	end := maxErrorMessage
	for end > 0 && !utf8.RuneStart(msg[end]) {
		end--
	}
	return msg[:end]
}
