package warehouse

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/audible-etl/internal/logger"
)

// BigQueryRunRecorder is the RunRecorder backed by a BigQuery table.
type BigQueryRunRecorder struct {
	client  *bigquery.Client
	Dataset string
	Table   string
}

// NewBigQueryRunRecorder creates a recorder writing to dataset.table.
func NewBigQueryRunRecorder(client *bigquery.Client, dataset, table string) *BigQueryRunRecorder {
	return &BigQueryRunRecorder{client: client, Dataset: dataset, Table: table}
}

// StartRun delegates to StartRunWithClient.
func (r *BigQueryRunRecorder) StartRun(ctx context.Context, trigger string) (string, error) {
	return StartRunWithClient(ctx, r.client, r.relation(), trigger)
}

// MarkRunFailed delegates to MarkRunFailedWithClient.
func (r *BigQueryRunRecorder) MarkRunFailed(ctx context.Context, runID string, runErr error) {
	MarkRunFailedWithClient(ctx, r.client, r.relation(), runID, runErr)
}

// MarkRunSucceeded delegates to MarkRunSucceededWithClient.
func (r *BigQueryRunRecorder) MarkRunSucceeded(ctx context.Context, runID string, rowsLoaded int64) error {
	return MarkRunSucceededWithClient(ctx, r.client, r.relation(), runID, rowsLoaded)
}

// ListRuns delegates to ListRunsWithClient.
func (r *BigQueryRunRecorder) ListRuns(ctx context.Context, limit int) ([]*RunRow, error) {
	return ListRunsWithClient(ctx, r.client, r.relation(), limit)
}

func (r *BigQueryRunRecorder) relation() string {
	return fmt.Sprintf("%s.%s", r.Dataset, r.Table)
}

// StartRunWithClient inserts a new row with status=RUNNING and returns the
// generated run_id.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, relation, trigger string) (string, error) {
	runID := uuid.NewString()

	q := client.Query(fmt.Sprintf(`
		INSERT %s (
			run_id,
			trigger,
			started_ts,
			status
		)
		VALUES (
			@run_id,
			@trigger,
			@started_ts,
			@status
		)
	`, relation))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "trigger", Value: trigger},
		{Name: "started_ts", Value: time.Now()},
		{Name: "status", Value: RunStatusRunning},
	}

	if err := runStatement(ctx, q); err != nil {
		return "", fmt.Errorf("StartRun: %w", err)
	}
	return runID, nil
}

// MarkRunFailedWithClient sets status=FAILED, finished_ts and error_message.
func MarkRunFailedWithClient(ctx context.Context, client *bigquery.Client, relation, runID string, runErr error) {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, relation))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusFailed},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: truncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if err := runStatement(ctx, q); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkRunFailed: updating run ledger")
	}
}

// MarkRunSucceededWithClient sets status=SUCCESS, finished_ts and rows_loaded,
// and clears error_message.
func MarkRunSucceededWithClient(ctx context.Context, client *bigquery.Client, relation, runID string, rowsLoaded int64) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    rows_loaded = @rows_loaded,
		    error_message = ""
		WHERE run_id = @run_id
	`, relation))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusSuccess},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "rows_loaded", Value: rowsLoaded},
		{Name: "run_id", Value: runID},
	}

	if err := runStatement(ctx, q); err != nil {
		return fmt.Errorf("MarkRunSucceeded: %w", err)
	}
	return nil
}

// ListRunsWithClient returns up to limit runs, newest first.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, relation string, limit int) ([]*RunRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT
			run_id,
			IFNULL(trigger, "") AS trigger,
			started_ts,
			finished_ts,
			IFNULL(status, "") AS status,
			IFNULL(error_message, "") AS error_message,
			rows_loaded
		FROM %s
		ORDER BY started_ts DESC
		LIMIT @limit
	`, relation))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRunsWithClient: reading query: %w", err)
	}

	var runs []*RunRow
	for {
		var row RunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRunsWithClient: iterating: %w", err)
		}
		runs = append(runs, &row)
	}

	return runs, nil
}

func runStatement(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
