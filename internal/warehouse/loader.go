// Package warehouse loads the merged output into BigQuery and keeps the
// pipeline run ledger.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/dvloznov/audible-etl/internal/logger"
)

// Source formats accepted by the loader.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// LoadStats describes a finished load job.
type LoadStats struct {
	JobID       string
	Source      string
	Destination string
	OutputRows  int64
}

// Loader appends a staged object to the destination table.
type Loader interface {
	Load(ctx context.Context, gcsURI string) (*LoadStats, error)
}

// LoadRequest identifies a load into dataset.table.
type LoadRequest struct {
	GCSURI  string
	Dataset string
	Table   string
	Format  string
}

// BigQueryLoader is the Loader backed by BigQuery load jobs.
type BigQueryLoader struct {
	client  *bigquery.Client
	Dataset string
	Table   string
	Format  string
}

// NewBigQueryLoader creates a loader with its own BigQuery client.
func NewBigQueryLoader(ctx context.Context, projectID, dataset, table, format, credentialsFile string) (*BigQueryLoader, error) {
	client, err := NewClient(ctx, projectID, credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryLoader: %w", err)
	}
	return &BigQueryLoader{client: client, Dataset: dataset, Table: table, Format: format}, nil
}

// NewClient creates a BigQuery client, from credentialsFile when set and from
// Application Default Credentials otherwise. An empty projectID is detected
// from the credentials.
func NewClient(ctx context.Context, projectID, credentialsFile string) (*bigquery.Client, error) {
	if projectID == "" {
		projectID = bigquery.DetectProjectID
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	return client, nil
}

// Close closes the BigQuery client connection.
func (l *BigQueryLoader) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Load delegates to LoadWithClient with the loader's client and destination.
func (l *BigQueryLoader) Load(ctx context.Context, gcsURI string) (*LoadStats, error) {
	return LoadWithClient(ctx, l.client, LoadRequest{
		GCSURI:  gcsURI,
		Dataset: l.Dataset,
		Table:   l.Table,
		Format:  l.Format,
	})
}

// LoadWithClient runs a load job appending req.GCSURI to req.Dataset.req.Table
// and waits for it to finish.
func LoadWithClient(ctx context.Context, client *bigquery.Client, req LoadRequest) (*LoadStats, error) {
	log := logger.FromContext(ctx)

	ref, err := gcsReference(req.GCSURI, req.Format)
	if err != nil {
		return nil, fmt.Errorf("LoadWithClient: %w", err)
	}

	loader := client.Dataset(req.Dataset).Table(req.Table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateIfNeeded

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadWithClient: starting load job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID()).
		Str("source", req.GCSURI).
		Str("destination", req.Dataset+"."+req.Table).
		Msg("Started load job")

	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadWithClient: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("LoadWithClient: job error: %w", err)
	}

	stats := &LoadStats{
		JobID:       job.ID(),
		Source:      req.GCSURI,
		Destination: req.Dataset + "." + req.Table,
	}
	if ls, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		stats.OutputRows = ls.OutputRows
	}

	return stats, nil
}

// gcsReference describes the staged object: CSV with a header row and an
// autodetected schema, or self-describing Parquet.
func gcsReference(uri, format string) (*bigquery.GCSReference, error) {
	if !strings.HasPrefix(uri, "gs://") {
		return nil, fmt.Errorf("invalid GCS URI: %s", uri)
	}

	ref := bigquery.NewGCSReference(uri)
	switch strings.ToLower(format) {
	case "", FormatCSV:
		ref.SourceFormat = bigquery.CSV
		ref.SkipLeadingRows = 1
		ref.AutoDetect = true
	case FormatParquet:
		ref.SourceFormat = bigquery.Parquet
	default:
		return nil, fmt.Errorf("unsupported source format %q", format)
	}
	return ref, nil
}
