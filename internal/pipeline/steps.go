package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/audible-etl/internal/extract"
	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/merge"
	"github.com/dvloznov/audible-etl/internal/rates"
	"github.com/dvloznov/audible-etl/internal/storage"
	"github.com/dvloznov/audible-etl/internal/warehouse"
)

// Task names of the audible DAG.
const (
	TaskExtractTransactions = "extract_transactions"
	TaskFetchRates          = "fetch_rates"
	TaskMerge               = "merge"
	TaskLoadToWarehouse     = "load_to_warehouse"
)

// Step is the work of a single task.
type Step interface {
	Execute(ctx context.Context, state *RunState) error
}

// RunState holds what the steps of one run report back.
type RunState struct {
	RunID        string
	Transactions int
	Rates        int
	Merge        *merge.Report
	Load         *warehouse.LoadStats
}

// ExtractTransactionsStep joins the source tables and writes the
// transactions file.
type ExtractTransactionsStep struct {
	Source  extract.Source
	Options extract.Options
}

func (s *ExtractTransactionsStep) Execute(ctx context.Context, state *RunState) error {
	t, err := extract.Extract(ctx, s.Source, s.Options)
	if err != nil {
		return err
	}
	state.Transactions = t.Len()
	return nil
}

// FetchRatesStep downloads the conversion rates and writes the rates file.
type FetchRatesStep struct {
	Fetcher rates.Fetcher
	Path    string
}

func (s *FetchRatesStep) Execute(ctx context.Context, state *RunState) error {
	t, err := rates.Write(ctx, s.Fetcher, s.Path)
	if err != nil {
		return err
	}
	state.Rates = t.Len()
	return nil
}

// MergeStep converts prices and writes the output file.
type MergeStep struct {
	TransactionsPath string
	RatesPath        string
	OutputPath       string
	Format           string
	Options          merge.Options
	Metrics          *Metrics
}

func (s *MergeStep) Execute(ctx context.Context, state *RunState) error {
	report, err := merge.Files(ctx, s.TransactionsPath, s.RatesPath, s.OutputPath, s.Format, s.Options)
	if report != nil {
		state.Merge = report
		s.Metrics.AddMerged(report.Rows, len(report.Failures))
	}
	return err
}

// LoadStep stages the output in the bucket and appends it to the warehouse
// table. SourceURI names the staged object and must live in the store's
// bucket.
type LoadStep struct {
	Store      storage.BlobStore
	Loader     warehouse.Loader
	OutputPath string
	SourceURI  string
	Disabled   bool
	Metrics    *Metrics
}

func (s *LoadStep) Execute(ctx context.Context, state *RunState) error {
	log := logger.FromContext(ctx)
	if s.Disabled {
		log.Info().
			Str("path", s.OutputPath).
			Msg("Warehouse load disabled, skipping")
		return nil
	}
	if s.Store == nil || s.Loader == nil {
		return fmt.Errorf("LoadStep: object store and loader are required")
	}

	bucket, object, err := storage.ParseURI(s.SourceURI)
	if err != nil {
		return fmt.Errorf("LoadStep: %w", err)
	}
	if got := s.Store.URI(object); got != s.SourceURI {
		return fmt.Errorf("LoadStep: source bucket %q is not the object store bucket (%s)", bucket, got)
	}

	if err := s.Store.Put(ctx, s.OutputPath, object); err != nil {
		return fmt.Errorf("LoadStep: staging output: %w", err)
	}

	stats, err := s.Loader.Load(ctx, s.SourceURI)
	if err != nil {
		return fmt.Errorf("LoadStep: %w", err)
	}
	state.Load = stats
	s.Metrics.AddLoaded(stats.OutputRows)

	log.Info().
		Str("job_id", stats.JobID).
		Str("destination", stats.Destination).
		Int64("rows", stats.OutputRows).
		Msg("Loaded output into warehouse")
	return nil
}
