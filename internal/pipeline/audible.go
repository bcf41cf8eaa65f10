package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/extract"
	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/merge"
	"github.com/dvloznov/audible-etl/internal/rates"
	"github.com/dvloznov/audible-etl/internal/storage"
	"github.com/dvloznov/audible-etl/internal/warehouse"
)

// AudibleDAGID identifies the audible load DAG in logs and the run ledger.
const AudibleDAGID = "audible_bq_load"

// Deps are the external collaborators of the audible DAG.
type Deps struct {
	Source   extract.Source
	Rates    rates.Fetcher
	Store    storage.BlobStore
	Loader   warehouse.Loader
	Recorder warehouse.RunRecorder
	Metrics  *Metrics
}

// Options are the file locations and policies of the audible DAG.
type Options struct {
	Extract      extract.Options
	RatesPath    string
	OutputPath   string
	OutputFormat string
	Merge        merge.Options
	SourceURI    string
	LoadDisabled bool
	Retries      int
	RetryDelay   time.Duration
}

// OptionsFromConfig maps the loaded configuration onto DAG options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Extract: extract.Options{
			TransactionsTable: cfg.Source.TransactionsTable,
			BooksTable:        cfg.Source.BooksTable,
			TransactionKey:    cfg.Source.TransactionKey,
			BookKey:           cfg.Source.BookKey,
			OutputPath:        cfg.Paths.Transactions,
		},
		RatesPath:    cfg.Paths.Rates,
		OutputPath:   cfg.Paths.Output,
		OutputFormat: cfg.Merge.OutputFormat,
		Merge: merge.Options{
			TimestampColumn: cfg.Merge.TimestampColumn,
			PriceColumn:     cfg.Merge.PriceColumn,
			RateColumn:      cfg.Merge.RateColumn,
			ConvertedColumn: cfg.Merge.ConvertedColumn,
			DropColumns:     cfg.Merge.DropColumns,
			Strict:          cfg.Merge.Strict,
		},
		SourceURI:    cfg.WarehouseSourceURI(),
		LoadDisabled: cfg.Warehouse.LoadDisabled,
		Retries:      cfg.DAG.Retries,
		RetryDelay:   cfg.DAG.RetryDelay,
	}
}

// Steps returns the step of every task, keyed by task name.
func Steps(deps Deps, opts Options) map[string]Step {
	return map[string]Step{
		TaskExtractTransactions: &ExtractTransactionsStep{Source: deps.Source, Options: opts.Extract},
		TaskFetchRates:          &FetchRatesStep{Fetcher: deps.Rates, Path: opts.RatesPath},
		TaskMerge: &MergeStep{
			TransactionsPath: opts.Extract.OutputPath,
			RatesPath:        opts.RatesPath,
			OutputPath:       opts.OutputPath,
			Format:           opts.OutputFormat,
			Options:          opts.Merge,
			Metrics:          deps.Metrics,
		},
		TaskLoadToWarehouse: &LoadStep{
			Store:      deps.Store,
			Loader:     deps.Loader,
			OutputPath: opts.OutputPath,
			SourceURI:  opts.SourceURI,
			Disabled:   opts.LoadDisabled,
			Metrics:    deps.Metrics,
		},
	}
}

// NewAudibleDAG wires
//
//	[extract_transactions, fetch_rates] >> merge >> load_to_warehouse
//
// with every step reporting into state.
func NewAudibleDAG(deps Deps, opts Options, state *RunState) (*DAG, error) {
	steps := Steps(deps, opts)
	task := func(name string, upstream ...string) *Task {
		step := steps[name]
		return &Task{
			Name:       name,
			Upstream:   upstream,
			Run:        func(ctx context.Context) error { return step.Execute(ctx, state) },
			Retries:    opts.Retries,
			RetryDelay: opts.RetryDelay,
		}
	}

	dag, err := NewDAG(AudibleDAGID,
		task(TaskExtractTransactions),
		task(TaskFetchRates),
		task(TaskMerge, TaskExtractTransactions, TaskFetchRates),
		task(TaskLoadToWarehouse, TaskMerge),
	)
	if err != nil {
		return nil, err
	}
	dag.Metrics = deps.Metrics
	return dag, nil
}

// Runner executes the audible DAG and records every run in the ledger.
type Runner struct {
	deps Deps
	opts Options
}

// NewRunner creates a runner. A nil recorder falls back to a LogRecorder.
func NewRunner(deps Deps, opts Options) *Runner {
	if deps.Recorder == nil {
		deps.Recorder = warehouse.NewLogRecorder()
	}
	return &Runner{deps: deps, opts: opts}
}

// Recorder returns the run ledger in use.
func (r *Runner) Recorder() warehouse.RunRecorder {
	return r.deps.Recorder
}

// Run executes the whole DAG once. trigger describes what started the run.
func (r *Runner) Run(ctx context.Context, trigger string) (*RunState, *RunResult, error) {
	log := logger.FromContext(ctx)

	runID, err := r.deps.Recorder.StartRun(ctx, trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("Run: starting run: %w", err)
	}

	state := &RunState{RunID: runID}
	dag, err := NewAudibleDAG(r.deps, r.opts, state)
	if err != nil {
		r.deps.Recorder.MarkRunFailed(ctx, runID, err)
		return state, nil, fmt.Errorf("Run: %w", err)
	}

	result := dag.Run(ctx, runID)
	if err := result.Err(); err != nil {
		r.deps.Recorder.MarkRunFailed(ctx, runID, err)
		return state, result, fmt.Errorf("Run: %w", err)
	}

	var rows int64
	if state.Load != nil {
		rows = state.Load.OutputRows
	}
	if err := r.deps.Recorder.MarkRunSucceeded(ctx, runID, rows); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Failed to record run success")
	}

	log.Info().
		Str("run_id", runID).
		Int("transactions", state.Transactions).
		Int("rates", state.Rates).
		Int64("rows_loaded", rows).
		Msg("Run completed")
	return state, result, nil
}

// RunTask executes a single task without its upstreams, as a manual
// re-run of one DAG node.
func (r *Runner) RunTask(ctx context.Context, name string) (*RunState, error) {
	step, ok := Steps(r.deps, r.opts)[name]
	if !ok {
		return nil, fmt.Errorf("RunTask: %w: %s", ErrUnknownTask, name)
	}

	state := &RunState{}
	taskCtx := logger.WithContext(ctx, logger.ForTask(logger.FromContext(ctx), "manual", name))
	if err := step.Execute(taskCtx, state); err != nil {
		return state, fmt.Errorf("RunTask %s: %w", name, err)
	}
	return state, nil
}
