// Package app builds the pipeline collaborators from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/extract"
	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/pipeline"
	"github.com/dvloznov/audible-etl/internal/rates"
	"github.com/dvloznov/audible-etl/internal/storage"
	"github.com/dvloznov/audible-etl/internal/warehouse"
)

// App owns the collaborators of one process and closes them on Close.
type App struct {
	Config  *config.Config
	Deps    pipeline.Deps
	Options pipeline.Options
	closers []io.Closer
}

// Build opens what the given tasks need. With no tasks, everything the
// whole DAG touches is opened.
func Build(ctx context.Context, cfg *config.Config, tasks ...string) (*App, error) {
	log := logger.FromContext(ctx)
	a := &App{
		Config:  cfg,
		Options: pipeline.OptionsFromConfig(cfg),
		Deps:    pipeline.Deps{Metrics: pipeline.NewMetrics()},
	}

	need := map[string]bool{}
	for _, t := range tasks {
		need[t] = true
	}
	all := len(tasks) == 0

	if all || need[pipeline.TaskExtractTransactions] {
		if err := cfg.ValidateSource(); err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		src, err := extract.OpenSource(ctx, cfg.Source.DSN)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, src)
		a.Deps.Source = src
	}

	if all || need[pipeline.TaskFetchRates] {
		if err := cfg.ValidateRates(); err != nil {
			a.Close()
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.Deps.Rates = rates.NewClient(cfg.Rates.URL, &http.Client{Timeout: cfg.Rates.Timeout})
	}

	if (all || need[pipeline.TaskLoadToWarehouse]) && !cfg.Warehouse.LoadDisabled {
		store, err := storage.NewGCSStore(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile, os.Stdout)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, store)
		a.Deps.Store = store

		loader, err := warehouse.NewBigQueryLoader(ctx, cfg.Warehouse.ProjectID, cfg.Warehouse.Dataset,
			cfg.Warehouse.Table, cfg.Merge.OutputFormat, cfg.Storage.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, loader)
		a.Deps.Loader = loader
	}

	if all && cfg.Warehouse.RecordRuns {
		recorder, closer, err := OpenRecorder(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, closer)
		a.Deps.Recorder = recorder
	}

	log.Debug().
		Strs("tasks", tasks).
		Bool("record_runs", a.Deps.Recorder != nil).
		Bool("load_disabled", cfg.Warehouse.LoadDisabled).
		Msg("Pipeline dependencies ready")
	return a, nil
}

// OpenRecorder opens the BigQuery run ledger. The returned closer releases
// its client.
func OpenRecorder(ctx context.Context, cfg *config.Config) (*warehouse.BigQueryRunRecorder, io.Closer, error) {
	client, err := warehouse.NewClient(ctx, cfg.Warehouse.ProjectID, cfg.Storage.CredentialsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenRecorder: %w", err)
	}
	return warehouse.NewBigQueryRunRecorder(client, cfg.Warehouse.Dataset, cfg.Warehouse.RunsTable), client, nil
}

// Runner returns a DAG runner over the built collaborators.
func (a *App) Runner() *pipeline.Runner {
	return pipeline.NewRunner(a.Deps, a.Options)
}

// JobHandler runs the DAG for every RunDAGJob taken off a queue and
// copies the run outcome onto the job.
func JobHandler(runner *pipeline.Runner) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		runJob, ok := job.(*jobs.RunDAGJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}
		log := logger.FromContext(ctx)
		log.Info().Str("trigger", runJob.Trigger).Msg("Processing DAG run job")

		state, _, err := runner.Run(ctx, runJob.Trigger)
		if state != nil {
			runJob.RunID = state.RunID
			if state.Load != nil {
				runJob.RowsLoaded = state.Load.OutputRows
			}
		}
		if err != nil {
			log.Error().Err(err).Str("run_id", runJob.RunID).Msg("DAG run failed")
			return err
		}

		log.Info().Str("run_id", runJob.RunID).Msg("DAG run completed successfully")
		return nil
	}
}

// Close releases every opened client in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// NewContext builds the process logger from the log settings and returns it
// together with a context carrying it.
func NewContext(cfg *config.Config) (context.Context, zerolog.Logger) {
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return logger.WithContext(context.Background(), log), log
}
