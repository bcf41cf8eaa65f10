package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/app"
	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/pipeline"
)

// commands maps subcommands that run a single task to the task name.
var commands = map[string]string{
	"extract":     pipeline.TaskExtractTransactions,
	"fetch-rates": pipeline.TaskFetchRates,
	"merge":       pipeline.TaskMerge,
	"load":        pipeline.TaskLoadToWarehouse,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	ctx, log := app.NewContext(cfg)

	switch cmd := os.Args[1]; cmd {
	case "run":
		runDAG(ctx, log, cfg)
	case "history":
		runHistory(ctx, log, cfg)
	case "help", "-h", "--help":
		printUsage()
	default:
		task, ok := commands[cmd]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
			printUsage()
			os.Exit(1)
		}
		runTask(ctx, log, cfg, cmd, task)
	}
}

func printUsage() {
	fmt.Println("Audible ETL")
	fmt.Println("\nUsage:")
	fmt.Println("  etl <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run          Run the whole DAG once")
	fmt.Println("  extract      Join the source tables into the transactions file")
	fmt.Println("  fetch-rates  Download the conversion rates file")
	fmt.Println("  merge        Convert prices and write the output file")
	fmt.Println("  load         Upload the output file and load it into BigQuery")
	fmt.Println("  history      List recorded DAG runs")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nConfiguration is read from the environment and an optional .env file.")
}

// applyFlags lets the flags shared by every command override configuration.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Paths.Output, "output", cfg.Paths.Output, "Merged output path")
	fs.StringVar(&cfg.Merge.OutputFormat, "format", cfg.Merge.OutputFormat, "Output format (csv or parquet)")
	fs.BoolVar(&cfg.Merge.Strict, "strict", cfg.Merge.Strict, "Fail the merge when any row fails")
	fs.BoolVar(&cfg.Warehouse.LoadDisabled, "no-load", cfg.Warehouse.LoadDisabled, "Skip the warehouse load")
	fs.IntVar(&cfg.DAG.Retries, "retries", cfg.DAG.Retries, "Retries per task")
}

func runDAG(ctx context.Context, log zerolog.Logger, cfg *config.Config) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	applyFlags(fs, cfg)
	fs.Parse(os.Args[2:])

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DAG.Timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer a.Close()

	state, result, err := a.Runner().Run(ctx, jobs.TriggerManual)
	if result != nil {
		printResult(result)
	}
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("DAG run failed")
	}

	fmt.Printf("Run %s completed: %d transactions, %d rates", state.RunID, state.Transactions, state.Rates)
	if state.Load != nil {
		fmt.Printf(", %d rows loaded into %s", state.Load.OutputRows, state.Load.Destination)
	}
	fmt.Println(".")
}

func runTask(ctx context.Context, log zerolog.Logger, cfg *config.Config, cmd, task string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	applyFlags(fs, cfg)
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(ctx, cfg.DAG.Timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, task)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer a.Close()

	if _, err := a.Runner().RunTask(ctx, task); err != nil {
		a.Close()
		log.Fatal().Err(err).Str("task", task).Msg("Task failed")
	}
	fmt.Printf("Task %s completed successfully.\n", task)
}

func runHistory(ctx context.Context, log zerolog.Logger, cfg *config.Config) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Number of runs to show")
	fs.Parse(os.Args[2:])

	if !cfg.Warehouse.RecordRuns {
		log.Fatal().Msg("Run history requires BQ_RECORD_RUNS=true")
	}

	recorder, closer, err := app.OpenRecorder(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run ledger")
	}
	defer closer.Close()

	runs, err := recorder.ListRuns(ctx, *limit)
	if err != nil {
		closer.Close()
		log.Fatal().Err(err).Msg("Failed to list runs")
	}

	fmt.Printf("%-36s  %-9s  %-8s  %-20s  %s\n", "RUN ID", "TRIGGER", "STATUS", "STARTED", "ROWS")
	for _, r := range runs {
		rows := "-"
		if r.RowsLoaded.Valid {
			rows = fmt.Sprint(r.RowsLoaded.Int64)
		}
		fmt.Printf("%-36s  %-9s  %-8s  %-20s  %s\n", r.RunID, r.Trigger, r.Status, r.StartedTS.Format("2006-01-02 15:04:05"), rows)
		if r.ErrorMessage != "" {
			fmt.Printf("    %s\n", r.ErrorMessage)
		}
	}
}

func printResult(result *pipeline.RunResult) {
	for _, t := range result.Tasks {
		line := fmt.Sprintf("  %-22s %-16s attempts=%d duration=%s", t.Name, t.State, t.Attempts, t.Duration.Round(time.Millisecond))
		if t.Err != nil {
			line += " error=" + t.Err.Error()
		}
		fmt.Println(line)
	}
}
