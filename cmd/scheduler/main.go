package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/app"
	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/jobs/inmemory"
	"github.com/dvloznov/audible-etl/internal/logger"
)

// OnceSchedule runs the DAG a single time and exits.
const OnceSchedule = "@once"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	ctx, log := app.NewContext(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer a.Close()

	// The DAG retries its own tasks, so jobs are not retried by the queue.
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.QueueOptions{BufferSize: 10, Workers: 1}, jobStore)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := jobQueue.Start(workerCtx, app.JobHandler(a.Runner())); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	if cfg.DAG.Schedule == OnceSchedule {
		code := runOnce(workerCtx, jobQueue, jobStore, cfg.DAG.Timeout)
		_ = jobQueue.Close()
		a.Close()
		os.Exit(code)
	}

	c, err := newScheduler(workerCtx, cfg.DAG.Schedule, jobQueue, log)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.DAG.Schedule).Msg("Invalid schedule")
	}
	c.Start()
	log.Info().Str("schedule", cfg.DAG.Schedule).Msg("Scheduler started, waiting for the next run")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler...")
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	cancel()

	log.Info().Msg("Scheduler exited")
}

// runOnce enqueues a single run, waits for it and returns the exit code.
func runOnce(ctx context.Context, publisher jobs.Publisher, store jobs.JobStore, timeout time.Duration) int {
	log := logger.FromContext(ctx)

	job, err := enqueue(ctx, publisher)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue run")
		return 1
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := jobs.WaitForJob(waitCtx, store, job.JobID, 500*time.Millisecond)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("Run did not finish")
		return 1
	}
	if done.Status != jobs.JobStatusCompleted {
		log.Error().Str("job_id", done.JobID).Str("run_id", done.RunID).Str("error", done.Error).Msg("Run failed")
		return 1
	}

	log.Info().
		Str("job_id", done.JobID).
		Str("run_id", done.RunID).
		Int64("rows_loaded", done.RowsLoaded).
		Msg("Run completed")
	return 0
}

// newScheduler enqueues a DAG run on every activation of schedule.
func newScheduler(ctx context.Context, schedule string, publisher jobs.Publisher, log zerolog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cronLogger{log: log}))
	_, err := c.AddFunc(schedule, func() {
		if _, err := enqueue(ctx, publisher); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue scheduled run")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("newScheduler: %w", err)
	}
	return c, nil
}

func enqueue(ctx context.Context, publisher jobs.Publisher) (*jobs.RunDAGJob, error) {
	job := &jobs.RunDAGJob{Trigger: jobs.TriggerSchedule}
	if err := publisher.PublishRunDAG(ctx, job); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	log.Info().Str("job_id", job.JobID).Msg("Scheduled run enqueued")
	return job, nil
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
