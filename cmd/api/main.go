package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/audible-etl/internal/api"
	"github.com/dvloznov/audible-etl/internal/api/handlers"
	"github.com/dvloznov/audible-etl/internal/app"
	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/jobs/inmemory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	flag.Parse()

	ctx, log := app.NewContext(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer a.Close()
	runner := a.Runner()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.DefaultQueueOptions(), jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Msg("Starting job worker")
	if err := jobQueue.Start(workerCtx, app.JobHandler(runner)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	runsHandler := handlers.NewRunsHandler(jobQueue, jobStore, runner.Recorder(), log)
	router := api.NewRouter(runsHandler, a.Deps.Metrics.Registry, cfg.Server.AllowedOrigins, log)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight runs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
