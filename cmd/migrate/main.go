package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/audible-etl/internal/app"
	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/warehouse"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	appliedBy := flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	dryRun := flag.Bool("dry-run", false, "Print the migrations without applying them")
	flag.StringVar(&cfg.Warehouse.ProjectID, "project", cfg.Warehouse.ProjectID, "GCP project ID")
	flag.StringVar(&cfg.Warehouse.Dataset, "dataset", cfg.Warehouse.Dataset, "BigQuery dataset ID")
	flag.Parse()

	ctx, log := app.NewContext(cfg)

	migrations, err := warehouse.Migrations(cfg.Warehouse.Dataset, cfg.Warehouse.RunsTable)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Int("count", len(migrations)).Msg("Found migrations")

	if *dryRun {
		for _, m := range migrations {
			fmt.Printf("-- %04d_%s (%s)\n%s\n", m.Version, m.Name, m.Checksum[:12], m.SQL)
		}
		return
	}

	if cfg.Warehouse.ProjectID == "" {
		log.Fatal().Msg("Error: -project flag or BQ_PROJECT_ID is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client, err := warehouse.NewClient(ctx, cfg.Warehouse.ProjectID, cfg.Storage.CredentialsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	applied, err := warehouse.MigrateWithClient(ctx, client, cfg.Warehouse.Dataset, *appliedBy, migrations)
	if err != nil {
		client.Close()
		log.Fatal().Err(err).Int("applied", applied).Msg("Migration failed")
	}

	if applied == 0 {
		fmt.Println("No new migrations to apply. Dataset is up to date.")
	} else {
		fmt.Printf("Successfully applied %d migration(s)\n", applied)
	}
}
