package warehouse

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/audible-etl/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is one versioned DDL statement for the warehouse dataset.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string // sha256 of the file before placeholders are filled in
}

// Migrations returns the embedded migrations rendered for dataset and
// runsTable.
func Migrations(dataset, runsTable string) ([]Migration, error) {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	return ParseMigrations(sub, dataset, runsTable)
}

// ParseMigrations reads NNNN_name.sql files from the root of fsys, sorted by
// version. Other files are skipped.
func ParseMigrations(fsys fs.FS, dataset, runsTable string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ParseMigrations: reading directory: %w", err)
	}

	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("ParseMigrations: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("ParseMigrations: reading %s: %w", e.Name(), err)
		}
		sql := strings.NewReplacer("{{DATASET_ID}}", dataset, "{{RUNS_TABLE}}", runsTable).Replace(string(content))

		out = append(out, Migration{
			Version:  version,
			Name:     m[2],
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// MigrateWithClient applies every migration not yet listed in
// dataset.schema_migrations and returns how many ran.
func MigrateWithClient(ctx context.Context, client *bigquery.Client, dataset, appliedBy string, migrations []Migration) (int, error) {
	log := logger.FromContext(ctx)
	ledger := fmt.Sprintf("`%s.schema_migrations`", dataset)

	if err := runStatement(ctx, client.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)`, ledger))); err != nil {
		return 0, fmt.Errorf("MigrateWithClient: creating schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, client, ledger)
	if err != nil {
		return 0, fmt.Errorf("MigrateWithClient: %w", err)
	}

	count := 0
	for _, m := range migrations {
		mlog := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		if sum, ok := applied[m.Version]; ok {
			if sum != "" && sum != m.Checksum {
				mlog.Warn().Msg("Applied migration has changed since it ran")
			}
			mlog.Debug().Msg("Migration already applied")
			continue
		}

		if err := runStatement(ctx, client.Query(m.SQL)); err != nil {
			return count, fmt.Errorf("MigrateWithClient: %04d_%s: %w", m.Version, m.Name, err)
		}

		q := client.Query(fmt.Sprintf(`
			INSERT INTO %s (version, name, applied_at, checksum, applied_by)
			VALUES (@version, @name, @applied_at, @checksum, @applied_by)`, ledger))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "version", Value: m.Version},
			{Name: "name", Value: m.Name},
			{Name: "applied_at", Value: time.Now().UTC()},
			{Name: "checksum", Value: m.Checksum},
			{Name: "applied_by", Value: appliedBy},
		}
		if err := runStatement(ctx, q); err != nil {
			return count, fmt.Errorf("MigrateWithClient: recording %04d_%s: %w", m.Version, m.Name, err)
		}

		mlog.Info().Msg("Applied migration")
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, client *bigquery.Client, ledger string) (map[int]string, error) {
	it, err := client.Query(fmt.Sprintf(`SELECT version, checksum FROM %s`, ledger)).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	out := map[int]string{}
	for {
		var row struct {
			Version  int64               `bigquery:"version"`
			Checksum bigquery.NullString `bigquery:"checksum"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}
		out[int(row.Version)] = row.Checksum.StringVal
	}
	return out, nil
}
