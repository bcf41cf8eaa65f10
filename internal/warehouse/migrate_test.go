package warehouse

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql":    {Data: []byte("ALTER TABLE `{{DATASET_ID}}.{{RUNS_TABLE}}` ADD COLUMN x STRING;")},
		"0001_runs.sql":         {Data: []byte("CREATE TABLE `{{DATASET_ID}}.{{RUNS_TABLE}}` (run_id STRING);")},
		"001_invalid.sql":       {Data: []byte("x")},
		"0003_no_extension":     {Data: []byte("x")},
		"0004.sql":              {Data: []byte("x")},
		"invalid_0005_test.sql": {Data: []byte("x")},
		"README.md":             {Data: []byte("docs")},
	}

	got, err := ParseMigrations(fsys, "workshop", "pipeline_runs")
	if err != nil {
		t.Fatalf("ParseMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrations, want 2: %+v", len(got), got)
	}
	if got[0].Version != 1 || got[0].Name != "runs" || got[1].Version != 2 {
		t.Errorf("order = %+v", got)
	}
	if want := "CREATE TABLE `workshop.pipeline_runs` (run_id STRING);"; got[0].SQL != want {
		t.Errorf("SQL = %q, want %q", got[0].SQL, want)
	}

	// Checksums cover the template, not the rendered statement.
	again, err := ParseMigrations(fsys, "other", "runs")
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Checksum != got[0].Checksum {
		t.Error("checksum changed with dataset")
	}
	if got[0].Checksum == got[1].Checksum {
		t.Error("different files share a checksum")
	}
}

func TestParseMigrationsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("a")},
		"0001_b.sql": {Data: []byte("b")},
	}
	if _, err := ParseMigrations(fsys, "d", "t"); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := Migrations("workshop", "pipeline_runs")
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(got) == 0 || !strings.Contains(got[0].SQL, "`workshop.pipeline_runs`") {
		t.Errorf("embedded migrations = %+v", got)
	}
	for _, m := range got {
		if strings.Contains(m.SQL, "{{") {
			t.Errorf("%04d_%s has unfilled placeholders", m.Version, m.Name)
		}
	}
}
