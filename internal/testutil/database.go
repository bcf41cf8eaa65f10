package testutil

import (
	"database/sql"
	"embed"
	"testing"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Test Package
)

//go:embed migrations/*.sql
var migrations embed.FS

// SetupSourceDB creates an in-memory SQLite database holding the audible
// source tables and a small seed data set. The database is closed when the
// test completes.
//
// Seeded transactions (book_id -> book):
//
//	2021-05-03 10:00:00  7   Project Hail Mary  $10.00
//	2021-05-03 18:30:00  8   Dune               $12.34
//	2021-05-04 08:15:00  42  (no such book)
//	2021-05-05 12:00:00  NULL
func SetupSourceDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatalf("Failed to set goose dialect: %v", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return db
}
