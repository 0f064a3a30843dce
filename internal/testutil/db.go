package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joseph-ayodele/bill-extractor/internal/repository"
)

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SQLiteDB opens a migrated SQLite database in a temporary directory.
func SQLiteDB(t *testing.T) *repository.DB {
	t.Helper()
	ctx := context.Background()
	logger := Logger()

	db, err := repository.Open(ctx, repository.Config{
		Driver: repository.DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "tasks.db"),
	}, logger)
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { repository.Close(db, logger) })

	if err := repository.Migrate(ctx, db, logger); err != nil {
		t.Fatalf("Failed to migrate sqlite: %v", err)
	}
	return db
}

// PostgresDB starts a PostgreSQL container and returns a migrated connection.
// The test is skipped in -short mode or when no container runtime is available.
func PostgresDB(t *testing.T) *repository.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	logger := Logger()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "extractor",
			"POSTGRES_PASSWORD": "extractor",
			"POSTGRES_DB":       "extractor",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	connStr := fmt.Sprintf("postgres://extractor:extractor@%s:%s/extractor?sslmode=disable", host, port.Port())

	db, err := repository.Open(ctx, repository.Config{
		Driver:      repository.DriverPostgres,
		DSN:         connStr,
		MaxConns:    10,
		DialTimeout: 10 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("Failed to connect to test DB: %v", err)
	}
	t.Cleanup(func() { repository.Close(db, logger) })

	if err := repository.Migrate(ctx, db, logger); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return db
}
