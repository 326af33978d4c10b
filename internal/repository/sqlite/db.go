package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"magnet-sync/internal/repository"
)

// Open opens (or creates) the sqlite database at path, creating parent directories as needed.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// a single writer keeps sqlite out of SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Repositories bundles the sqlite backed stores.
type Repositories struct {
	Metrics     repository.MetricsRepository
	Completions repository.CompletionRepository
}

// NewRepositories creates every table and returns the repositories sharing db.
func NewRepositories(ctx context.Context, db *sql.DB) (*Repositories, error) {
	repos := &Repositories{
		Metrics:     NewMetricsRepository(db),
		Completions: NewCompletionRepository(db),
	}
	if err := repos.Metrics.Init(ctx); err != nil {
		return nil, err
	}
	if err := repos.Completions.Init(ctx); err != nil {
		return nil, err
	}
	return repos, nil
}
