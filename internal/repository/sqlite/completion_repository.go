package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"magnet-sync/internal/domain"
	"magnet-sync/internal/repository"
)

const createCompletionsTable = `
CREATE TABLE IF NOT EXISTS completions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id TEXT NOT NULL UNIQUE,
	magnet_link TEXT NOT NULL DEFAULT '',
	torrent_name TEXT NOT NULL DEFAULT '',
	output_dir TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL,
	archive_location TEXT NOT NULL DEFAULT '',
	archive_error TEXT NOT NULL DEFAULT '',
	archived_at DATETIME NULL
);
`

type CompletionRepository struct {
	db *sql.DB
}

func NewCompletionRepository(db *sql.DB) repository.CompletionRepository {
	return &CompletionRepository{db: db}
}

func (r *CompletionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCompletionsTable); err != nil {
		return fmt.Errorf("create completions table: %w", err)
	}
	return nil
}

// Record stores c, refreshing the entry when the same download completes again.
func (r *CompletionRepository) Record(ctx context.Context, c *domain.Completion) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO completions (download_id, magnet_link, torrent_name, output_dir, total_size, completed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(download_id) DO UPDATE SET
	magnet_link=excluded.magnet_link,
	torrent_name=excluded.torrent_name,
	output_dir=excluded.output_dir,
	total_size=excluded.total_size,
	completed_at=excluded.completed_at`,
		c.DownloadID,
		c.MagnetLink,
		c.TorrentName,
		c.OutputDir,
		c.TotalSize,
		c.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT id FROM completions WHERE download_id=?`, c.DownloadID)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("get completion id: %w", err)
	}
	return nil
}

func (r *CompletionRepository) MarkArchived(ctx context.Context, downloadID, location string, archivedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE completions
SET archive_location=?, archive_error='', archived_at=?
WHERE download_id=?`,
		location,
		archivedAt.UTC(),
		downloadID,
	)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return expectRow(res, downloadID)
}

func (r *CompletionRepository) MarkArchiveFailed(ctx context.Context, downloadID, message string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE completions
SET archive_error=?
WHERE download_id=?`,
		message,
		downloadID,
	)
	if err != nil {
		return fmt.Errorf("mark archive failed: %w", err)
	}
	return expectRow(res, downloadID)
}

func (r *CompletionRepository) Get(ctx context.Context, downloadID string) (*domain.Completion, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, download_id, magnet_link, torrent_name, output_dir, total_size, archive_location, archive_error, completed_at, archived_at
FROM completions
WHERE download_id=?`,
		downloadID,
	)
	return scanCompletion(row)
}

func (r *CompletionRepository) List(ctx context.Context) ([]domain.Completion, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, download_id, magnet_link, torrent_name, output_dir, total_size, archive_location, archive_error, completed_at, archived_at
FROM completions
ORDER BY completed_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []domain.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCompletion(scanner interface {
	Scan(dest ...any) error
}) (*domain.Completion, error) {
	var (
		c           domain.Completion
		completedAt time.Time
		archivedAt  sql.NullTime
	)
	if err := scanner.Scan(
		&c.ID,
		&c.DownloadID,
		&c.MagnetLink,
		&c.TorrentName,
		&c.OutputDir,
		&c.TotalSize,
		&c.ArchiveLocation,
		&c.ArchiveError,
		&completedAt,
		&archivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan completion: %w", err)
	}
	c.CompletedAt = completedAt.Local()
	if archivedAt.Valid {
		t := archivedAt.Time.Local()
		c.ArchivedAt = &t
	}
	return &c, nil
}

func expectRow(res sql.Result, downloadID string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("completion %s: %w", downloadID, repository.ErrNotFound)
	}
	return nil
}
