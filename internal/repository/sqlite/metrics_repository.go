package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"magnet-sync/internal/domain"
	"magnet-sync/internal/repository"
)

const createMetricsTable = `
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total_downloaded INTEGER NOT NULL DEFAULT 0,
	total_uploaded INTEGER NOT NULL DEFAULT 0,
	total_downloads INTEGER NOT NULL DEFAULT 0,
	total_sessions INTEGER NOT NULL DEFAULT 0,
	average_speed REAL NOT NULL DEFAULT 0,
	peak_speed REAL NOT NULL DEFAULT 0,
	samples TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL
);
`

type MetricsRepository struct {
	db *sql.DB
}

func NewMetricsRepository(db *sql.DB) repository.MetricsRepository {
	return &MetricsRepository{db: db}
}

func (r *MetricsRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createMetricsTable); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	return nil
}

func (r *MetricsRepository) Load(ctx context.Context) (domain.RollingMetrics, bool, error) {
	var (
		m         domain.RollingMetrics
		samples   string
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
SELECT total_downloaded, total_uploaded, total_downloads, total_sessions, average_speed, peak_speed, samples, updated_at
FROM metrics
WHERE id = 1`).Scan(
		&m.TotalDownloaded,
		&m.TotalUploaded,
		&m.TotalDownloads,
		&m.TotalSessions,
		&m.AverageSpeed,
		&m.PeakSpeed,
		&samples,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RollingMetrics{}, false, nil
	}
	if err != nil {
		return domain.RollingMetrics{}, false, fmt.Errorf("load metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(samples), &m.Samples); err != nil {
		return domain.RollingMetrics{}, false, fmt.Errorf("decode speed samples: %w", err)
	}
	m.UpdatedAt = updatedAt.Local()
	return m, true, nil
}

func (r *MetricsRepository) Save(ctx context.Context, m domain.RollingMetrics) error {
	samples := m.Samples
	if samples == nil {
		samples = []float64{}
	}
	encoded, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("encode speed samples: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO metrics (id, total_downloaded, total_uploaded, total_downloads, total_sessions, average_speed, peak_speed, samples, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	total_downloaded=excluded.total_downloaded,
	total_uploaded=excluded.total_uploaded,
	total_downloads=excluded.total_downloads,
	total_sessions=excluded.total_sessions,
	average_speed=excluded.average_speed,
	peak_speed=excluded.peak_speed,
	samples=excluded.samples,
	updated_at=excluded.updated_at`,
		m.TotalDownloaded,
		m.TotalUploaded,
		m.TotalDownloads,
		m.TotalSessions,
		m.AverageSpeed,
		m.PeakSpeed,
		string(encoded),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}
