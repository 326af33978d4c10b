package repository

import (
	"context"
	"errors"
	"time"

	"magnet-sync/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// MetricsRepository persists the rolling transfer metrics across restarts.
type MetricsRepository interface {
	Init(ctx context.Context) error
	// Load returns false when nothing was saved yet.
	Load(ctx context.Context) (domain.RollingMetrics, bool, error)
	Save(ctx context.Context, m domain.RollingMetrics) error
}

// CompletionRepository keeps the history of completed downloads and their archive state.
type CompletionRepository interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, c *domain.Completion) error
	MarkArchived(ctx context.Context, downloadID, location string, archivedAt time.Time) error
	MarkArchiveFailed(ctx context.Context, downloadID, message string) error
	Get(ctx context.Context, downloadID string) (*domain.Completion, error)
	List(ctx context.Context) ([]domain.Completion, error)
}
