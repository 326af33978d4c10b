package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"magnet-sync/internal/domain"
	"magnet-sync/internal/repository"
)

func openRepos(t *testing.T) *Repositories {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos, err := NewRepositories(context.Background(), db)
	require.NoError(t, err)
	return repos
}

func TestMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	repos := openRepos(t)

	_, found, err := repos.Metrics.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)

	in := domain.RollingMetrics{
		TotalDownloaded: 1 << 30,
		TotalUploaded:   512,
		TotalDownloads:  3,
		TotalSessions:   7,
		AverageSpeed:    1500.5,
		PeakSpeed:       9000,
		Samples:         []float64{1000, 2001},
	}
	require.NoError(t, repos.Metrics.Save(ctx, in))

	in.TotalSessions = 8
	require.NoError(t, repos.Metrics.Save(ctx, in))

	out, found, err := repos.Metrics.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(8), out.TotalSessions)
	require.Equal(t, in.TotalDownloaded, out.TotalDownloaded)
	require.Equal(t, in.Samples, out.Samples)
	require.Equal(t, 9000.0, out.PeakSpeed)
	require.False(t, out.UpdatedAt.IsZero())
}

func TestMetricsSaveWithoutSamples(t *testing.T) {
	ctx := context.Background()
	repos := openRepos(t)

	require.NoError(t, repos.Metrics.Save(ctx, domain.RollingMetrics{}))
	out, found, err := repos.Metrics.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, out.Samples)
}

func TestCompletionLifecycle(t *testing.T) {
	ctx := context.Background()
	repos := openRepos(t)

	first := domain.CompletionFromRecord(domain.DownloadRecord{
		ID: "abc", MagnetLink: "magnet:?xt=urn:btih:abc", TorrentName: "ubuntu.iso", OutputDir: "/data", TotalSize: 42,
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repos.Completions.Record(ctx, &first))
	require.NotZero(t, first.ID)

	second := domain.Completion{DownloadID: "def", CompletedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, repos.Completions.Record(ctx, &second))

	again := first
	again.TorrentName = "ubuntu-renamed.iso"
	require.NoError(t, repos.Completions.Record(ctx, &again))
	require.Equal(t, first.ID, again.ID)

	list, err := repos.Completions.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "def", list[0].DownloadID)
	require.Equal(t, "ubuntu-renamed.iso", list[1].TorrentName)
	require.Nil(t, list[1].ArchivedAt)

	require.NoError(t, repos.Completions.MarkArchiveFailed(ctx, "abc", "access denied"))
	got, err := repos.Completions.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "access denied", got.ArchiveError)

	archivedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repos.Completions.MarkArchived(ctx, "abc", "s3://bucket/downloads/abc", archivedAt))
	got, err = repos.Completions.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/downloads/abc", got.ArchiveLocation)
	require.Empty(t, got.ArchiveError)
	require.NotNil(t, got.ArchivedAt)
	require.True(t, archivedAt.Equal(*got.ArchivedAt))
}

func TestCompletionNotFound(t *testing.T) {
	ctx := context.Background()
	repos := openRepos(t)

	_, err := repos.Completions.Get(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = repos.Completions.MarkArchived(ctx, "missing", "s3://x", time.Now())
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewRepositories(ctx, db)
	require.NoError(t, err)
	_, err = NewRepositories(ctx, db)
	require.NoError(t, err)
}
