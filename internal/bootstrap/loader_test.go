package bootstrap

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/domain"
	"magnet-sync/internal/session"
)

type stubSource struct {
	calls     int
	snapshots []backend.DownloadSnapshot
	err       error
}

func (s *stubSource) ListDownloads(context.Context) ([]backend.DownloadSnapshot, error) {
	s.calls++
	return s.snapshots, s.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoadFiltersAndMaps(t *testing.T) {
	eta := int64(42)
	src := &stubSource{snapshots: []backend.DownloadSnapshot{
		{ID: "a", MagnetLink: "magnet:?a", Status: "downloading", Progress: 12, TorrentName: "", ETA: &eta, CreatedAt: "2026-01-02T03:04:05Z"},
		{ID: "", MagnetLink: "magnet:?b", Status: "downloading"},
		{ID: "c", MagnetLink: "", Status: "paused"},
		{ID: "d", MagnetLink: "magnet:?d", Status: ""},
		{ID: "e", MagnetLink: "magnet:?e", Status: "exploded"},
		{ID: "f", MagnetLink: "magnet:?f", Status: "error", ErrorMessage: "disk full", TorrentName: "f.iso", OutputDir: "/data"},
	}}
	store := session.NewStore()
	l := NewLoader(src, store, quietLogger())

	l.Load(context.Background())

	list := store.List()
	require.Len(t, list, 2)
	require.Equal(t, 2, l.Loaded())

	a := list[0]
	require.Equal(t, "a", a.ID)
	require.Equal(t, DefaultName, a.TorrentName)
	require.Equal(t, "", a.OutputDir)
	require.Equal(t, 12.0, a.Progress)
	require.Equal(t, int64(42), *a.ETA)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), a.CreatedAt.UTC())

	f := list[1]
	require.Equal(t, domain.DownloadStatusError, f.Status)
	require.Equal(t, "disk full", f.ErrorMessage)
	require.Equal(t, "f.iso", f.TorrentName)
}

func TestLoadRunsOnce(t *testing.T) {
	src := &stubSource{snapshots: []backend.DownloadSnapshot{{ID: "a", MagnetLink: "m", Status: "completed"}}}
	store := session.NewStore()
	l := NewLoader(src, store, quietLogger())

	l.Load(context.Background())
	store.Remove("a")
	l.Load(context.Background())

	require.Equal(t, 1, src.calls)
	require.Zero(t, store.Len())
}

func TestLoadFailureIsSilent(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	store := session.NewStore()
	require.True(t, store.Upsert(domain.DownloadRecord{ID: "live", Status: domain.DownloadStatusDownloading}))

	l := NewLoader(src, store, quietLogger())
	l.Load(context.Background())

	select {
	case <-l.Done():
	default:
		t.Fatal("done channel not closed after failed load")
	}
	require.Zero(t, l.Loaded())
	_, ok := store.Get("live")
	require.True(t, ok)
}

func TestNormalizeClampsNumbers(t *testing.T) {
	neg := int64(-5)
	out := Normalize([]backend.DownloadSnapshot{{
		ID: "a", MagnetLink: "m", Status: "downloading",
		Progress: 130, Speed: -1, Peers: -3, TotalSize: -10, ETA: &neg, ErrorMessage: "stale",
	}})
	require.Len(t, out, 1)
	require.Equal(t, 100.0, out[0].Progress)
	require.Zero(t, out[0].Speed)
	require.Zero(t, out[0].Peers)
	require.Zero(t, out[0].TotalSize)
	require.Nil(t, out[0].ETA)
	require.Empty(t, out[0].ErrorMessage)
}
