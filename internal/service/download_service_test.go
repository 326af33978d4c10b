package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/domain"
	"magnet-sync/internal/magnet"
	"magnet-sync/internal/session"
)

const (
	infoHash = "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"
	link     = "magnet:?xt=urn:btih:" + infoHash + "&dn=bunny"
)

type fakeBackend struct {
	startID  string
	startErr error
	started  []backend.StartRequest
	// onStart runs while the request is in flight, before the response is returned.
	onStart func()

	pauseErr  error
	resumeErr error
	removeErr error
	removed   []string
}

func (f *fakeBackend) Analyze(ctx context.Context, magnetLink string) (domain.TorrentInfo, error) {
	return domain.TorrentInfo{Name: "bunny"}, nil
}

func (f *fakeBackend) StartDownload(ctx context.Context, req backend.StartRequest) (string, error) {
	f.started = append(f.started, req)
	if f.onStart != nil {
		f.onStart()
	}
	return f.startID, f.startErr
}

func (f *fakeBackend) Pause(ctx context.Context, id string) error  { return f.pauseErr }
func (f *fakeBackend) Resume(ctx context.Context, id string) error { return f.resumeErr }

func (f *fakeBackend) Remove(ctx context.Context, id string, deleteFiles bool) error {
	f.removed = append(f.removed, fmt.Sprintf("%s:%v", id, deleteFiles))
	return f.removeErr
}

func newService(b *fakeBackend) (*downloadService, *session.Store) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := session.NewStore()
	svc := NewDownloadService(b, store, logger).(*downloadService)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return svc, store
}

func TestStartReconcilesTemporaryID(t *testing.T) {
	b := &fakeBackend{startID: "abc"}
	svc, store := newService(b)

	var pending domain.DownloadRecord
	b.onStart = func() {
		rec, ok := store.Get(infoHash)
		require.True(t, ok)
		pending = rec
	}

	info := &domain.TorrentInfo{Name: "bunny", Files: []domain.TorrentFile{
		{Index: 0, Size: 100}, {Index: 1, Size: 200}, {Index: 2, Size: 400},
	}}
	rec, err := svc.Start(context.Background(), StartInput{
		MagnetLink:      "  " + link,
		OutputDir:       "/data",
		SelectedIndices: []int{2, 0},
		Info:            info,
	})
	require.NoError(t, err)

	require.Equal(t, domain.DownloadStatusPending, pending.Status)
	require.Equal(t, "abc", rec.ID)
	require.Equal(t, domain.DownloadStatusDownloading, rec.Status)
	require.Equal(t, "bunny", rec.TorrentName)
	require.Equal(t, int64(500), rec.TotalSize)
	require.Equal(t, []int{0, 2}, rec.SelectedIndices)

	require.Equal(t, 1, store.Len())
	_, ok := store.Get(infoHash)
	require.False(t, ok)
	require.Equal(t, []int{0, 2}, b.started[0].SelectedIndices)
	require.Equal(t, link, b.started[0].MagnetLink)
}

func TestStartWithSameIDOnlyAdvancesStatus(t *testing.T) {
	svc, store := newService(&fakeBackend{startID: infoHash})

	rec, err := svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/data", SelectedIndices: []int{0}})
	require.NoError(t, err)
	require.Equal(t, infoHash, rec.ID)
	require.Equal(t, domain.DownloadStatusDownloading, rec.Status)
	require.Equal(t, PendingName, rec.TorrentName)
	require.Equal(t, 1, store.Len())
}

func TestStartFailureMarksRecordErrored(t *testing.T) {
	svc, store := newService(&fakeBackend{startErr: &backend.APIError{StatusCode: 500, Message: "failed to start download"}})

	_, err := svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/data", SelectedIndices: []int{0}})
	require.Error(t, err)

	rec, ok := store.Get(infoHash)
	require.True(t, ok)
	require.Equal(t, domain.DownloadStatusError, rec.Status)
	require.Contains(t, rec.ErrorMessage, "failed to start download")
}

func TestStartRetryReplacesFailedAttempt(t *testing.T) {
	b := &fakeBackend{startErr: &backend.APIError{StatusCode: 500, Message: "disk full"}}
	svc, store := newService(b)

	_, err := svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/old", SelectedIndices: []int{0}})
	require.Error(t, err)

	b.startErr = nil
	b.startID = "abc"
	var pending domain.DownloadRecord
	b.onStart = func() {
		pending, _ = store.Get(infoHash)
	}
	rec, err := svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/new", SelectedIndices: []int{2, 1}})
	require.NoError(t, err)

	require.Equal(t, domain.DownloadStatusPending, pending.Status)
	require.Equal(t, "/new", pending.OutputDir)

	require.Equal(t, "abc", rec.ID)
	require.Equal(t, domain.DownloadStatusDownloading, rec.Status)
	require.Empty(t, rec.ErrorMessage)
	require.Equal(t, "/new", rec.OutputDir)
	require.Equal(t, []int{1, 2}, rec.SelectedIndices)
	require.Equal(t, b.started[1].OutputDir, rec.OutputDir)
	require.Equal(t, b.started[1].SelectedIndices, rec.SelectedIndices)
	require.Equal(t, 1, store.Len())
}

func TestStartCancellationLeavesRecordUntouched(t *testing.T) {
	svc, store := newService(&fakeBackend{startErr: fmt.Errorf("start download: %w", context.Canceled)})

	_, err := svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/data", SelectedIndices: []int{0}})
	require.True(t, backend.IsCanceled(err))

	rec, ok := store.Get(infoHash)
	require.True(t, ok)
	require.Equal(t, domain.DownloadStatusPending, rec.Status)
	require.Empty(t, rec.ErrorMessage)
}

func TestStartValidation(t *testing.T) {
	b := &fakeBackend{startID: "abc"}
	svc, store := newService(b)

	_, err := svc.Start(context.Background(), StartInput{MagnetLink: "https://example.com", OutputDir: "/data", SelectedIndices: []int{0}})
	require.ErrorIs(t, err, magnet.ErrInvalidMagnet)

	_, err = svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: " ", SelectedIndices: []int{0}})
	require.ErrorIs(t, err, ErrOutputDirRequired)

	_, err = svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/data"})
	require.ErrorIs(t, err, magnet.ErrNoSelection)

	_, err = svc.Start(context.Background(), StartInput{MagnetLink: link, OutputDir: "/data", SelectedIndices: []int{1, 1}})
	require.ErrorIs(t, err, magnet.ErrInvalidSelection)

	require.Empty(t, b.started)
	require.Zero(t, store.Len())
}

func TestPauseAndResumeAfterAck(t *testing.T) {
	b := &fakeBackend{}
	svc, store := newService(b)
	store.Upsert(domain.DownloadRecord{ID: "abc", Status: domain.DownloadStatusDownloading})

	require.NoError(t, svc.Pause(context.Background(), "abc"))
	rec, _ := store.Get("abc")
	require.Equal(t, domain.DownloadStatusPaused, rec.Status)

	b.resumeErr = errors.New("backend down")
	require.Error(t, svc.Resume(context.Background(), "abc"))
	rec, _ = store.Get("abc")
	require.Equal(t, domain.DownloadStatusPaused, rec.Status)

	b.resumeErr = nil
	require.NoError(t, svc.Resume(context.Background(), "abc"))
	rec, _ = store.Get("abc")
	require.Equal(t, domain.DownloadStatusDownloading, rec.Status)
}

func TestPauseUnknownIDDoesNotSynthesize(t *testing.T) {
	svc, store := newService(&fakeBackend{})
	require.NoError(t, svc.Pause(context.Background(), "ghost"))
	require.Zero(t, store.Len())
}

func TestRemove(t *testing.T) {
	b := &fakeBackend{}
	svc, store := newService(b)
	store.Upsert(domain.DownloadRecord{ID: "a", Status: domain.DownloadStatusCompleted})
	store.Upsert(domain.DownloadRecord{ID: "b", Status: domain.DownloadStatusCompleted})
	store.Upsert(domain.DownloadRecord{ID: "c", Status: domain.DownloadStatusCompleted})

	require.NoError(t, svc.Remove(context.Background(), "a", true))
	_, ok := store.Get("a")
	require.False(t, ok)

	b.removeErr = &backend.APIError{StatusCode: 404, Message: "download not found"}
	require.NoError(t, svc.Remove(context.Background(), "b", false))
	_, ok = store.Get("b")
	require.False(t, ok)

	b.removeErr = &backend.APIError{StatusCode: 500, Message: "boom"}
	require.Error(t, svc.Remove(context.Background(), "c", false))
	_, ok = store.Get("c")
	require.True(t, ok)

	require.Equal(t, []string{"a:true", "b:false", "c:false"}, b.removed)
}

func TestAnalyzeValidatesFirst(t *testing.T) {
	svc, _ := newService(&fakeBackend{})
	_, err := svc.Analyze(context.Background(), "")
	require.ErrorIs(t, err, magnet.ErrEmpty)

	info, err := svc.Analyze(context.Background(), link)
	require.NoError(t, err)
	require.Equal(t, "bunny", info.Name)
}
