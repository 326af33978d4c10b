package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/domain"
	"magnet-sync/internal/magnet"
)

// PendingName labels a download that was just submitted and has no torrent name yet.
const PendingName = "Starting download..."

// ErrOutputDirRequired is returned when a download is started without a destination.
var ErrOutputDirRequired = errors.New("output directory is required")

// Backend is the subset of the REST client the service drives.
type Backend interface {
	Analyze(ctx context.Context, magnetLink string) (domain.TorrentInfo, error)
	StartDownload(ctx context.Context, req backend.StartRequest) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, deleteFiles bool) error
}

// Store is the subset of the session store the service mutates.
type Store interface {
	Upsert(rec domain.DownloadRecord) bool
	Update(id string, patch domain.Patch) bool
	ReconcileIdentifier(tempID, realID string) bool
	Remove(id string) bool
	Get(id string) (domain.DownloadRecord, bool)
}

// StartInput describes a download the user asked for.
type StartInput struct {
	MagnetLink      string
	OutputDir       string
	SelectedIndices []int
	Sequential      bool
	// Info is the result of a previous Analyze call, used for name and size.
	Info *domain.TorrentInfo
}

// DownloadService carries out user actions against the backend and mirrors their outcome in the
// session store.
type DownloadService interface {
	Analyze(ctx context.Context, magnetLink string) (domain.TorrentInfo, error)
	Start(ctx context.Context, in StartInput) (domain.DownloadRecord, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, deleteFiles bool) error
}

type downloadService struct {
	backend Backend
	store   Store
	now     func() time.Time
	log     *logrus.Entry
}

var _ DownloadService = (*downloadService)(nil)

func NewDownloadService(b Backend, store Store, logger *logrus.Logger) DownloadService {
	if logger == nil {
		logger = logrus.New()
	}
	return &downloadService{
		backend: b,
		store:   store,
		now:     time.Now,
		log:     logger.WithField("component", "service"),
	}
}

func (s *downloadService) Analyze(ctx context.Context, magnetLink string) (domain.TorrentInfo, error) {
	link := strings.TrimSpace(magnetLink)
	if err := magnet.Validate(link); err != nil {
		return domain.TorrentInfo{}, err
	}
	return s.backend.Analyze(ctx, link)
}

// Start inserts a pending record under a temporary id, submits the download and swaps in the id
// the backend assigned. A failed submission leaves the record in the error state; a canceled one
// leaves it untouched.
func (s *downloadService) Start(ctx context.Context, in StartInput) (domain.DownloadRecord, error) {
	link := strings.TrimSpace(in.MagnetLink)
	if err := magnet.Validate(link); err != nil {
		return domain.DownloadRecord{}, err
	}
	outputDir := strings.TrimSpace(in.OutputDir)
	if outputDir == "" {
		return domain.DownloadRecord{}, ErrOutputDirRequired
	}
	indices, err := magnet.NormalizeSelection(in.SelectedIndices)
	if err != nil {
		return domain.DownloadRecord{}, err
	}

	now := s.now()
	tempID := magnet.TemporaryID(link, now)
	name := PendingName
	var totalSize int64
	if in.Info != nil {
		if in.Info.Name != "" {
			name = in.Info.Name
		}
		totalSize = in.Info.SelectedSize(indices)
	}

	// a failed earlier attempt under the same info hash is replaced by this one
	if prev, ok := s.store.Get(tempID); ok && prev.Status == domain.DownloadStatusError {
		s.store.Remove(tempID)
	}
	s.store.Upsert(domain.DownloadRecord{
		ID:              tempID,
		MagnetLink:      link,
		Status:          domain.DownloadStatusPending,
		TorrentName:     name,
		OutputDir:       outputDir,
		TotalSize:       totalSize,
		SelectedIndices: indices,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	log := s.log.WithField("download_id", tempID)
	id, err := s.backend.StartDownload(ctx, backend.StartRequest{
		MagnetLink:      link,
		OutputDir:       outputDir,
		SelectedIndices: indices,
		Sequential:      in.Sequential,
	})
	if err != nil {
		if backend.IsCanceled(err) {
			log.Debug("start download canceled")
			return domain.DownloadRecord{}, err
		}
		log.WithError(err).Error("failed to start download")
		s.store.Update(tempID, domain.Patch{
			Status:       domain.Ref(domain.DownloadStatusError),
			ErrorMessage: domain.Ref(err.Error()),
		})
		return domain.DownloadRecord{}, err
	}

	s.store.ReconcileIdentifier(tempID, id)
	log.WithField("backend_id", id).Infof("download started with %d file(s)", len(indices))

	rec, ok := s.store.Get(id)
	if !ok {
		return domain.DownloadRecord{}, fmt.Errorf("download %s missing after start", id)
	}
	return rec, nil
}

// Pause asks the backend to pause id. The local status changes only after the backend
// acknowledged; on failure it is left as it was.
func (s *downloadService) Pause(ctx context.Context, id string) error {
	if err := s.backend.Pause(ctx, id); err != nil {
		return err
	}
	s.setStatus(id, domain.DownloadStatusPaused)
	return nil
}

func (s *downloadService) Resume(ctx context.Context, id string) error {
	if err := s.backend.Resume(ctx, id); err != nil {
		return err
	}
	s.setStatus(id, domain.DownloadStatusDownloading)
	return nil
}

// setStatus only touches records the store already holds.
func (s *downloadService) setStatus(id string, status domain.DownloadStatus) {
	if _, ok := s.store.Get(id); !ok {
		return
	}
	s.store.Update(id, domain.Patch{Status: &status})
}

// Remove deletes the download on the backend and then locally. A download the backend no longer
// knows is removed locally without error.
func (s *downloadService) Remove(ctx context.Context, id string, deleteFiles bool) error {
	if err := s.backend.Remove(ctx, id, deleteFiles); err != nil {
		if !backend.IsNotFound(err) {
			return err
		}
		s.log.WithField("download_id", id).Info("download unknown to backend, removing locally")
	}
	s.store.Remove(id)
	return nil
}
