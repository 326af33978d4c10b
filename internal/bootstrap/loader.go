package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/domain"
)

// DefaultName is shown for snapshot entries the backend has not named yet.
const DefaultName = "Download"

// Source lists the downloads known to the backend.
type Source interface {
	ListDownloads(ctx context.Context) ([]backend.DownloadSnapshot, error)
}

// Store is seeded with the bootstrap snapshot.
type Store interface {
	SetAll(records []domain.DownloadRecord)
}

// Loader seeds the session store from the backend exactly once.
type Loader struct {
	source Source
	store  Store
	log    *logrus.Entry

	once   sync.Once
	loaded int
	done   chan struct{}
}

func NewLoader(source Source, store Store, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{
		source: source,
		store:  store,
		log:    logger.WithField("component", "bootstrap"),
		done:   make(chan struct{}),
	}
}

// Load fetches the snapshot and replaces the store contents. Only the first call does any work.
// Failures are logged and swallowed; the store is then left as it was.
func (l *Loader) Load(ctx context.Context) {
	l.once.Do(func() {
		defer close(l.done)

		snapshots, err := l.source.ListDownloads(ctx)
		if err != nil {
			l.log.WithError(err).Warn("failed to load downloads from backend")
			return
		}
		records := Normalize(snapshots)
		if skipped := len(snapshots) - len(records); skipped > 0 {
			l.log.Debugf("skipped %d malformed download entries", skipped)
		}
		l.store.SetAll(records)
		l.loaded = len(records)
		l.log.Infof("loaded %d downloads from backend", len(records))
	})
}

// Done is closed once the first Load call has returned.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Loaded returns how many records the bootstrap put into the store.
func (l *Loader) Loaded() int {
	select {
	case <-l.done:
		return l.loaded
	default:
		return 0
	}
}

// Normalize drops entries without id, magnet link or a known status and maps the rest to
// records, filling defaults for missing optional fields.
func Normalize(snapshots []backend.DownloadSnapshot) []domain.DownloadRecord {
	out := make([]domain.DownloadRecord, 0, len(snapshots))
	for _, s := range snapshots {
		status := domain.DownloadStatus(s.Status)
		if s.ID == "" || s.MagnetLink == "" || !status.Valid() {
			continue
		}
		name := s.TorrentName
		if name == "" {
			name = DefaultName
		}
		rec := domain.DownloadRecord{
			ID:              s.ID,
			MagnetLink:      s.MagnetLink,
			Status:          status,
			Progress:        min(100, max(0, s.Progress)),
			Speed:           max(0, s.Speed),
			DownloadSpeed:   max(0, s.DownloadSpeed),
			UploadSpeed:     max(0, s.UploadSpeed),
			TorrentName:     name,
			OutputDir:       s.OutputDir,
			TotalSize:       max(0, s.TotalSize),
			DownloadedBytes: max(0, s.DownloadedBytes),
			Peers:           max(0, s.Peers),
			SelectedIndices: s.SelectedIndices,
			CreatedAt:       parseTime(s.CreatedAt),
			UpdatedAt:       parseTime(s.UpdatedAt),
		}
		if s.ETA != nil && *s.ETA >= 0 {
			rec.ETA = domain.Ref(*s.ETA)
		}
		if status == domain.DownloadStatusError {
			rec.ErrorMessage = s.ErrorMessage
		}
		out = append(out, rec)
	}
	return out
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
