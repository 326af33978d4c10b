package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"magnet-sync/internal/bootstrap"
	"magnet-sync/internal/domain"
	"magnet-sync/internal/format"
	"magnet-sync/internal/metrics"
	"magnet-sync/internal/repository"
	"magnet-sync/internal/service"
	"magnet-sync/internal/session"
	"magnet-sync/internal/storage"
	"magnet-sync/internal/stream"
	"magnet-sync/internal/throttle"
)

// Manager wires the stream, throttler, store and metrics together for one session.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	// FlushMetrics persists the current metrics snapshot when it changed since the last flush.
	FlushMetrics(ctx context.Context) error
}

// StreamClient is the push transport feeding progress events.
type StreamClient interface {
	SetHandler(h stream.Handler)
	Connect()
	Disconnect()
}

// Bootstrapper seeds the store with the backend snapshot.
type Bootstrapper interface {
	Load(ctx context.Context)
}

// HealthRunner probes the backend until its context is done.
type HealthRunner interface {
	Run(ctx context.Context)
}

type Config struct {
	FlushSchedule string
	Archive       storage.ArchiveOptions
	Logger        *logrus.Logger
	Now           func() time.Time
}

// Components are the collaborators the manager drives. Archiver, Health and Bootstrap are optional.
type Components struct {
	Store       *session.Store
	Throttler   *throttle.Throttler
	Metrics     *metrics.Aggregator
	Stream      StreamClient
	Bootstrap   Bootstrapper
	Health      HealthRunner
	MetricsRepo repository.MetricsRepository
	Completions repository.CompletionRepository
	Archiver    storage.Archiver
}

type manager struct {
	cfg Config
	c   Components
	log *logrus.Entry

	cron        *cron.Cron
	unsubscribe func()

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	archiving map[string]struct{}
}

func NewManager(cfg Config, c Components) Manager {
	if cfg.FlushSchedule == "" {
		cfg.FlushSchedule = "@every 30s"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &manager{
		cfg:       cfg,
		c:         c,
		log:       cfg.Logger.WithField("component", "syncer"),
		archiving: make(map[string]struct{}),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.c.MetricsRepo != nil {
		saved, found, err := m.c.MetricsRepo.Load(ctx)
		if err != nil {
			return fmt.Errorf("restore metrics: %w", err)
		}
		if found {
			m.c.Metrics.Restore(saved)
			m.log.Debugf("restored metrics from %s", saved.UpdatedAt.Format(time.RFC3339))
		}
	}
	m.c.Metrics.IncrementSessions()

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.unsubscribe = m.c.Store.Subscribe(m.observe)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.c.Throttler.Run(m.ctx)
	}()

	m.c.Stream.SetHandler(m.c.Throttler)
	m.c.Stream.Connect()

	if m.c.Bootstrap != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.c.Bootstrap.Load(m.ctx)
		}()
	}

	if m.c.Health != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.c.Health.Run(m.ctx)
		}()
	}

	if m.c.MetricsRepo != nil {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(m.cfg.FlushSchedule, func() {
			if err := m.FlushMetrics(m.ctx); err != nil {
				m.log.WithError(err).Warn("flush metrics")
			}
		}); err != nil {
			m.Shutdown()
			return fmt.Errorf("schedule metrics flush %q: %w", m.cfg.FlushSchedule, err)
		}
		m.cron.Start()
	}

	m.log.Info("sync session started")
	return nil
}

func (m *manager) Shutdown() {
	if m.c.Stream != nil {
		m.c.Stream.Disconnect()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.FlushMetrics(flushCtx); err != nil {
		m.log.WithError(err).Warn("final metrics flush")
	}
	m.log.Info("sync session stopped")
}

func (m *manager) FlushMetrics(ctx context.Context) error {
	if m.c.MetricsRepo == nil || !m.c.Metrics.TakeDirty() {
		return nil
	}
	if err := m.c.MetricsRepo.Save(ctx, m.c.Metrics.Snapshot()); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}

// observe runs under the store's notification lock, so anything slow is handed to a goroutine.
func (m *manager) observe(change session.Change) {
	switch change.Kind {
	case session.ChangeRemoved:
		m.c.Throttler.Forget(change.ID)
	case session.ChangeReconciled:
		m.c.Throttler.Forget(change.PreviousID)
	case session.ChangeAdded, session.ChangeUpdated:
		if change.After == nil || change.After.Status != domain.DownloadStatusCompleted {
			return
		}
		if change.Before != nil && change.Before.Status == domain.DownloadStatusCompleted {
			return
		}
		m.c.Metrics.IncrementDownloads()
		rec := change.After.Clone()
		m.log.WithField("download_id", rec.ID).Infof("download completed: %s", rec.TorrentName)

		if m.ctx == nil || m.ctx.Err() != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.complete(m.ctx, rec)
		}()
	}
}

func (m *manager) complete(ctx context.Context, rec domain.DownloadRecord) {
	logger := m.log.WithField("download_id", rec.ID)

	if m.c.Completions == nil {
		return
	}
	entry := domain.CompletionFromRecord(rec, m.cfg.Now())
	if err := m.c.Completions.Record(ctx, &entry); err != nil {
		logger.Errorf("record completion: %v", err)
		return
	}

	if m.c.Archiver == nil || m.cfg.Archive.Bucket == "" {
		return
	}
	if !m.claimArchive(rec.ID) {
		logger.Debug("archive already running")
		return
	}
	defer m.releaseArchive(rec.ID)

	location, err := m.archive(ctx, logger, rec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("archive interrupted by shutdown")
			return
		}
		logger.Errorf("archive: %v", err)
		if markErr := m.c.Completions.MarkArchiveFailed(ctx, rec.ID, err.Error()); markErr != nil {
			logger.Errorf("persist archive failure: %v", markErr)
		}
		return
	}

	if err := m.c.Completions.MarkArchived(ctx, rec.ID, location, m.cfg.Now()); err != nil {
		logger.Errorf("mark archived: %v", err)
		return
	}
	logger.Infof("download archived to %s", location)
}

func (m *manager) archive(ctx context.Context, logger *logrus.Entry, rec domain.DownloadRecord) (string, error) {
	localPath, err := localDataPath(rec)
	if err != nil {
		return "", err
	}

	opts := m.cfg.Archive
	opts.KeyPrefix = storage.DownloadPrefix(opts.KeyPrefix, rec.ID)
	progressLogger := newUploadProgressLogger(logger)
	opts.ProgressCallback = func(done, total int64) {
		progressLogger(done, total)
	}

	logger.Infof("archive started from %s", localPath)
	return m.c.Archiver.Archive(ctx, localPath, opts)
}

func (m *manager) claimArchive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.archiving[id]; busy {
		return false
	}
	m.archiving[id] = struct{}{}
	return true
}

func (m *manager) releaseArchive(id string) {
	m.mu.Lock()
	delete(m.archiving, id)
	m.mu.Unlock()
}

// localDataPath resolves where the backend wrote a finished download.
func localDataPath(rec domain.DownloadRecord) (string, error) {
	if rec.OutputDir == "" {
		return "", fmt.Errorf("output dir unknown")
	}
	switch rec.TorrentName {
	case "", session.PlaceholderName, service.PendingName, bootstrap.DefaultName:
		return "", fmt.Errorf("torrent name unknown")
	}
	path := filepath.Join(rec.OutputDir, rec.TorrentName)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("local data missing: %w", err)
	}
	return path, nil
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if total == 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("archive progress: %s uploaded", format.Bytes(done))
			return
		}

		percent := float64(done) / float64(total) * 100
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, format.Bytes(done), format.Bytes(total))
	}
}

var _ Manager = (*manager)(nil)
