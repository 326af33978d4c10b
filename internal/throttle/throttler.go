package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-sync/internal/domain"
)

// Store receives display updates that pass the throttle.
type Store interface {
	Update(id string, patch domain.Patch) bool
}

// Metrics is credited with every byte and speed sample, throttled or not.
type Metrics interface {
	AddDownloadedBytes(delta int64)
	RecordSpeed(speed float64)
}

type Config struct {
	Window        time.Duration
	ProgressDelta float64
	SpeedDelta    float64
	BatchSize     int
	BatchDelay    time.Duration
	Logger        *logrus.Logger
}

type forwarded struct {
	progress float64
	speed    float64
	at       time.Time
}

// Throttler queues progress events, credits metrics for each of them and forwards to the
// store only the ones that change what a user would see.
type Throttler struct {
	cfg     Config
	store   Store
	metrics Metrics
	log     *logrus.Entry

	qmu   sync.Mutex
	queue []domain.ProgressEvent
	wake  chan struct{}

	mu          sync.Mutex
	lastBytes   map[string]int64
	lastForward map[string]forwarded
}

func New(cfg Config, store Store, metrics Metrics) *Throttler {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.ProgressDelta <= 0 {
		cfg.ProgressDelta = 1.0
	}
	if cfg.SpeedDelta <= 0 {
		cfg.SpeedDelta = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Throttler{
		cfg:         cfg,
		store:       store,
		metrics:     metrics,
		log:         cfg.Logger.WithField("component", "throttle"),
		wake:        make(chan struct{}, 1),
		lastBytes:   make(map[string]int64),
		lastForward: make(map[string]forwarded),
	}
}

// HandleProgress enqueues ev for the Run loop.
func (t *Throttler) HandleProgress(ev domain.ProgressEvent) {
	t.qmu.Lock()
	t.queue = append(t.queue, ev)
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue in batches until ctx is done.
func (t *Throttler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.log.Debugf("stopped with %d queued events", t.Pending())
			return
		case <-t.wake:
		}

		for {
			batch, more := t.nextBatch()
			for _, ev := range batch {
				t.Process(ev)
			}
			if !more {
				break
			}
			timer := time.NewTimer(t.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// Pending returns the number of queued events.
func (t *Throttler) Pending() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

func (t *Throttler) nextBatch() ([]domain.ProgressEvent, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	n := min(len(t.queue), t.cfg.BatchSize)
	batch := make([]domain.ProgressEvent, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	if len(t.queue) == 0 {
		t.queue = nil
	}
	return batch, len(t.queue) > 0
}

// Process applies one event: metrics first, then the throttled store update.
// It reports whether the event reached the store.
func (t *Throttler) Process(ev domain.ProgressEvent) bool {
	if ev.ID == "" {
		return false
	}
	progress := math.Min(100, math.Max(0, ev.Percentage))
	speed := math.Max(0, ev.DownloadSpeed)
	current := int64(math.Floor(progress / 100 * float64(ev.TotalSize)))

	t.mu.Lock()
	if delta := current - t.lastBytes[ev.ID]; delta > 0 {
		t.metrics.AddDownloadedBytes(delta)
		t.lastBytes[ev.ID] = current
	}
	if speed > 0 {
		t.metrics.RecordSpeed(speed)
	}

	last, seen := t.lastForward[ev.ID]
	if seen && ev.Timestamp.Sub(last.at) < t.cfg.Window &&
		math.Abs(progress-last.progress) < t.cfg.ProgressDelta &&
		math.Abs(speed-last.speed) < t.cfg.SpeedDelta {
		t.mu.Unlock()
		t.log.WithField("download_id", ev.ID).Trace("display update throttled")
		return false
	}
	t.lastForward[ev.ID] = forwarded{progress: progress, speed: speed, at: ev.Timestamp}
	t.mu.Unlock()

	t.store.Update(ev.ID, patchFor(ev, progress, speed, current))
	return true
}

// Forget drops the per-id bookkeeping, e.g. after the record was removed.
func (t *Throttler) Forget(id string) {
	t.mu.Lock()
	delete(t.lastBytes, id)
	delete(t.lastForward, id)
	t.mu.Unlock()
}

func patchFor(ev domain.ProgressEvent, progress, speed float64, downloaded int64) domain.Patch {
	status := domain.DownloadStatusDownloading
	if progress >= 100 {
		status = domain.DownloadStatusCompleted
	}
	p := domain.Patch{
		Status:        &status,
		Progress:      &progress,
		Speed:         &speed,
		DownloadSpeed: domain.Ref(speed),
		UploadSpeed:   domain.Ref(math.Max(0, ev.UploadSpeed)),
		Peers:         domain.Ref(max(0, ev.Peers)),
	}
	if ev.Name != "" {
		p.TorrentName = domain.Ref(ev.Name)
	}
	if ev.TotalSize > 0 {
		p.TotalSize = domain.Ref(ev.TotalSize)
		p.DownloadedBytes = domain.Ref(downloaded)
	}
	if ev.ETA > 0 {
		p.ETA = domain.Ref(ev.ETA)
	}
	return p
}
