package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-sync/internal/backend"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Prober checks backend reachability.
type Prober interface {
	Health(ctx context.Context) error
}

// Snapshot is the last known connectivity state.
type Snapshot struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

type Config struct {
	Interval time.Duration
	Logger   *logrus.Logger
	// OnChange is called when the status changes.
	OnChange func(from, to Status)
}

// Monitor periodically probes the backend health endpoint.
type Monitor struct {
	cfg    Config
	prober Prober
	log    *logrus.Entry

	mu   sync.RWMutex
	snap Snapshot
}

func NewMonitor(cfg Config, prober Prober) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		log:    cfg.Logger.WithField("component", "health"),
		snap:   Snapshot{Status: StatusConnecting},
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and records its outcome. A probe canceled by a newer one or by ctx
// leaves the state untouched.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	err := m.prober.Health(ctx)
	if err != nil && backend.IsCanceled(err) {
		return m.Snapshot()
	}

	next := Snapshot{Status: StatusConnected, LastCheck: time.Now()}
	if err != nil {
		next.Status = StatusDisconnected
		next.Error = err.Error()
	}

	m.mu.Lock()
	prev := m.snap.Status
	m.snap = next
	m.mu.Unlock()

	if prev != next.Status {
		entry := m.log.WithField("status", next.Status)
		if err != nil {
			entry.WithError(err).Warn("backend unreachable")
		} else {
			entry.Info("backend reachable")
		}
		if m.cfg.OnChange != nil {
			m.cfg.OnChange(prev, next.Status)
		}
	}
	return next
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}
