package metrics

import (
	"sync"
	"time"

	"magnet-sync/internal/domain"
)

// DefaultCapacity bounds the speed sample window.
const DefaultCapacity = 100

// Aggregator keeps global transfer statistics that outlive individual download records.
type Aggregator struct {
	mu       sync.Mutex
	capacity int
	state    domain.RollingMetrics
	sum      float64
	dirty    bool
	now      func() time.Time
}

func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		now:      time.Now,
	}
}

func (a *Aggregator) AddDownloadedBytes(delta int64) {
	if delta <= 0 {
		return
	}
	a.mu.Lock()
	a.state.TotalDownloaded += delta
	a.touch()
	a.mu.Unlock()
}

func (a *Aggregator) AddUploadedBytes(delta int64) {
	if delta <= 0 {
		return
	}
	a.mu.Lock()
	a.state.TotalUploaded += delta
	a.touch()
	a.mu.Unlock()
}

// RecordSpeed appends a sample to the FIFO window and refreshes average and peak.
func (a *Aggregator) RecordSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Samples = append(a.state.Samples, speed)
	a.sum += speed
	if over := len(a.state.Samples) - a.capacity; over > 0 {
		for _, old := range a.state.Samples[:over] {
			a.sum -= old
		}
		a.state.Samples = append(a.state.Samples[:0], a.state.Samples[over:]...)
	}
	a.state.AverageSpeed = a.sum / float64(len(a.state.Samples))
	if speed > a.state.PeakSpeed {
		a.state.PeakSpeed = speed
	}
	a.touch()
}

func (a *Aggregator) IncrementDownloads() {
	a.mu.Lock()
	a.state.TotalDownloads++
	a.touch()
	a.mu.Unlock()
}

func (a *Aggregator) IncrementSessions() {
	a.mu.Lock()
	a.state.TotalSessions++
	a.touch()
	a.mu.Unlock()
}

// Reset zeroes every counter and clears the sample window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.state = domain.RollingMetrics{}
	a.sum = 0
	a.touch()
	a.mu.Unlock()
}

func (a *Aggregator) Snapshot() domain.RollingMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Restore loads a persisted snapshot, trimming the window to capacity and recomputing the average.
func (a *Aggregator) Restore(m domain.RollingMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := m.Clone()
	if over := len(state.Samples) - a.capacity; over > 0 {
		state.Samples = state.Samples[over:]
	}
	a.sum = 0
	for _, s := range state.Samples {
		a.sum += s
	}
	state.AverageSpeed = 0
	if len(state.Samples) > 0 {
		state.AverageSpeed = a.sum / float64(len(state.Samples))
	}
	a.state = state
	a.dirty = false
}

// TakeDirty reports whether anything changed since the previous call and clears the flag.
func (a *Aggregator) TakeDirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.dirty
	a.dirty = false
	return d
}

func (a *Aggregator) touch() {
	a.dirty = true
	a.state.UpdatedAt = a.now()
}
