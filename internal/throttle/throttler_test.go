package throttle

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"magnet-sync/internal/domain"
)

type recordingStore struct {
	mu      sync.Mutex
	updates []update
}

type update struct {
	id    string
	patch domain.Patch
}

func (s *recordingStore) Update(id string, patch domain.Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{id: id, patch: patch})
	return true
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type recordingMetrics struct {
	mu     sync.Mutex
	bytes  int64
	speeds []float64
}

func (m *recordingMetrics) AddDownloadedBytes(delta int64) {
	m.mu.Lock()
	m.bytes += delta
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordSpeed(speed float64) {
	m.mu.Lock()
	m.speeds = append(m.speeds, speed)
	m.mu.Unlock()
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func event(id string, pct float64, total int64, speed float64, at time.Duration) domain.ProgressEvent {
	return domain.ProgressEvent{
		ID:            id,
		Percentage:    pct,
		TotalSize:     total,
		DownloadSpeed: speed,
		Timestamp:     t0.Add(at),
	}
}

func TestSmallChangeWithinWindowIsSuppressedButSpeedRecorded(t *testing.T) {
	store := &recordingStore{}
	metrics := &recordingMetrics{}
	th := New(Config{}, store, metrics)

	require.True(t, th.Process(event("abc", 10, 1000, 0, 0)))
	require.False(t, th.Process(event("abc", 10.5, 1000, 2048, 100*time.Millisecond)))

	require.Equal(t, 1, store.count())
	require.Equal(t, []float64{2048}, metrics.speeds)
	require.Equal(t, int64(105), metrics.bytes)
}

func TestForwardRules(t *testing.T) {
	th := New(Config{}, &recordingStore{}, &recordingMetrics{})

	require.True(t, th.Process(event("x", 0, 0, 0, 0)))
	require.True(t, th.Process(event("x", 1.0, 0, 0, 10*time.Millisecond)), "progress delta of one point")
	require.True(t, th.Process(event("x", 1.0, 0, 10000, 20*time.Millisecond)), "speed delta")
	require.False(t, th.Process(event("x", 1.5, 0, 15000, 30*time.Millisecond)))
	require.True(t, th.Process(event("x", 1.5, 0, 15000, 520*time.Millisecond)), "window elapsed")
	require.True(t, th.Process(event("y", 1.5, 0, 15000, 521*time.Millisecond)), "ids are independent")
}

func TestForwardedPatchContents(t *testing.T) {
	store := &recordingStore{}
	th := New(Config{}, store, &recordingMetrics{})

	th.Process(domain.ProgressEvent{
		ID:            "abc",
		Percentage:    150,
		DownloadSpeed: 300,
		UploadSpeed:   20,
		TotalSize:     2000,
		Peers:         4,
		ETA:           0,
		Name:          "",
		Timestamp:     t0,
	})

	require.Len(t, store.updates, 1)
	p := store.updates[0].patch
	require.Equal(t, domain.DownloadStatusCompleted, *p.Status)
	require.Equal(t, 100.0, *p.Progress)
	require.Equal(t, 300.0, *p.DownloadSpeed)
	require.Equal(t, 20.0, *p.UploadSpeed)
	require.Equal(t, 4, *p.Peers)
	require.Equal(t, int64(2000), *p.DownloadedBytes)
	require.Nil(t, p.TorrentName)
	require.Nil(t, p.ETA)
}

func TestNoBytesLostUnderThrottling(t *testing.T) {
	store := &recordingStore{}
	metrics := &recordingMetrics{}
	th := New(Config{}, store, metrics)

	const total = int64(987_654_321)
	var raw int
	pct := 0.0
	for i := 0; pct < 73.3; i++ {
		pct = math.Min(73.3, pct+0.137)
		th.Process(event("abc", pct, total, 5000, time.Duration(i)*10*time.Millisecond))
		raw++
	}

	want := int64(math.Floor(73.3 / 100 * float64(total)))
	require.Equal(t, want, metrics.bytes)
	require.Less(t, store.count(), raw)
}

func TestRegressingProgressIsNotCredited(t *testing.T) {
	metrics := &recordingMetrics{}
	th := New(Config{}, &recordingStore{}, metrics)

	th.Process(event("a", 50, 100, 0, 0))
	th.Process(event("a", 40, 100, 0, time.Second))
	th.Process(event("a", 60, 100, 0, 2*time.Second))
	require.Equal(t, int64(60), metrics.bytes)
}

func TestForgetResetsAccounting(t *testing.T) {
	metrics := &recordingMetrics{}
	th := New(Config{}, &recordingStore{}, metrics)

	th.Process(event("a", 50, 100, 0, 0))
	th.Forget("a")
	require.True(t, th.Process(event("a", 10, 100, 0, time.Millisecond)))
	require.Equal(t, int64(60), metrics.bytes)
}

func TestRunDrainsQueueInOrderWithoutDropping(t *testing.T) {
	store := &recordingStore{}
	th := New(Config{BatchSize: 3, BatchDelay: time.Millisecond}, store, &recordingMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 1; i <= 25; i++ {
		// every event moves progress by a full point so none is throttled
		th.HandleProgress(event("abc", float64(i), 100, 0, time.Duration(i)*time.Millisecond))
	}
	go th.Run(ctx)

	require.Eventually(t, func() bool { return store.count() == 25 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, th.Pending())

	store.mu.Lock()
	defer store.mu.Unlock()
	for i, u := range store.updates {
		require.Equal(t, float64(i+1), *u.patch.Progress)
	}
}

func TestNextBatchBound(t *testing.T) {
	th := New(Config{}, &recordingStore{}, &recordingMetrics{})
	for i := 0; i < 25; i++ {
		th.HandleProgress(event("a", float64(i), 0, 0, 0))
	}

	batch, more := th.nextBatch()
	require.Len(t, batch, 10)
	require.True(t, more)
	require.Equal(t, 15, th.Pending())

	th.nextBatch()
	batch, more = th.nextBatch()
	require.Len(t, batch, 5)
	require.False(t, more)
}
