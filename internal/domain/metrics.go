package domain

import (
	"slices"
	"time"
)

// RollingMetrics captures cumulative transfer counters and the recent speed window.
type RollingMetrics struct {
	TotalDownloaded int64
	TotalUploaded   int64
	TotalDownloads  int64
	TotalSessions   int64
	AverageSpeed    float64
	PeakSpeed       float64
	Samples         []float64
	UpdatedAt       time.Time
}

func (m RollingMetrics) Clone() RollingMetrics {
	out := m
	out.Samples = slices.Clone(m.Samples)
	return out
}
