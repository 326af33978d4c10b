package format

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// Bytes renders a byte count with IEC units.
func Bytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// Speed renders a transfer rate in bytes per second.
func Speed(bytesPerSec float64) string {
	if bytesPerSec <= 0 || math.IsNaN(bytesPerSec) || math.IsInf(bytesPerSec, 0) {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// Percent renders a progress value clamped to [0,100].
func Percent(p float64) string {
	return fmt.Sprintf("%.1f%%", math.Min(100, math.Max(0, p)))
}

// CalculateETA estimates the seconds left. It returns nil when there is no speed or the download
// is finished.
func CalculateETA(progress float64, totalSize int64, speed float64) *int64 {
	if speed <= 0 || progress >= 100 {
		return nil
	}
	remaining := float64(totalSize) * (1 - progress/100)
	secs := int64(math.Max(0, math.Floor(remaining/speed)))
	return &secs
}

// ETA renders a remaining-time estimate.
func ETA(seconds *int64) string {
	if seconds == nil || *seconds <= 0 {
		return "calculating..."
	}
	s := *seconds
	if s < 60 {
		return fmt.Sprintf("%ds left", s)
	}
	minutes := s / 60
	if hours := minutes / 60; hours > 0 {
		return fmt.Sprintf("%dh %dm left", hours, minutes%60)
	}
	return fmt.Sprintf("%dm left", minutes)
}
