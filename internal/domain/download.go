package domain

import (
	"slices"
	"time"
)

type DownloadStatus string

const (
	DownloadStatusPending     DownloadStatus = "pending"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusPaused      DownloadStatus = "paused"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusError       DownloadStatus = "error"
)

// Valid reports whether s is one of the known lifecycle states.
func (s DownloadStatus) Valid() bool {
	switch s {
	case DownloadStatusPending, DownloadStatusDownloading, DownloadStatusPaused,
		DownloadStatusCompleted, DownloadStatusError:
		return true
	}
	return false
}

// Active reports whether the backend is working on the download. Pending records are still
// waiting for the backend to accept them and do not count.
func (s DownloadStatus) Active() bool {
	return s == DownloadStatusDownloading || s == DownloadStatusPaused
}

// DownloadRecord represents one torrent download as seen by the client.
type DownloadRecord struct {
	ID              string
	MagnetLink      string
	Status          DownloadStatus
	Progress        float64
	Speed           float64
	DownloadSpeed   float64
	UploadSpeed     float64
	TorrentName     string
	OutputDir       string
	TotalSize       int64
	DownloadedBytes int64
	Peers           int
	ETA             *int64
	SelectedIndices []int
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers never share slices or pointers with the store.
func (r DownloadRecord) Clone() DownloadRecord {
	out := r
	if r.ETA != nil {
		eta := *r.ETA
		out.ETA = &eta
	}
	if r.SelectedIndices != nil {
		out.SelectedIndices = slices.Clone(r.SelectedIndices)
	}
	return out
}

// Equal compares two records field for field.
func (r DownloadRecord) Equal(o DownloadRecord) bool {
	if r.ID != o.ID ||
		r.MagnetLink != o.MagnetLink ||
		r.Status != o.Status ||
		r.Progress != o.Progress ||
		r.Speed != o.Speed ||
		r.DownloadSpeed != o.DownloadSpeed ||
		r.UploadSpeed != o.UploadSpeed ||
		r.TorrentName != o.TorrentName ||
		r.OutputDir != o.OutputDir ||
		r.TotalSize != o.TotalSize ||
		r.DownloadedBytes != o.DownloadedBytes ||
		r.Peers != o.Peers ||
		r.ErrorMessage != o.ErrorMessage ||
		!r.CreatedAt.Equal(o.CreatedAt) ||
		!r.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if (r.ETA == nil) != (o.ETA == nil) || (r.ETA != nil && *r.ETA != *o.ETA) {
		return false
	}
	return slices.Equal(r.SelectedIndices, o.SelectedIndices)
}

// Patch is a partial update of a DownloadRecord. Nil fields are left untouched.
type Patch struct {
	Status          *DownloadStatus
	Progress        *float64
	Speed           *float64
	DownloadSpeed   *float64
	UploadSpeed     *float64
	TorrentName     *string
	OutputDir       *string
	TotalSize       *int64
	DownloadedBytes *int64
	Peers           *int
	ETA             *int64
	ErrorMessage    *string
}

// Apply returns a copy of r with the patch merged in.
func (p Patch) Apply(r DownloadRecord) DownloadRecord {
	out := r.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Progress != nil {
		out.Progress = *p.Progress
	}
	if p.Speed != nil {
		out.Speed = *p.Speed
	}
	if p.DownloadSpeed != nil {
		out.DownloadSpeed = *p.DownloadSpeed
	}
	if p.UploadSpeed != nil {
		out.UploadSpeed = *p.UploadSpeed
	}
	if p.TorrentName != nil {
		out.TorrentName = *p.TorrentName
	}
	if p.OutputDir != nil {
		out.OutputDir = *p.OutputDir
	}
	if p.TotalSize != nil {
		out.TotalSize = *p.TotalSize
	}
	if p.DownloadedBytes != nil {
		out.DownloadedBytes = *p.DownloadedBytes
	}
	if p.Peers != nil {
		out.Peers = *p.Peers
	}
	if p.ETA != nil {
		eta := *p.ETA
		out.ETA = &eta
	}
	if p.ErrorMessage != nil {
		out.ErrorMessage = *p.ErrorMessage
	}
	return out
}

// Ref returns a pointer to v, for building patches inline.
func Ref[T any](v T) *T {
	return &v
}

// ProgressEvent is a normalized progress message received from the push stream.
type ProgressEvent struct {
	ID            string
	Percentage    float64
	DownloadSpeed float64
	UploadSpeed   float64
	TotalSize     int64
	Peers         int
	ETA           int64
	Name          string
	Timestamp     time.Time
}

// TorrentInfo describes the content behind a magnet link as reported by the backend.
type TorrentInfo struct {
	Name      string
	TotalSize int64
	Files     []TorrentFile
}

// TorrentFile is one file entry of a torrent.
type TorrentFile struct {
	Index int
	Path  string
	Size  int64
}

// SelectedSize sums the sizes of the files whose indices are listed.
func (t TorrentInfo) SelectedSize(indices []int) int64 {
	var total int64
	for _, f := range t.Files {
		if slices.Contains(indices, f.Index) {
			total += f.Size
		}
	}
	return total
}
