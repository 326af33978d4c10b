package domain

import "time"

// Completion is the durable trace of a download that reached 100%, kept after the session record
// is gone.
type Completion struct {
	ID              int64
	DownloadID      string
	MagnetLink      string
	TorrentName     string
	OutputDir       string
	TotalSize       int64
	ArchiveLocation string
	ArchiveError    string
	CompletedAt     time.Time
	ArchivedAt      *time.Time
}

// CompletionFromRecord captures the descriptive fields of a completed record.
func CompletionFromRecord(r DownloadRecord, at time.Time) Completion {
	return Completion{
		DownloadID:  r.ID,
		MagnetLink:  r.MagnetLink,
		TorrentName: r.TorrentName,
		OutputDir:   r.OutputDir,
		TotalSize:   r.TotalSize,
		CompletedAt: at,
	}
}
