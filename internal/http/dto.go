package http

import (
	"time"

	"magnet-sync/internal/domain"
	"magnet-sync/internal/format"
	"magnet-sync/internal/session"
	"magnet-sync/internal/storage"
)

type DownloadResponse struct {
	ID              string                `json:"id"`
	MagnetLink      string                `json:"magnet_link"`
	Status          domain.DownloadStatus `json:"status"`
	Progress        float64               `json:"progress"`
	Speed           float64               `json:"speed"`
	DownloadSpeed   float64               `json:"download_speed"`
	UploadSpeed     float64               `json:"upload_speed"`
	TorrentName     string                `json:"torrent_name"`
	OutputDir       string                `json:"output_dir"`
	TotalSize       int64                 `json:"total_size"`
	DownloadedBytes int64                 `json:"downloaded_bytes"`
	Peers           int                   `json:"peers"`
	ETA             *int64                `json:"eta,omitempty"`
	SelectedIndices []int                 `json:"selected_indices,omitempty"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	CreatedAt       string                `json:"created_at,omitempty"`
	UpdatedAt       string                `json:"updated_at,omitempty"`

	SizeLabel  string `json:"size_label"`
	SpeedLabel string `json:"speed_label"`
	ETALabel   string `json:"eta_label"`
}

func downloadToResponse(rec domain.DownloadRecord) DownloadResponse {
	eta := rec.ETA
	if eta == nil && rec.Status == domain.DownloadStatusDownloading {
		eta = format.CalculateETA(rec.Progress, rec.TotalSize, rec.DownloadSpeed)
	}
	resp := DownloadResponse{
		ID:              rec.ID,
		MagnetLink:      rec.MagnetLink,
		Status:          rec.Status,
		Progress:        rec.Progress,
		Speed:           rec.Speed,
		DownloadSpeed:   rec.DownloadSpeed,
		UploadSpeed:     rec.UploadSpeed,
		TorrentName:     rec.TorrentName,
		OutputDir:       rec.OutputDir,
		TotalSize:       rec.TotalSize,
		DownloadedBytes: rec.DownloadedBytes,
		Peers:           rec.Peers,
		ETA:             eta,
		SelectedIndices: rec.SelectedIndices,
		ErrorMessage:    rec.ErrorMessage,
		CreatedAt:       formatTime(rec.CreatedAt),
		UpdatedAt:       formatTime(rec.UpdatedAt),
		SizeLabel:       format.Bytes(rec.TotalSize),
		SpeedLabel:      format.Speed(rec.Speed),
	}
	if rec.Status == domain.DownloadStatusDownloading {
		resp.ETALabel = format.ETA(eta)
	}
	return resp
}

type TorrentFileDTO struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

type TorrentInfoDTO struct {
	Name      string           `json:"name"`
	TotalSize int64            `json:"total_size"`
	Files     []TorrentFileDTO `json:"files"`
}

func (d TorrentInfoDTO) toDomain() domain.TorrentInfo {
	info := domain.TorrentInfo{
		Name:      d.Name,
		TotalSize: d.TotalSize,
		Files:     make([]domain.TorrentFile, len(d.Files)),
	}
	for i, f := range d.Files {
		info.Files[i] = domain.TorrentFile{Index: f.Index, Path: f.Path, Size: f.Size}
	}
	return info
}

func torrentInfoToDTO(info domain.TorrentInfo) TorrentInfoDTO {
	dto := TorrentInfoDTO{
		Name:      info.Name,
		TotalSize: info.TotalSize,
		Files:     make([]TorrentFileDTO, len(info.Files)),
	}
	for i, f := range info.Files {
		dto.Files[i] = TorrentFileDTO{Index: f.Index, Path: f.Path, Size: f.Size}
	}
	return dto
}

type MetricsResponse struct {
	TotalDownloaded int64     `json:"total_downloaded"`
	TotalUploaded   int64     `json:"total_uploaded"`
	TotalDownloads  int64     `json:"total_downloads"`
	TotalSessions   int64     `json:"total_sessions"`
	AverageSpeed    float64   `json:"average_speed"`
	PeakSpeed       float64   `json:"peak_speed"`
	Samples         []float64 `json:"samples"`
	UpdatedAt       string    `json:"updated_at,omitempty"`
}

func metricsToResponse(m domain.RollingMetrics) MetricsResponse {
	samples := m.Samples
	if samples == nil {
		samples = []float64{}
	}
	return MetricsResponse{
		TotalDownloaded: m.TotalDownloaded,
		TotalUploaded:   m.TotalUploaded,
		TotalDownloads:  m.TotalDownloads,
		TotalSessions:   m.TotalSessions,
		AverageSpeed:    m.AverageSpeed,
		PeakSpeed:       m.PeakSpeed,
		Samples:         samples,
		UpdatedAt:       formatTime(m.UpdatedAt),
	}
}

type CompletionResponse struct {
	DownloadID      string  `json:"download_id"`
	MagnetLink      string  `json:"magnet_link"`
	TorrentName     string  `json:"torrent_name"`
	OutputDir       string  `json:"output_dir"`
	TotalSize       int64   `json:"total_size"`
	ArchiveLocation string  `json:"archive_location,omitempty"`
	ArchiveError    string  `json:"archive_error,omitempty"`
	CompletedAt     string  `json:"completed_at"`
	ArchivedAt      *string `json:"archived_at,omitempty"`
}

func completionToResponse(c domain.Completion) CompletionResponse {
	resp := CompletionResponse{
		DownloadID:      c.DownloadID,
		MagnetLink:      c.MagnetLink,
		TorrentName:     c.TorrentName,
		OutputDir:       c.OutputDir,
		TotalSize:       c.TotalSize,
		ArchiveLocation: c.ArchiveLocation,
		ArchiveError:    c.ArchiveError,
		CompletedAt:     c.CompletedAt.Format(time.RFC3339),
	}
	if c.ArchivedAt != nil {
		v := c.ArchivedAt.Format(time.RFC3339)
		resp.ArchivedAt = &v
	}
	return resp
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

// ChangeEvent is the payload of one event on /api/events.
type ChangeEvent struct {
	ID         string            `json:"id,omitempty"`
	PreviousID string            `json:"previous_id,omitempty"`
	Download   *DownloadResponse `json:"download,omitempty"`
}

func changeToEvent(ch session.Change) ChangeEvent {
	ev := ChangeEvent{ID: ch.ID, PreviousID: ch.PreviousID}
	if ch.After != nil {
		d := downloadToResponse(*ch.After)
		ev.Download = &d
	}
	return ev
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
