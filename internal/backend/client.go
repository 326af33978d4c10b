package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-sync/internal/domain"
)

// ErrSuperseded is the cancellation cause of a request replaced by a newer one of the same kind.
var ErrSuperseded = errors.New("request superseded")

// APIError is returned for any non-2xx backend response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsCanceled reports whether err comes from a caller cancellation or a superseded request
// rather than a real failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to the torrent backend REST API.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	cancel context.CancelCauseFunc
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:      cfg,
		http:     cfg.HTTPClient,
		log:      cfg.Logger.WithField("component", "backend"),
		inflight: make(map[string]*flight),
	}
}

// BaseURL returns the normalized backend root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// DownloadSnapshot is one entry of the backend download list.
type DownloadSnapshot struct {
	ID              string  `json:"id"`
	MagnetLink      string  `json:"magnet_link"`
	OutputDir       string  `json:"output_dir"`
	SelectedIndices []int   `json:"selected_indices"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	Speed           float64 `json:"speed"`
	DownloadSpeed   float64 `json:"download_speed"`
	UploadSpeed     float64 `json:"upload_speed"`
	TorrentName     string  `json:"torrent_name"`
	TotalSize       int64   `json:"total_size"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	Peers           int     `json:"peers"`
	ETA             *int64  `json:"eta"`
	ErrorMessage    string  `json:"error_message"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// StartRequest is the payload of POST /api/magnet/download.
type StartRequest struct {
	MagnetLink      string `json:"magnet_link"`
	OutputDir       string `json:"output_dir"`
	SelectedIndices []int  `json:"selected_indices"`
	Sequential      bool   `json:"sequential"`
}

type analyzeResponse struct {
	Name      string `json:"name"`
	TotalSize int64  `json:"total_size"`
	Files     []struct {
		Index int    `json:"index"`
		Path  string `json:"path"`
		Size  int64  `json:"size"`
	} `json:"files"`
}

// ListDownloads fetches every download the backend knows about.
func (c *Client) ListDownloads(ctx context.Context) ([]DownloadSnapshot, error) {
	var out []DownloadSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/download", nil, &out); err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	return out, nil
}

// Analyze resolves the torrent metadata behind a magnet link. A newer Analyze call cancels an
// older one still in flight.
func (c *Client) Analyze(ctx context.Context, magnetLink string) (domain.TorrentInfo, error) {
	ctx, done := c.supersede(ctx, "analyze")
	defer done()

	var resp analyzeResponse
	body := map[string]string{"magnet_link": magnetLink}
	if err := c.do(ctx, http.MethodPost, "/api/magnet/analyze", body, &resp); err != nil {
		return domain.TorrentInfo{}, fmt.Errorf("analyze magnet: %w", err)
	}
	info := domain.TorrentInfo{Name: resp.Name, TotalSize: resp.TotalSize}
	for _, f := range resp.Files {
		info.Files = append(info.Files, domain.TorrentFile{Index: f.Index, Path: f.Path, Size: f.Size})
	}
	return info, nil
}

// StartDownload asks the backend to start a download and returns the id it assigned.
func (c *Client) StartDownload(ctx context.Context, req StartRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/magnet/download", req, &resp); err != nil {
		return "", fmt.Errorf("start download: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("start download: backend returned no id")
	}
	return resp.ID, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/download/"+url.PathEscape(id)+"/pause", nil, nil); err != nil {
		return fmt.Errorf("pause download %s: %w", id, err)
	}
	return nil
}

func (c *Client) Resume(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/download/"+url.PathEscape(id)+"/resume", nil, nil); err != nil {
		return fmt.Errorf("resume download %s: %w", id, err)
	}
	return nil
}

// Remove deletes the download record on the backend, and its files when deleteFiles is set.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	path := "/api/download/" + url.PathEscape(id)
	if deleteFiles {
		path += "/delete-files"
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove download %s: %w", id, err)
	}
	return nil
}

// Health probes the backend. A newer probe cancels an older one still in flight.
func (c *Client) Health(ctx context.Context) error {
	ctx, done := c.supersede(ctx, "health")
	defer done()

	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) supersede(ctx context.Context, kind string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	f := &flight{cancel: cancel}

	c.mu.Lock()
	if prev := c.inflight[kind]; prev != nil {
		prev.cancel(ErrSuperseded)
	}
	c.inflight[kind] = f
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.inflight[kind] == f {
			delete(c.inflight, kind)
		}
		c.mu.Unlock()
		cancel(nil)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send request: %w", context.Cause(ctx))
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("read response: %w", context.Cause(ctx))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case payload.Error != "":
			apiErr.Message = payload.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return apiErr
}
